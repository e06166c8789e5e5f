package dsb

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Status is a protocol-level status code.
//
// Statuses are reported by adapter operations through [Request], and
// by the bridge to bus callers. Every Status other than
// [StatusSuccess] is also an error, so functions may return them
// directly.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusPending
	StatusAborted
	StatusBadArgument
	StatusOutOfMemory
	StatusPermissionDenied
	StatusEndOfData
	StatusOpenFailed
	StatusReadFailed
	StatusWriteFailed
	StatusNotImplemented
	StatusOSError
	StatusNotCapable
	StatusTimeout
	StatusBadFormat
	StatusNotFound
)

var statusNames = [...]string{
	StatusSuccess:          "Success",
	StatusPending:          "Pending",
	StatusAborted:          "Aborted",
	StatusBadArgument:      "BadArgument",
	StatusOutOfMemory:      "OutOfMemory",
	StatusPermissionDenied: "PermissionDenied",
	StatusEndOfData:        "EndOfData",
	StatusOpenFailed:       "OpenFailed",
	StatusReadFailed:       "ReadFailed",
	StatusWriteFailed:      "WriteFailed",
	StatusNotImplemented:   "NotImplemented",
	StatusOSError:          "OSError",
	StatusNotCapable:       "NotCapable",
	StatusTimeout:          "Timeout",
	StatusBadFormat:        "BadFormat",
	StatusNotFound:         "NotFound",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

func (s Status) Error() string {
	return "dsb: " + s.String()
}

// StatusError is a Status with additional context.
type StatusError struct {
	// Status is the protocol status reported for the error.
	Status Status
	// Arg is the 1-based index of the offending argument, for
	// StatusBadArgument. Zero means no particular argument.
	Arg int
	// Op is the operation that failed, if known.
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *StatusError) Error() string {
	msg := e.Status.Error()
	if e.Status == StatusBadArgument && e.Arg > 0 {
		msg = fmt.Sprintf("%s(%d)", msg, e.Arg)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// Is reports whether target is the same Status as e.
func (e *StatusError) Is(target error) bool {
	s, ok := target.(Status)
	return ok && s == e.Status
}

// BadArgument returns an error reporting that argument n (1-based)
// was invalid.
func BadArgument(n int) error {
	return &StatusError{Status: StatusBadArgument, Arg: n}
}

// Errorf returns a StatusError for op with a formatted cause.
func Errorf(s Status, op string, format string, args ...any) error {
	return &StatusError{Status: s, Op: op, Err: fmt.Errorf(format, args...)}
}

// StatusOf returns the Status carried by err.
//
// A nil error is StatusSuccess. Type errors are StatusBadFormat, and
// errors that carry no status at all are StatusOSError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	var te TypeError
	if errors.As(err, &te) {
		return StatusBadFormat
	}
	var ce CallError
	if errors.As(err, &ce) {
		if s, ok := ce.Status(); ok {
			return s
		}
	}
	return StatusOSError
}

// ErrUnsupportedType is the reason given by [TypeError] when a value
// kind has no wire representation.
var ErrUnsupportedType = errors.New("unsupported type")

// TypeError is the error returned when a value cannot be represented
// in the wire format.
type TypeError struct {
	// Type is the name of the kind or signature that caused the
	// error.
	Type string
	// Reason is an explanation of why the type isn't representable.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dsb cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(typ string, reason string, args ...any) error {
	return TypeError{typ, fmt.Errorf(reason, args...)}
}

func unsupported(typ string) error {
	return TypeError{typ, ErrUnsupportedType}
}

// CallError is the error returned to bus callers from failed method
// calls and property accesses.
type CallError struct {
	// Name is the bus error name.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Status returns the Status named by e, if e is a bridge error.
func (e CallError) Status() (Status, bool) {
	name, ok := strings.CutPrefix(e.Name, ErrorNamePrefix)
	if !ok {
		return 0, false
	}
	i := slices.Index(statusNames[:], name)
	if i < 0 {
		return 0, false
	}
	return Status(i), true
}

// Is reports whether e is the bus error for target, which must be a
// Status.
func (e CallError) Is(target error) bool {
	s, ok := target.(Status)
	if !ok {
		return false
	}
	got, ok := e.Status()
	return ok && got == s
}

// ErrorNamePrefix prefixes the bus error names produced by
// [CallErrorFor].
const ErrorNamePrefix = "org.alljoyn.Bridge.Error."

// CallErrorFor converts err into the CallError reported on the bus.
func CallErrorFor(err error) CallError {
	var ce CallError
	if errors.As(err, &ce) {
		return ce
	}
	return CallError{
		Name:   ErrorNamePrefix + StatusOf(err).String(),
		Detail: err.Error(),
	}
}
