package dsb

import (
	"fmt"
	"strings"
)

var kindToSig = map[Kind]string{
	KindBool:       "b",
	KindUint8:      "y",
	KindInt16:      "n",
	KindUint16:     "q",
	KindInt32:      "i",
	KindUint32:     "u",
	KindInt64:      "x",
	KindUint64:     "t",
	KindDouble:     "d",
	KindChar16:     "n",
	KindString:     "s",
	KindStringDict: "a{ss}",
}

var sigToKind = map[string]Kind{}

func init() {
	for k, sig := range kindToSig {
		if k == KindChar16 {
			// Char16 travels as an int16, and decodes as one.
			continue
		}
		sigToKind[sig] = k
		if k != KindStringDict {
			sigToKind["a"+sig] = kindArray | k
		}
	}
}

// SignatureFor returns the wire signature for values of kind k.
//
// The mapping is one to one, except that [KindChar16] shares the
// signature of [KindInt16]. The empty and object kinds have no
// signature: objects must be resolved to a bus object path before
// they can go on the wire.
func SignatureFor(k Kind) (string, error) {
	if k.IsArray() {
		elem, err := SignatureFor(k.Elem())
		if err != nil {
			return "", err
		}
		return "a" + elem, nil
	}
	if sig, ok := kindToSig[k]; ok {
		return sig, nil
	}
	return "", unsupported(k.String())
}

// KindForSignature returns the value kind that sig decodes to. It is
// the inverse of [SignatureFor], with "n" decoding as [KindInt16].
func KindForSignature(sig string) (Kind, error) {
	if k, ok := sigToKind[sig]; ok {
		return k, nil
	}
	return KindEmpty, unsupported(fmt.Sprintf("signature %q", sig))
}

// DefaultValueFor returns the zero value of the type described by
// sig. It is used to seed a value holder before reading into it.
func DefaultValueFor(sig string) (Value, error) {
	k, err := KindForSignature(sig)
	if err != nil {
		return Value{}, err
	}
	return zeroValue(k), nil
}

func zeroValue(k Kind) Value {
	switch k {
	case KindBool:
		return Value{k, false}
	case KindUint8:
		return Value{k, uint8(0)}
	case KindInt16:
		return Value{k, int16(0)}
	case KindUint16:
		return Value{k, uint16(0)}
	case KindInt32:
		return Value{k, int32(0)}
	case KindUint32:
		return Value{k, uint32(0)}
	case KindInt64:
		return Value{k, int64(0)}
	case KindUint64:
		return Value{k, uint64(0)}
	case KindDouble:
		return Value{k, float64(0)}
	case KindChar16:
		return Value{k, Char16(0)}
	case KindString:
		return Value{k, ""}
	case KindUint8Array:
		return Value{k, []uint8{}}
	case KindInt16Array:
		return Value{k, []int16{}}
	case KindUint16Array:
		return Value{k, []uint16{}}
	case KindInt32Array:
		return Value{k, []int32{}}
	case KindUint32Array:
		return Value{k, []uint32{}}
	case KindInt64Array:
		return Value{k, []int64{}}
	case KindUint64Array:
		return Value{k, []uint64{}}
	case KindDoubleArray:
		return Value{k, []float64{}}
	case KindChar16Array:
		return Value{k, []Char16{}}
	case KindBoolArray:
		return Value{k, []bool{}}
	case KindStringArray:
		return Value{k, []string{}}
	case KindStringDict:
		return Value{k, map[string]string{}}
	default:
		return Value{}
	}
}

// A Signature is a parsed wire type signature: a sequence of zero or
// more complete types.
type Signature struct {
	str   string
	parts []string
}

// String returns the string encoding of the Signature.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is empty, describing no
// values at all.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// Parts returns the signature's complete types, in order.
func (s Signature) Parts() []string {
	return s.parts
}

// ParseSignature parses a wire type signature string.
func ParseSignature(sig string) (Signature, error) {
	var (
		rest  = sig
		parts []string
		part  string
		err   error
	)
	for rest != "" {
		part, rest, err = parseOne(rest, false)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
		parts = append(parts, part)
	}
	return Signature{sig, parts}, nil
}

// MustParseSignature is like [ParseSignature], but panics on error.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// SignatureOf returns the signature describing values, in order.
func SignatureOf(values ...Value) (Signature, error) {
	var parts []string
	for _, v := range values {
		part, err := SignatureFor(v.Kind())
		if err != nil {
			return Signature{}, err
		}
		parts = append(parts, part)
	}
	return Signature{strings.Join(parts, ""), parts}, nil
}

const basicTypes = "bynqiuxtdsogh"

// parseOne consumes the first complete type from the front of sig,
// and returns it along with the remainder of the type string.
func parseOne(sig string, inArray bool) (typ string, rest string, err error) {
	switch c := sig[0]; {
	case strings.IndexByte(basicTypes, c) >= 0, c == 'v':
		return sig[:1], sig[1:], nil
	case c == 'a':
		if len(sig) == 1 {
			return "", "", fmt.Errorf("missing array element type")
		}
		elem, rest, err := parseOne(sig[1:], true)
		if err != nil {
			return "", "", err
		}
		return "a" + elem, rest, nil
	case c == '{':
		if !inArray {
			return "", "", fmt.Errorf("dict entry type found outside array")
		}
		if len(sig) < 2 || strings.IndexByte(basicTypes, sig[1]) < 0 {
			return "", "", fmt.Errorf("dict key must be a basic type")
		}
		val, rest, err := parseOne(sig[2:], false)
		if err != nil {
			return "", "", err
		}
		if rest == "" || rest[0] != '}' {
			return "", "", fmt.Errorf("missing closing } in dict type")
		}
		return "{" + sig[1:2] + val + "}", rest[1:], nil
	case c == '(':
		rest := sig[1:]
		var fields []string
		for {
			if rest == "" {
				return "", "", fmt.Errorf("missing closing ) in struct type")
			}
			if rest[0] == ')' {
				break
			}
			var f string
			f, rest, err = parseOne(rest, false)
			if err != nil {
				return "", "", err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return "", "", fmt.Errorf("empty struct type")
		}
		return "(" + strings.Join(fields, "") + ")", rest[1:], nil
	default:
		return "", "", fmt.Errorf("unknown type specifier %q", c)
	}
}
