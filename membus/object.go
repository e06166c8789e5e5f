package membus

import (
	"context"
	"fmt"

	"github.com/danderson/dsb"
)

// Service is a service name on a Bus. It is not necessarily
// exported.
type Service struct {
	b    *Bus
	name string
}

// Service returns a handle to the named service.
func (b *Bus) Service(name string) Service {
	return Service{b, name}
}

// Name returns the service name.
func (s Service) Name() string { return s.name }

// Object returns the service's object at path.
func (s Service) Object(path string) Object {
	return Object{s, path}
}

// JoinSession joins peer to a new session with the service.
func (s Service) JoinSession(peer string) (dsb.SessionID, error) {
	return s.b.JoinSession(s.name, peer)
}

// Object is an object exported by a service.
type Object struct {
	s    Service
	path string
}

func (o Object) Service() Service { return o.s }
func (o Object) Path() string     { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.s.name, o.path)
}

// Interface returns the object's interface named name.
func (o Object) Interface(name string) Interface {
	return Interface{o, name}
}

// Introspect returns the description of the object and its immediate
// children.
func (o Object) Introspect(ctx context.Context) (*dsb.ObjectDescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return o.s.b.introspect(o.s.name, o.path)
}

// Interface is an interface of an [Object].
type Interface struct {
	o    Object
	name string
}

func (f Interface) Object() Object { return f.o }
func (f Interface) Name() string   { return f.name }

func (f Interface) String() string {
	return fmt.Sprintf("%s:%s", f.o, f.name)
}

// Call calls method with the arguments in, and returns the method's
// response. Failures reported by the method are returned as
// [dsb.CallError]s.
func (f Interface) Call(ctx context.Context, method string, in dsb.Args) (dsb.Args, error) {
	if err := ctx.Err(); err != nil {
		return dsb.Args{}, err
	}
	bi, err := f.o.s.b.iface(f.o.s.name, f.o.path, f.name)
	if err != nil {
		return dsb.Args{}, err
	}
	h := bi.Methods[method]
	if h == nil {
		return dsb.Args{}, dsb.CallError{Name: ErrUnknownMethod, Detail: fmt.Sprintf("%s has no method %s", f, method)}
	}
	out, err := h(ctx, in)
	if err != nil {
		return dsb.Args{}, callErr(err)
	}
	return out, nil
}

// GetProperty returns the value of the named property.
func (f Interface) GetProperty(ctx context.Context, name string) (dsb.Args, error) {
	if err := ctx.Err(); err != nil {
		return dsb.Args{}, err
	}
	bi, err := f.o.s.b.iface(f.o.s.name, f.o.path, f.name)
	if err != nil {
		return dsb.Args{}, err
	}
	if err := checkProperty(bi, name, false); err != nil {
		return dsb.Args{}, err
	}
	if bi.Get == nil {
		return dsb.Args{}, dsb.CallError{Name: ErrUnknownProperty, Detail: fmt.Sprintf("%s.%s is not readable", f, name)}
	}
	ret, err := bi.Get(ctx, name)
	if err != nil {
		return dsb.Args{}, callErr(err)
	}
	return ret, nil
}

// SetProperty sets the named property to val, which must hold a
// single value.
func (f Interface) SetProperty(ctx context.Context, name string, val dsb.Args) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bi, err := f.o.s.b.iface(f.o.s.name, f.o.path, f.name)
	if err != nil {
		return err
	}
	if err := checkProperty(bi, name, true); err != nil {
		return err
	}
	if bi.Set == nil {
		return dsb.CallError{Name: ErrPropertyReadOnly, Detail: fmt.Sprintf("%s.%s", f, name)}
	}
	return callErr(bi.Set(ctx, name, val))
}

// checkProperty validates a property access against the interface's
// description.
func checkProperty(bi *dsb.BusInterface, name string, write bool) error {
	for _, p := range bi.Description.Properties {
		if p.Name != name {
			continue
		}
		if write && !p.Writable {
			return dsb.CallError{Name: ErrPropertyReadOnly, Detail: name}
		}
		if !write && !p.Readable {
			return dsb.CallError{Name: ErrUnknownProperty, Detail: fmt.Sprintf("%s is write-only", name)}
		}
		return nil
	}
	return dsb.CallError{Name: ErrUnknownProperty, Detail: name}
}
