package dsb

import (
	"context"
	"maps"
	"slices"
)

// A SessionID identifies a session between a bus peer and a service.
// The zero SessionID means no particular session.
type SessionID uint32

// A MethodHandler serves calls to one bus method.
type MethodHandler func(ctx context.Context, in Args) (Args, error)

// A BusInterface is one interface of an exported [BusObject].
//
// Property values travel as single-valued Args.
type BusInterface struct {
	Description *InterfaceDescription
	// Methods maps method names to their handlers.
	Methods map[string]MethodHandler
	// Get and Set serve property accesses. A nil Get or Set refuses
	// the access.
	Get func(ctx context.Context, prop string) (Args, error)
	Set func(ctx context.Context, prop string, val Args) error
}

// Name returns the interface's name.
func (i *BusInterface) Name() string { return i.Description.Name }

// A BusObject is an object exported on the bus by a service.
type BusObject struct {
	Path       string
	Interfaces []*BusInterface
	// Secure reports whether peers must authenticate to use the
	// object.
	Secure bool
}

// Interface returns the object's interface named name.
func (o *BusObject) Interface(name string) (*BusInterface, bool) {
	i := slices.IndexFunc(o.Interfaces, func(bi *BusInterface) bool { return bi.Name() == name })
	if i < 0 {
		return nil, false
	}
	return o.Interfaces[i], true
}

// Description returns the introspection description of o, with no
// children.
func (o *BusObject) Description() *ObjectDescription {
	ret := &ObjectDescription{Interfaces: map[string]*InterfaceDescription{}}
	for _, bi := range o.Interfaces {
		ret.Interfaces[bi.Name()] = bi.Description
	}
	return ret
}

// InterfaceNames returns the sorted names of o's interfaces.
func (o *BusObject) InterfaceNames() []string {
	return slices.Sorted(maps.Keys(o.Description().Interfaces))
}

// A SessionListener is told about peers joining and leaving the
// sessions of an exported service.
type SessionListener interface {
	SessionJoined(id SessionID, peer string)
	MemberRemoved(id SessionID, peer string)
}
