package dsb

import (
	"reflect"
	"slices"
	"sync"
)

// A Listener receives signals from a [Registry].
//
// Listeners are compared with == when unregistering, and must be
// comparable. [Registry.Register] and [Registry.Unregister] reject
// listeners that are not, such as funcs or maps.
type Listener interface {
	AdapterSignalHandler(sender Adapter, sig *Signal, ctx any)
}

type registration struct {
	listener Listener
	ctx      any
}

// A Registry routes signals to the listeners registered for them.
//
// Signals are matched by identity hash, so a listener registered on
// one Signal value also receives every other Signal with the same
// name. The zero Registry is ready to use.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64][]registration
}

// Register arranges for l to receive sig, along with ctx.
// Registering the same listener twice delivers the signal twice.
func (r *Registry) Register(sig *Signal, l Listener, ctx any) error {
	if sig == nil {
		return BadArgument(1)
	}
	if !isComparable(l) {
		return BadArgument(2)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = map[uint64][]registration{}
	}
	h := sig.Hash()
	r.entries[h] = append(r.entries[h], registration{l, ctx})
	return nil
}

// Unregister removes all of l's registrations for sig. It returns
// [StatusNotFound] if there were none.
func (r *Registry) Unregister(sig *Signal, l Listener) error {
	if sig == nil {
		return BadArgument(1)
	}
	if !isComparable(l) {
		return BadArgument(2)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := sig.Hash()
	regs := r.entries[h]
	kept := slices.DeleteFunc(slices.Clone(regs), func(reg registration) bool {
		return reg.listener == l
	})
	if len(kept) == len(regs) {
		return StatusNotFound
	}
	if len(kept) == 0 {
		delete(r.entries, h)
	} else {
		r.entries[h] = kept
	}
	return nil
}

func isComparable(l Listener) bool {
	return l != nil && reflect.ValueOf(l).Comparable()
}

// Dispatch delivers sig to every listener registered for it, and
// returns the number of deliveries.
//
// Listeners are invoked on the calling goroutine, from a snapshot of
// the registrations taken when Dispatch starts, so listeners may
// register and unregister freely.
func (r *Registry) Dispatch(sender Adapter, sig *Signal) int {
	if sig == nil {
		return 0
	}
	regs := func() []registration {
		r.mu.Lock()
		defer r.mu.Unlock()
		return slices.Clone(r.entries[sig.Hash()])
	}()
	for _, reg := range regs {
		reg.listener.AdapterSignalHandler(sender, sig, reg.ctx)
	}
	return len(regs)
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, regs := range r.entries {
		n += len(regs)
	}
	return n
}
