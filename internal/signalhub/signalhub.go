// Package signalhub scopes signal registrations to the adapter or
// device that raises the signal.
//
// A [dsb.Registry] matches signals by name, so every device's
// Change_Of_Value signal looks the same to it. Adapters keep one
// registry for their own signals and one per device, so that a
// listener registered on one device's signal hears only that device.
package signalhub

import (
	"slices"
	"sync"

	"github.com/danderson/dsb"
)

// Hub is a set of signal registries, one for the adapter and one per
// device serial number. The zero Hub is ready to use.
type Hub struct {
	mu      sync.Mutex
	adapter dsb.Registry
	devices map[string]*dsb.Registry
}

// registry returns the registry for serial, or the adapter registry
// if serial is empty.
func (h *Hub) registry(serial string, create bool) *dsb.Registry {
	if serial == "" {
		return &h.adapter
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.devices[serial]
	if r == nil && create {
		if h.devices == nil {
			h.devices = map[string]*dsb.Registry{}
		}
		r = &dsb.Registry{}
		h.devices[serial] = r
	}
	return r
}

// Owner returns the serial number of the device among devs that
// declares sig, or "" if sig is not a device signal. Signals are
// matched by identity first, then by name.
func Owner(devs []*dsb.Device, sig *dsb.Signal) string {
	for _, d := range devs {
		if slices.Contains(d.Signals, sig) {
			return d.SerialNumber
		}
	}
	for _, d := range devs {
		if _, ok := d.Signal(sig.Name); ok {
			return d.SerialNumber
		}
	}
	return ""
}

// Register registers l for sig raised by the device with the given
// serial number, or by the adapter if serial is empty.
func (h *Hub) Register(serial string, sig *dsb.Signal, l dsb.Listener, ctx any) error {
	return h.registry(serial, true).Register(sig, l, ctx)
}

// Unregister removes l's registrations for sig.
func (h *Hub) Unregister(serial string, sig *dsb.Signal, l dsb.Listener) error {
	r := h.registry(serial, false)
	if r == nil {
		return dsb.StatusNotFound
	}
	return r.Unregister(sig, l)
}

// Dispatch delivers sig, raised by the device with the given serial
// number or by the adapter if serial is empty, and returns the number
// of deliveries.
func (h *Hub) Dispatch(sender dsb.Adapter, serial string, sig *dsb.Signal) int {
	r := h.registry(serial, false)
	if r == nil {
		return 0
	}
	return r.Dispatch(sender, sig)
}

// Forget drops all registrations for the device with the given serial
// number.
func (h *Hub) Forget(serial string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices, serial)
}

// Len returns the total number of registrations.
func (h *Hub) Len() int {
	h.mu.Lock()
	regs := make([]*dsb.Registry, 0, len(h.devices))
	for _, r := range h.devices {
		regs = append(regs, r)
	}
	h.mu.Unlock()
	n := h.adapter.Len()
	for _, r := range regs {
		n += r.Len()
	}
	return n
}
