// Package mockadapter provides an adapter of simulated devices.
//
// The simulated devices behave like real ones from the bridge's point
// of view: attribute writes raise Change_Of_Value signals, methods run
// device logic, and devices can arrive and leave at any time. Requests
// complete synchronously, or after a delay on a background goroutine
// when [Options.Async] is set.
package mockadapter

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/danderson/dsb"
	"github.com/danderson/dsb/internal/signalhub"
)

// A MethodFunc implements a simulated device method. It reads
// call.Inputs and fills in call.Outputs.
//
// Simulated methods carry their MethodFunc in [dsb.Method.Context].
type MethodFunc func(s Sim, call *dsb.Method) error

// A Sim is the simulated device a [MethodFunc] runs on.
type Sim struct {
	a   *Adapter
	dev *dsb.Device
}

// Device returns the simulated device.
func (s Sim) Device() *dsb.Device { return s.dev }

// Value returns the current value of an attribute.
func (s Sim) Value(prop, attr string) (dsb.Value, error) {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	_, p, err := s.a.lookupLocked(s.dev, &dsb.Property{Name: prop})
	if err != nil {
		return dsb.Value{}, err
	}
	at, ok := p.Attribute(attr)
	if !ok {
		return dsb.Value{}, dsb.Errorf(dsb.StatusNotFound, "value", "property %q has no attribute %q", prop, attr)
	}
	return at.Value.Data, nil
}

// Set changes an attribute, raising Change_Of_Value if its value
// changed.
func (s Sim) Set(prop, attr string, v dsb.Value) error {
	return s.a.setValue(s.dev, &dsb.Property{Name: prop}, attr, v, false)
}

// Options configures an Adapter.
type Options struct {
	// Devices are the simulated devices present when the adapter
	// starts. If nil, DefaultDevices is used.
	Devices []*dsb.Device
	// Async makes requests complete on a background goroutine,
	// after Latency.
	Async   bool
	Latency time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Adapter is a [dsb.Adapter] of simulated devices.
type Adapter struct {
	log     *slog.Logger
	arrival *dsb.Signal
	removal *dsb.Signal
	hub     signalhub.Hub

	mu      sync.Mutex
	async   bool
	latency time.Duration
	tasks   *taskgroup.Group
	running bool
	devices []*dsb.Device
	config  []byte
	fail    map[string]error
}

// New returns an adapter simulating opts.Devices.
func New(opts Options) *Adapter {
	devs := opts.Devices
	if devs == nil {
		devs = DefaultDevices()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:     log.With("adapter", "mock"),
		async:   opts.Async,
		latency: opts.Latency,
		arrival: &dsb.Signal{Name: dsb.SignalDeviceArrival, Params: []*dsb.Param{{Name: dsb.ParamDeviceHandle}}},
		removal: &dsb.Signal{Name: dsb.SignalDeviceRemoval, Params: []*dsb.Param{{Name: dsb.ParamDeviceHandle}}},
		devices: slices.Clone(devs),
		fail:    map[string]error{},
	}
}

func (a *Adapter) Info() dsb.AdapterInfo {
	return dsb.AdapterInfo{
		Vendor:                 "Example",
		Name:                   "Mock Adapter",
		Version:                "1.0",
		ExposedPrefix:          "com.example",
		ExposedApplicationName: "Mock Device System Bridge",
		ExposedApplicationGUID: "4e6c53d2-6bd6-4b4e-9a0e-0c3a1b0b7f51",
	}
}

func (a *Adapter) Signals() []*dsb.Signal {
	return []*dsb.Signal{a.arrival, a.removal}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail["Initialize"]; err != nil {
		return err
	}
	if a.running {
		return dsb.Errorf(dsb.StatusNotCapable, "initialize", "adapter already running")
	}
	a.running = true
	a.tasks = taskgroup.New(nil)
	a.log.Info("adapter initialized", "devices", len(a.devices))
	return nil
}

// Shutdown stops the adapter, waiting for in-flight requests to
// complete.
func (a *Adapter) Shutdown() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	g := a.tasks
	a.tasks = nil
	a.mu.Unlock()

	g.Wait()
	a.log.Info("adapter shut down")
	return nil
}

func (a *Adapter) SetConfiguration(cfg []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail["SetConfiguration"]; err != nil {
		return err
	}
	a.config = slices.Clone(cfg)
	return nil
}

func (a *Adapter) Configuration() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail["Configuration"]; err != nil {
		return nil, err
	}
	if a.config == nil {
		return []byte("<MockAdapter/>"), nil
	}
	return slices.Clone(a.config), nil
}

// Fail makes every subsequent call of the named operation, such as
// "CallMethod" or "Initialize", fail with err. Fail(op, nil) restores
// normal operation.
func (a *Adapter) Fail(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.fail, op)
	} else {
		a.fail[op] = err
	}
}

// SetLatency changes how requests made from now on complete, as with
// Options.Async and Options.Latency.
func (a *Adapter) SetLatency(async bool, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.async, a.latency = async, latency
}

// do runs fn as the body of the operation op, and returns the
// request tracking it.
func (a *Adapter) do(op string, fn func() error) *dsb.Request {
	a.mu.Lock()
	running, async, latency, tasks, err := a.running, a.async, a.latency, a.tasks, a.fail[op]
	a.mu.Unlock()
	switch {
	case !running:
		return dsb.Completed(dsb.Errorf(dsb.StatusNotCapable, op, "adapter not running"))
	case err != nil:
		return dsb.Completed(err)
	case !async:
		return dsb.Completed(fn())
	}

	req := dsb.NewRequest()
	tasks.Go(func() error {
		if latency > 0 {
			t := time.NewTimer(latency)
			defer t.Stop()
			select {
			case <-t.C:
			case <-req.Done():
				// Canceled before dispatch.
				return nil
			}
		}
		req.Fail(fn())
		return nil
	})
	return req
}

func (a *Adapter) EnumDevices(mode dsb.EnumMode, out *[]*dsb.Device) *dsb.Request {
	if out == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}
	return a.do("EnumDevices", func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		*out = slices.Clone(a.devices)
		return nil
	})
}

// lookupLocked returns the adapter's own copy of dev and prop.
func (a *Adapter) lookupLocked(dev *dsb.Device, prop *dsb.Property) (*dsb.Device, *dsb.Property, error) {
	i := slices.IndexFunc(a.devices, func(d *dsb.Device) bool { return dsb.SameDevice(d, dev) })
	if i < 0 {
		return nil, nil, dsb.Errorf(dsb.StatusNotFound, "lookup", "no device %q", dev.SerialNumber)
	}
	d := a.devices[i]
	if prop == nil {
		return d, nil, nil
	}
	for _, p := range d.Properties {
		if p == prop || p.Name == prop.Name {
			return d, p, nil
		}
	}
	return nil, nil, dsb.Errorf(dsb.StatusNotFound, "lookup", "device %q has no property %q", dev.SerialNumber, prop.Name)
}

// GetProperty refreshes prop, which for simulated devices is always
// current.
func (a *Adapter) GetProperty(dev *dsb.Device, prop *dsb.Property) *dsb.Request {
	if dev == nil {
		return dsb.Completed(dsb.BadArgument(1))
	}
	if prop == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}
	return a.do("GetProperty", func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, _, err := a.lookupLocked(dev, prop)
		return err
	})
}

func (a *Adapter) SetProperty(dev *dsb.Device, prop *dsb.Property) *dsb.Request {
	if dev == nil {
		return dsb.Completed(dsb.BadArgument(1))
	}
	if prop == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}
	return a.do("SetProperty", func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, _, err := a.lookupLocked(dev, prop)
		return err
	})
}

func (a *Adapter) GetPropertyValue(dev *dsb.Device, prop *dsb.Property, attr string, out *dsb.Param) *dsb.Request {
	switch {
	case dev == nil:
		return dsb.Completed(dsb.BadArgument(1))
	case prop == nil:
		return dsb.Completed(dsb.BadArgument(2))
	case out == nil:
		return dsb.Completed(dsb.BadArgument(4))
	}
	return a.do("GetPropertyValue", func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, p, err := a.lookupLocked(dev, prop)
		if err != nil {
			return err
		}
		at, ok := p.Attribute(attr)
		if !ok {
			return dsb.Errorf(dsb.StatusNotFound, "get property value", "property %q has no attribute %q", p.Name, attr)
		}
		if !at.Access.Readable() {
			return dsb.Errorf(dsb.StatusPermissionDenied, "get property value", "attribute %q is write-only", attr)
		}
		out.Name = at.Value.Name
		out.Data = at.Value.Data
		return nil
	})
}

func (a *Adapter) SetPropertyValue(dev *dsb.Device, prop *dsb.Property, val *dsb.Param) *dsb.Request {
	switch {
	case dev == nil:
		return dsb.Completed(dsb.BadArgument(1))
	case prop == nil:
		return dsb.Completed(dsb.BadArgument(2))
	case val == nil:
		return dsb.Completed(dsb.BadArgument(3))
	}
	return a.do("SetPropertyValue", func() error {
		return a.setValue(dev, prop, val.Name, val.Data, true)
	})
}

// setValue writes v to an attribute and raises Change_Of_Value if the
// value changed. If checkAccess is set, read-only attributes are
// refused.
func (a *Adapter) setValue(dev *dsb.Device, prop *dsb.Property, attr string, v dsb.Value, checkAccess bool) error {
	d, p, at, changed, err := func() (*dsb.Device, *dsb.Property, *dsb.Attribute, bool, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		d, p, err := a.lookupLocked(dev, prop)
		if err != nil {
			return nil, nil, nil, false, err
		}
		at, ok := p.Attribute(attr)
		if !ok {
			return nil, nil, nil, false, dsb.Errorf(dsb.StatusNotFound, "set property value", "property %q has no attribute %q", p.Name, attr)
		}
		if checkAccess && !at.Access.Writable() {
			return nil, nil, nil, false, dsb.Errorf(dsb.StatusPermissionDenied, "set property value", "attribute %q is read-only", attr)
		}
		if v.Kind() != at.Value.Data.Kind() {
			return nil, nil, nil, false, &dsb.StatusError{
				Status: dsb.StatusBadArgument,
				Arg:    3,
				Op:     "set property value",
				Err:    fmt.Errorf("attribute %q is %v, got %v", attr, at.Value.Data.Kind(), v.Kind()),
			}
		}
		if at.Value.Data.Equal(v) {
			return d, p, at, false, nil
		}
		at.Value.Data = v
		return d, p, at, true, nil
	}()
	if err != nil {
		return err
	}
	if changed {
		a.raiseCOV(d, p, at)
	}
	return nil
}

func (a *Adapter) raiseCOV(dev *dsb.Device, prop *dsb.Property, attr *dsb.Attribute) {
	cov, ok := dev.Signal(dsb.SignalChangeOfValue)
	if !ok {
		return
	}
	val := attr.Value.Clone()
	sig := cov.WithParams(
		&dsb.Param{Name: dsb.ParamPropertyHandle, Data: dsb.ObjectValue(prop)},
		&dsb.Param{Name: dsb.ParamAttributeHandle, Data: dsb.ObjectValue(val)},
	)
	n := a.hub.Dispatch(a, dev.SerialNumber, sig)
	a.log.Debug("change of value", "device", dev.SerialNumber, "property", prop.Name, "attribute", attr.Value.Name, "listeners", n)
}

func (a *Adapter) CallMethod(dev *dsb.Device, call *dsb.Method) *dsb.Request {
	if dev == nil {
		return dsb.Completed(dsb.BadArgument(1))
	}
	if call == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}
	return a.do("CallMethod", func() error {
		d, fn, err := func() (*dsb.Device, MethodFunc, error) {
			a.mu.Lock()
			defer a.mu.Unlock()
			d, _, err := a.lookupLocked(dev, nil)
			if err != nil {
				return nil, nil, err
			}
			for _, m := range d.Methods {
				if m.Name != call.Name {
					continue
				}
				fn, ok := m.Context.(MethodFunc)
				if !ok {
					return nil, nil, dsb.Errorf(dsb.StatusNotImplemented, "call method", "method %q has no implementation", m.Name)
				}
				return d, fn, nil
			}
			return nil, nil, dsb.Errorf(dsb.StatusNotFound, "call method", "device %q has no method %q", d.SerialNumber, call.Name)
		}()
		if err != nil {
			return err
		}
		return fn(Sim{a, d}, call)
	})
}

func (a *Adapter) RegisterSignalListener(sig *dsb.Signal, l dsb.Listener, ctx any) error {
	if sig == nil {
		return dsb.BadArgument(1)
	}
	if l == nil {
		return dsb.BadArgument(2)
	}
	a.mu.Lock()
	serial := signalhub.Owner(a.devices, sig)
	a.mu.Unlock()
	return a.hub.Register(serial, sig, l, ctx)
}

func (a *Adapter) UnregisterSignalListener(sig *dsb.Signal, l dsb.Listener) error {
	if sig == nil {
		return dsb.BadArgument(1)
	}
	if l == nil {
		return dsb.BadArgument(2)
	}
	a.mu.Lock()
	serial := signalhub.Owner(a.devices, sig)
	a.mu.Unlock()
	return a.hub.Unregister(serial, sig, l)
}

// AddDevice adds a simulated device and raises Device_Arrival.
func (a *Adapter) AddDevice(dev *dsb.Device) error {
	a.mu.Lock()
	if slices.ContainsFunc(a.devices, func(d *dsb.Device) bool { return dsb.SameDevice(d, dev) }) {
		a.mu.Unlock()
		return dsb.Errorf(dsb.StatusBadArgument, "add device", "device %q already present", dev.SerialNumber)
	}
	a.devices = append(a.devices, dev)
	a.mu.Unlock()

	a.hub.Dispatch(a, "", a.arrival.WithParams(&dsb.Param{Name: dsb.ParamDeviceHandle, Data: dsb.ObjectValue(dev)}))
	return nil
}

// RemoveDevice removes the simulated device with the given serial
// number and raises Device_Removal.
func (a *Adapter) RemoveDevice(serial string) error {
	a.mu.Lock()
	i := slices.IndexFunc(a.devices, func(d *dsb.Device) bool { return d.SerialNumber == serial })
	if i < 0 {
		a.mu.Unlock()
		return dsb.Errorf(dsb.StatusNotFound, "remove device", "no device %q", serial)
	}
	dev := a.devices[i]
	a.devices = slices.Delete(a.devices, i, i+1)
	a.mu.Unlock()

	a.hub.Dispatch(a, "", a.removal.WithParams(&dsb.Param{Name: dsb.ParamDeviceHandle, Data: dsb.ObjectValue(dev)}))
	a.hub.Forget(serial)
	return nil
}

// Device returns the simulated device with the given serial number.
func (a *Adapter) Device(serial string) (*dsb.Device, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := slices.IndexFunc(a.devices, func(d *dsb.Device) bool { return d.SerialNumber == serial })
	if i < 0 {
		return nil, false
	}
	return a.devices[i], true
}

// SetValue changes an attribute as if the device itself had changed
// it, raising Change_Of_Value. Access restrictions do not apply.
func (a *Adapter) SetValue(serial, prop, attr string, v dsb.Value) error {
	return a.setValue(&dsb.Device{SerialNumber: serial}, &dsb.Property{Name: prop}, attr, v, false)
}

// Raise raises the named device signal, carrying params.
func (a *Adapter) Raise(serial, name string, params ...*dsb.Param) error {
	dev, ok := a.Device(serial)
	if !ok {
		return dsb.Errorf(dsb.StatusNotFound, "raise", "no device %q", serial)
	}
	sig, ok := dev.Signal(name)
	if !ok {
		return dsb.Errorf(dsb.StatusNotFound, "raise", "device %q has no signal %q", serial, name)
	}
	a.hub.Dispatch(a, serial, sig.WithParams(params...))
	return nil
}
