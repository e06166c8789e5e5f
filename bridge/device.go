package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/creachadair/mds/value"
	"github.com/danderson/dsb"
)

// A busDevice is one adapter device exposed on the bus as its own
// service.
type busDevice struct {
	m       *manager
	dev     *dsb.Device
	log     *slog.Logger
	service string
	graph   *dsb.Graph
	objects []*dsb.BusObject
	// signals are the device signals registered with the adapter.
	signals []*dsb.Signal

	mu       sync.Mutex
	sessions []dsb.SessionID
}

// serviceName returns the bus service name of dev: the adapter's
// root name, followed by the encoded device name and serial number
// when they are non-empty.
func serviceName(root string, dev *dsb.Device) string {
	ret := root
	if n := dsb.EncodeServiceName(dev.Name); n != "" {
		ret += "." + n
	}
	if n := dsb.EncodeServiceName(dev.SerialNumber); n != "" {
		ret += "." + n
	}
	return ret
}

// newBusDevice synthesizes the bus surface of dev.
func newBusDevice(m *manager, dev *dsb.Device) (*busDevice, error) {
	if dev.SerialNumber == "" {
		return nil, dsb.Errorf(dsb.StatusBadArgument, "expose device", "device %q has no serial number", dev.Name)
	}
	d := &busDevice{
		m:       m,
		dev:     dev,
		log:     m.log.With("device", dev.SerialNumber),
		service: serviceName(m.root, dev),
		graph:   dsb.NewGraph(m.root, dev),
	}

	for _, prop := range dev.Properties {
		po, err := d.graph.AddProperty(prop)
		if err != nil {
			return nil, err
		}
		d.objects = append(d.objects, &dsb.BusObject{
			Path: po.Path,
			Interfaces: []*dsb.BusInterface{{
				Description: po.Interface.Description(),
				Get:         d.getter(po),
				Set:         d.setter(po),
			}},
		})
	}

	for _, meth := range dev.Methods {
		if _, err := d.graph.AddMethod(meth); err != nil {
			return nil, err
		}
	}
	for _, sig := range dev.Signals {
		// Change of value is reported through property change
		// notifications, not as a signal of its own.
		if sig.Name == dsb.SignalChangeOfValue {
			continue
		}
		if _, err := d.graph.AddSignal(sig); err != nil {
			return nil, err
		}
	}

	if len(d.graph.Methods()) > 0 || len(d.graph.Signals()) > 0 {
		desc, _ := d.graph.Describe(d.graph.MainPath())
		main := &dsb.BusInterface{
			Description: desc.Interfaces[d.graph.MainInterface()],
			Methods:     map[string]dsb.MethodHandler{},
		}
		for _, mm := range d.graph.Methods() {
			main.Methods[mm.Name] = d.caller(mm)
		}
		d.objects = append(d.objects, &dsb.BusObject{
			Path:       d.graph.MainPath(),
			Interfaces: []*dsb.BusInterface{main},
		})
	}

	secure := m.cfg.DeviceAccessSecured()
	for _, o := range d.objects {
		o.Secure = secure
	}
	return d, nil
}

// expose registers for the device's signals and exports its service.
func (d *busDevice) expose() error {
	a := d.m.adapter
	for _, sig := range d.dev.Signals {
		if err := a.RegisterSignalListener(sig, d, nil); err != nil {
			d.unregister()
			return fmt.Errorf("registering for %s: %w", sig.Name, err)
		}
		d.signals = append(d.signals, sig)
	}
	if err := d.m.b.bus.Export(d.service, d.objects, d); err != nil {
		d.unregister()
		return err
	}
	return nil
}

// withdraw undoes expose.
func (d *busDevice) withdraw() {
	d.unregister()
	if err := d.m.b.bus.Unexport(d.service); err != nil {
		d.log.Warn("withdrawing device service", "err", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = nil
}

func (d *busDevice) unregister() {
	for _, sig := range d.signals {
		if err := d.m.adapter.UnregisterSignalListener(sig, d); err != nil {
			// Adapters forget the listeners of departed devices.
			d.log.Debug("unregistering device signal", "signal", sig.Name, "err", err)
		}
	}
	d.signals = nil
}

func (d *busDevice) info() DeviceInfo {
	ret := DeviceInfo{
		Adapter:      d.m.info.Name,
		Service:      d.service,
		Name:         d.dev.Name,
		SerialNumber: d.dev.SerialNumber,
		Vendor:       d.dev.Vendor,
		Model:        d.dev.Model,
		Firmware:     d.dev.FirmwareVersion,
		Description:  d.dev.Description,
		Sessions:     len(d.activeSessions()),
	}
	for _, o := range d.objects {
		ret.Paths = append(ret.Paths, o.Path)
	}
	return ret
}

// getter returns the property read handler of po.
func (d *busDevice) getter(po *dsb.PropertyObject) func(context.Context, string) (dsb.Args, error) {
	return func(ctx context.Context, name string) (dsb.Args, error) {
		member, ok := po.Interface.Member(name)
		if !ok {
			return dsb.Args{}, dsb.Errorf(dsb.StatusNotFound, "get property", "no property %q", name)
		}
		var out dsb.Param
		if err := d.m.b.await(ctx, "get_property", d.m.adapter.GetPropertyValue(d.dev, po.Property, member.Attribute, &out)); err != nil {
			return dsb.Args{}, err
		}
		if sig, err := dsb.SignatureFor(out.Data.Kind()); err != nil || sig != member.Signature {
			return dsb.Args{}, dsb.Errorf(dsb.StatusBadFormat, "get property", "adapter returned %v for %s", out.Data.Kind(), member.Signature)
		}
		return dsb.MarshalArgs(out.Data)
	}
}

// setter returns the property write handler of po.
func (d *busDevice) setter(po *dsb.PropertyObject) func(context.Context, string, dsb.Args) error {
	return func(ctx context.Context, name string, val dsb.Args) error {
		member, ok := po.Interface.Member(name)
		if !ok {
			return dsb.Errorf(dsb.StatusNotFound, "set property", "no property %q", name)
		}
		attr, ok := po.Property.Attribute(member.Attribute)
		if !ok {
			return dsb.Errorf(dsb.StatusNotFound, "set property", "no attribute %q", member.Attribute)
		}
		vals, err := val.Values(attr.Value.Data.Kind())
		if err != nil {
			return err
		}
		p := &dsb.Param{Name: member.Attribute, Data: vals[0]}
		return d.m.b.await(ctx, "set_property", d.m.adapter.SetPropertyValue(d.dev, po.Property, p))
	}
}

// caller returns the method call handler of mm.
func (d *busDevice) caller(mm *dsb.MethodMember) dsb.MethodHandler {
	return func(ctx context.Context, in dsb.Args) (dsb.Args, error) {
		call := mm.Method.Clone()
		kinds := make([]dsb.Kind, len(call.Inputs))
		for i, p := range call.Inputs {
			switch k := p.Data.Kind(); k {
			case dsb.KindEmpty:
				return dsb.Args{}, dsb.BadArgument(i + 1)
			case dsb.KindObject:
				kinds[i] = dsb.KindString
			default:
				kinds[i] = k
			}
		}
		if len(kinds) == 0 && !in.Signature.IsZero() {
			return dsb.Args{}, dsb.Errorf(dsb.StatusBadArgument, "call", "%s takes no arguments, got %q", mm.Name, in.Signature)
		}
		vals, err := in.Values(kinds...)
		if err != nil {
			return dsb.Args{}, err
		}
		for i, p := range call.Inputs {
			if p.Data.Kind() != dsb.KindObject {
				p.Data = vals[i]
				continue
			}
			path, _ := dsb.Get[string](vals[i])
			prop, ok := d.graph.FindPropertyByPath(path).GetOK()
			if !ok {
				return dsb.Args{}, &dsb.StatusError{Status: dsb.StatusBadFormat, Arg: i + 1, Op: "call", Err: fmt.Errorf("no object at %q", path)}
			}
			p.Data = dsb.ObjectValue(prop)
		}

		a := mm.Method.Adapter
		if a == nil {
			a = d.m.adapter
		}
		if err := d.m.b.await(ctx, "call_method", a.CallMethod(d.dev, call)); err != nil {
			return dsb.Args{}, err
		}

		if len(call.Outputs) != len(mm.Out) {
			return dsb.Args{}, dsb.Errorf(dsb.StatusBadFormat, "call", "adapter returned %d outputs, want %d", len(call.Outputs), len(mm.Out))
		}
		outs := make([]dsb.Value, 0, len(call.Outputs))
		for i, p := range call.Outputs {
			v, err := d.outValue(p.Data, mm.Out[i].Type.String())
			if err != nil {
				return dsb.Args{}, &dsb.StatusError{Status: dsb.StatusOf(err), Arg: i + 1, Op: "call", Err: err}
			}
			outs = append(outs, v)
		}
		return dsb.MarshalArgs(outs...)
	}
}

// outValue converts a method result or signal parameter to the value
// sent on the bus, which must have signature sig.
func (d *busDevice) outValue(v dsb.Value, sig string) (dsb.Value, error) {
	switch v.Kind() {
	case dsb.KindEmpty:
		return dsb.Value{}, dsb.Errorf(dsb.StatusBadArgument, "encode", "empty value")
	case dsb.KindObject:
		path, ok := d.objectPath(v)
		if !ok {
			return dsb.Value{}, dsb.Errorf(dsb.StatusBadFormat, "encode", "object %v is not exposed", v)
		}
		v = dsb.MustValueOf(path)
	}
	got, err := dsb.SignatureFor(v.Kind())
	if err != nil {
		return dsb.Value{}, err
	}
	if got != sig {
		return dsb.Value{}, dsb.Errorf(dsb.StatusBadFormat, "encode", "got signature %q, want %q", got, sig)
	}
	return v, nil
}

// objectPath returns the bus path of the adapter object held by v.
func (d *busDevice) objectPath(v dsb.Value) (string, bool) {
	o, _ := v.Object()
	switch o := o.(type) {
	case *dsb.Property:
		return d.graph.PathForProperty(o).GetOK()
	case *dsb.Device:
		if dsb.SameDevice(o, d.dev) {
			return d.graph.MainPath(), true
		}
	}
	return "", false
}

// AdapterSignalHandler forwards the device's signals to the bus.
func (d *busDevice) AdapterSignalHandler(sender dsb.Adapter, sig *dsb.Signal, _ any) {
	d.m.b.metrics.signals.WithLabelValues(sig.Name).Inc()
	if sig.Name == dsb.SignalChangeOfValue {
		d.changeOfValue(sig)
		return
	}
	d.deviceSignal(sig)
}

// changeOfValue reports a changed attribute to the peers in session
// with the device, as the attribute's signal behavior asks.
func (d *busDevice) changeOfValue(sig *dsb.Signal) {
	pp, ok1 := sig.Param(dsb.ParamPropertyHandle)
	ap, ok2 := sig.Param(dsb.ParamAttributeHandle)
	if !ok1 || !ok2 {
		d.log.Warn("malformed change of value signal")
		return
	}
	po, _ := pp.Data.Object()
	prop, _ := po.(*dsb.Property)
	ao, _ := ap.Data.Object()
	attr, _ := ao.(*dsb.Param)
	if prop == nil || attr == nil {
		d.log.Warn("malformed change of value signal")
		return
	}

	path, ok := d.graph.PathForProperty(prop).GetOK()
	if !ok {
		return
	}
	obj, _ := d.graph.PropertyObject(path)
	member, ok := obj.Interface.MemberForAttribute(attr.Name)
	if !ok || member.Behavior == dsb.SignalNever {
		return
	}

	var val value.Maybe[dsb.Args]
	if member.Behavior != dsb.SignalAlwaysWithNoValue {
		args, err := dsb.MarshalArgs(attr.Data)
		if err != nil || args.Signature.String() != member.Signature {
			d.log.Warn("change of value with wrong type", "attribute", attr.Name, "kind", attr.Data.Kind())
			return
		}
		val = value.Just(args)
	}
	for _, sess := range d.activeSessions() {
		if err := d.m.b.bus.EmitPropertyChanged(d.service, path, obj.Interface.Name, member.Name, val, sess); err != nil {
			d.log.Debug("emitting property change", "session", sess, "err", err)
		}
	}
}

// deviceSignal broadcasts a device signal from the main object.
func (d *busDevice) deviceSignal(sig *dsb.Signal) {
	sm, ok := d.graph.SignalFor(sig)
	if !ok {
		return
	}
	if len(sig.Params) != len(sm.Args) {
		d.log.Warn("signal with wrong arguments", "signal", sig.Name, "got", len(sig.Params), "want", len(sm.Args))
		return
	}
	vals := make([]dsb.Value, 0, len(sig.Params))
	for i, p := range sig.Params {
		v, err := d.outValue(p.Data, sm.Args[i].Type.String())
		if err != nil {
			d.log.Warn("signal with wrong arguments", "signal", sig.Name, "arg", i+1, "err", err)
			return
		}
		vals = append(vals, v)
	}
	args, err := dsb.MarshalArgs(vals...)
	if err != nil {
		d.log.Warn("encoding signal", "signal", sig.Name, "err", err)
		return
	}
	if err := d.m.b.bus.EmitSignal(d.service, d.graph.MainPath(), d.graph.MainInterface(), sm.Name, args, 0); err != nil {
		d.log.Debug("emitting signal", "signal", sig.Name, "err", err)
	}
}

func (d *busDevice) activeSessions() []dsb.SessionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sessions)
}

func (d *busDevice) SessionJoined(id dsb.SessionID, peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, id)
	d.log.Debug("peer joined", "session", id, "peer", peer)
}

func (d *busDevice) MemberRemoved(id dsb.SessionID, peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = slices.DeleteFunc(d.sessions, func(s dsb.SessionID) bool { return s == id })
	d.log.Debug("peer left", "session", id, "peer", peer)
}
