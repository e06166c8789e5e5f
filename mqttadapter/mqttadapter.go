// Package mqttadapter provides an adapter for devices that talk MQTT.
//
// Each device owns the topics under "<prefix>/<serial>/":
//
//	config  the device's announcement, a retained JSON document
//	        describing its properties, methods and signals. An empty
//	        payload withdraws the device.
//	state   attribute values reported by the device, as
//	        {"<property>": {"<attribute>": <value>}}.
//	set     attribute writes published by the adapter, in the same
//	        form as state.
//	event   device signals, as {"signal": "<name>", "params": {...}}.
//	call    method calls published by the adapter, as
//	        {"id": "<uuid>", "method": "<name>", "inputs": {...}}.
//	reply   method results, as {"id": "<uuid>", "status": "<status>",
//	        "error": "<text>", "outputs": {...}}.
//
// Device arrival, removal and signals are raised from the MQTT
// client's delivery goroutine, never from within adapter calls.
package mqttadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/danderson/dsb"
	"github.com/danderson/dsb/internal/signalhub"
	"github.com/google/uuid"
)

// DefaultPrefix is the default topic prefix.
const DefaultPrefix = "dsb"

const (
	topicConfig = "config"
	topicState  = "state"
	topicSet    = "set"
	topicEvent  = "event"
	topicCall   = "call"
	topicReply  = "reply"
)

// subscribed are the per-device topics the adapter listens to.
var subscribed = []string{topicConfig, topicState, topicEvent, topicReply}

// Options configures an Adapter.
type Options struct {
	// Client is the MQTT client to use. Required.
	Client Client
	// Prefix is the topic prefix. If empty, DefaultPrefix is used.
	// The adapter configuration can override it.
	Prefix string
	// ExposedPrefix is the root of the bus names of the adapter's
	// devices. If empty, "com.example" is used.
	ExposedPrefix string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Configuration is the adapter's own configuration document, as set
// with [Adapter.SetConfiguration].
type Configuration struct {
	// Prefix overrides [Options.Prefix]. Changes apply the next time
	// the adapter is initialized.
	Prefix string `json:"prefix,omitempty"`
}

// Adapter is a [dsb.Adapter] for MQTT devices.
type Adapter struct {
	client        Client
	log           *slog.Logger
	exposedPrefix string
	arrival       *dsb.Signal
	removal       *dsb.Signal
	hub           signalhub.Hub

	mu      sync.Mutex
	running bool
	prefix  string // configured prefix
	active  string // prefix of the current subscriptions and devices
	config  Configuration
	devices []*dsb.Device
	raw     map[string][]byte // serial -> announcement
	pending map[string]*pendingCall
}

type pendingCall struct {
	req  *dsb.Request
	call *dsb.Method
}

// New returns an adapter using opts.Client.
func New(opts Options) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ret := &Adapter{
		client:        opts.Client,
		log:           log.With("adapter", "mqtt"),
		exposedPrefix: opts.ExposedPrefix,
		arrival:       &dsb.Signal{Name: dsb.SignalDeviceArrival, Params: []*dsb.Param{{Name: dsb.ParamDeviceHandle}}},
		removal:       &dsb.Signal{Name: dsb.SignalDeviceRemoval, Params: []*dsb.Param{{Name: dsb.ParamDeviceHandle}}},
		prefix:        strings.Trim(opts.Prefix, "/"),
		raw:           map[string][]byte{},
		pending:       map[string]*pendingCall{},
	}
	if ret.prefix == "" {
		ret.prefix = DefaultPrefix
	}
	if ret.exposedPrefix == "" {
		ret.exposedPrefix = "com.example"
	}
	return ret
}

func (a *Adapter) Info() dsb.AdapterInfo {
	return dsb.AdapterInfo{
		Vendor:                 "DSB",
		Name:                   "MQTT Adapter",
		Version:                "1.0",
		ExposedPrefix:          a.exposedPrefix,
		ExposedApplicationName: "MQTT Device System Bridge",
		ExposedApplicationGUID: uuid.NewSHA1(uuid.NameSpaceURL, []byte("dsb:mqtt:"+a.exposedPrefix)).String(),
	}
}

func (a *Adapter) Signals() []*dsb.Signal {
	return []*dsb.Signal{a.arrival, a.removal}
}

func (a *Adapter) filters(prefix string) []string {
	ret := make([]string, 0, len(subscribed))
	for _, t := range subscribed {
		ret = append(ret, prefix+"/+/"+t)
	}
	return ret
}

// Initialize subscribes to the device topics. Devices learned before
// a previous shutdown are kept if the topic prefix is unchanged, and
// are brought up to date by the broker's retained announcements.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.client == nil {
		return dsb.Errorf(dsb.StatusNotCapable, "initialize", "no MQTT client")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return dsb.Errorf(dsb.StatusNotCapable, "initialize", "adapter already running")
	}
	prefix := a.prefix
	if a.config.Prefix != "" {
		prefix = a.config.Prefix
	}
	if prefix != a.active {
		a.devices = nil
		clear(a.raw)
	}
	a.active = prefix
	a.running = true
	a.mu.Unlock()

	for _, f := range a.filters(prefix) {
		if err := a.client.Subscribe(f, a.handle); err != nil {
			a.Shutdown()
			return &dsb.StatusError{Status: dsb.StatusOpenFailed, Op: "initialize", Err: err}
		}
	}
	a.log.Info("adapter initialized", "prefix", prefix)
	return nil
}

// Shutdown unsubscribes from the device topics and cancels method
// calls awaiting a reply.
func (a *Adapter) Shutdown() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	prefix := a.active
	var calls []*pendingCall
	for id, pc := range a.pending {
		calls = append(calls, pc)
		delete(a.pending, id)
	}
	a.mu.Unlock()

	for _, pc := range calls {
		pc.req.Cancel()
	}
	if err := a.client.Unsubscribe(a.filters(prefix)...); err != nil {
		a.log.Warn("unsubscribing", "err", err)
	}
	a.log.Info("adapter shut down")
	return nil
}

// SetConfiguration sets the adapter's configuration, a JSON
// [Configuration] document.
func (a *Adapter) SetConfiguration(cfg []byte) error {
	var c Configuration
	dec := json.NewDecoder(bytes.NewReader(cfg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return &dsb.StatusError{Status: dsb.StatusBadFormat, Op: "set configuration", Err: err}
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	if strings.ContainsAny(c.Prefix, "+#") {
		return dsb.Errorf(dsb.StatusBadFormat, "set configuration", "prefix %q contains wildcards", c.Prefix)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = c
	return nil
}

func (a *Adapter) Configuration() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.MarshalIndent(a.config, "", "  ")
}

// EnumDevices returns the devices that have announced themselves.
// Retained announcements keep the list current, so both modes return
// it as is.
func (a *Adapter) EnumDevices(mode dsb.EnumMode, out *[]*dsb.Device) *dsb.Request {
	if out == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return dsb.Completed(dsb.Errorf(dsb.StatusNotCapable, "enum devices", "adapter not running"))
	}
	*out = slices.Clone(a.devices)
	return dsb.Completed(nil)
}

// lookupLocked returns the adapter's own copy of dev and prop.
func (a *Adapter) lookupLocked(dev *dsb.Device, prop *dsb.Property) (*dsb.Device, *dsb.Property, error) {
	if !a.running {
		return nil, nil, dsb.Errorf(dsb.StatusNotCapable, "lookup", "adapter not running")
	}
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

func (a *Adapter) topic(serial, kind string) string {
	return a.active + "/" + serial + "/" + kind
}

// GetProperty returns immediately: devices report their state
// unprompted.
func (a *Adapter) GetProperty(dev *dsb.Device, prop *dsb.Property) *dsb.Request {
	if dev == nil {
		return dsb.Completed(dsb.BadArgument(1))
	}
	if prop == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _, err := a.lookupLocked(dev, prop)
	return dsb.Completed(err)
}

// SetProperty publishes the writable attribute values of prop.
func (a *Adapter) SetProperty(dev *dsb.Device, prop *dsb.Property) *dsb.Request {
	if dev == nil {
		return dsb.Completed(dsb.BadArgument(1))
	}
	if prop == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}
	var vals []*dsb.Param
	for _, at := range prop.Attributes {
		if at.Access.Writable() {
			vals = append(vals, at.Value.Clone())
		}
	}
	return dsb.Completed(a.write(dev, prop, vals))
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
	a.mu.Lock()
	defer a.mu.Unlock()
	_, p, err := a.lookupLocked(dev, prop)
	if err != nil {
		return dsb.Completed(err)
	}
	at, ok := p.Attribute(attr)
	if !ok {
		return dsb.Completed(dsb.Errorf(dsb.StatusNotFound, "get property value", "property %q has no attribute %q", p.Name, attr))
	}
	if !at.Access.Readable() {
		return dsb.Completed(dsb.Errorf(dsb.StatusPermissionDenied, "get property value", "attribute %q is write-only", attr))
	}
	out.Name = at.Value.Name
	out.Data = at.Value.Data
	return dsb.Completed(nil)
}

// SetPropertyValue publishes the new value on the device's set topic.
// The adapter's copy of the attribute takes the new value once the
// publish succeeds.
func (a *Adapter) SetPropertyValue(dev *dsb.Device, prop *dsb.Property, val *dsb.Param) *dsb.Request {
	switch {
	case dev == nil:
		return dsb.Completed(dsb.BadArgument(1))
	case prop == nil:
		return dsb.Completed(dsb.BadArgument(2))
	case val == nil:
		return dsb.Completed(dsb.BadArgument(3))
	}
	return dsb.Completed(a.write(dev, prop, []*dsb.Param{val}))
}

func (a *Adapter) write(dev *dsb.Device, prop *dsb.Property, vals []*dsb.Param) error {
	topic, d, p, payload, err := func() (string, *dsb.Device, *dsb.Property, []byte, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		d, p, err := a.lookupLocked(dev, prop)
		if err != nil {
			return "", nil, nil, nil, err
		}
		doc := map[string]any{}
		for _, v := range vals {
			at, ok := p.Attribute(v.Name)
			if !ok {
				return "", nil, nil, nil, dsb.Errorf(dsb.StatusNotFound, "set property value", "property %q has no attribute %q", p.Name, v.Name)
			}
			if !at.Access.Writable() {
				return "", nil, nil, nil, dsb.Errorf(dsb.StatusPermissionDenied, "set property value", "attribute %q is read-only", v.Name)
			}
			if v.Data.Kind() != at.Value.Data.Kind() {
				return "", nil, nil, nil, &dsb.StatusError{
					Status: dsb.StatusBadArgument,
					Arg:    3,
					Op:     "set property value",
					Err:    fmt.Errorf("attribute %q is %v, got %v", v.Name, at.Value.Data.Kind(), v.Data.Kind()),
				}
			}
			jv, err := jsonValue(v.Data)
			if err != nil {
				return "", nil, nil, nil, &dsb.StatusError{Status: dsb.StatusBadArgument, Arg: 3, Op: "set property value", Err: err}
			}
			doc[v.Name] = jv
		}
		bs, err := json.Marshal(map[string]any{p.Name: doc})
		if err != nil {
			return "", nil, nil, nil, err
		}
		return a.topic(d.SerialNumber, topicSet), d, p, bs, nil
	}()
	if err != nil {
		return err
	}
	if len(vals) == 0 {
		return nil
	}
	if err := a.client.Publish(topic, payload, false); err != nil {
		return &dsb.StatusError{Status: dsb.StatusWriteFailed, Op: "set property value", Err: err}
	}

	update := map[string]dsb.Value{}
	for _, v := range vals {
		update[v.Name] = v.Data
	}
	a.apply(d, p, update)
	return nil
}

// apply stores new attribute values of prop and raises
// Change_Of_Value for the ones that changed.
func (a *Adapter) apply(dev *dsb.Device, prop *dsb.Property, vals map[string]dsb.Value) {
	var changed []*dsb.Param
	a.mu.Lock()
	for _, at := range prop.Attributes {
		v, ok := vals[at.Value.Name]
		if !ok || at.Value.Data.Equal(v) {
			continue
		}
		at.Value.Data = v
		changed = append(changed, at.Value.Clone())
	}
	a.mu.Unlock()

	cov, ok := dev.Signal(dsb.SignalChangeOfValue)
	if !ok {
		return
	}
	for _, p := range changed {
		sig := cov.WithParams(
			&dsb.Param{Name: dsb.ParamPropertyHandle, Data: dsb.ObjectValue(prop)},
			&dsb.Param{Name: dsb.ParamAttributeHandle, Data: dsb.ObjectValue(p)},
		)
		a.hub.Dispatch(a, dev.SerialNumber, sig)
	}
}

// CallMethod publishes call on the device's call topic. The request
// completes when the device replies.
func (a *Adapter) CallMethod(dev *dsb.Device, call *dsb.Method) *dsb.Request {
	if dev == nil {
		return dsb.Completed(dsb.BadArgument(1))
	}
	if call == nil {
		return dsb.Completed(dsb.BadArgument(2))
	}

	id := uuid.NewString()
	req := dsb.NewRequest()
	topic, payload, err := func() (string, []byte, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		d, _, err := a.lookupLocked(dev, nil)
		if err != nil {
			return "", nil, err
		}
		i := slices.IndexFunc(d.Methods, func(m *dsb.Method) bool { return m.Name == call.Name })
		if i < 0 {
			return "", nil, dsb.Errorf(dsb.StatusNotFound, "call method", "device %q has no method %q", d.SerialNumber, call.Name)
		}
		decl := d.Methods[i]
		if len(call.Inputs) != len(decl.Inputs) {
			return "", nil, dsb.Errorf(dsb.StatusBadArgument, "call method", "%s takes %d inputs, got %d", call.Name, len(decl.Inputs), len(call.Inputs))
		}
		inputs := map[string]any{}
		for j, p := range call.Inputs {
			if p.Data.Kind() != decl.Inputs[j].Data.Kind() {
				return "", nil, dsb.BadArgument(j + 1)
			}
			jv, err := jsonValue(p.Data)
			if err != nil {
				return "", nil, &dsb.StatusError{Status: dsb.StatusBadArgument, Arg: j + 1, Op: "call method", Err: err}
			}
			inputs[decl.Inputs[j].Name] = jv
		}
		bs, err := json.Marshal(map[string]any{"id": id, "method": call.Name, "inputs": inputs})
		if err != nil {
			return "", nil, err
		}
		a.pending[id] = &pendingCall{req: req, call: call}
		return a.topic(d.SerialNumber, topicCall), bs, nil
	}()
	if err != nil {
		return dsb.Completed(err)
	}

	go func() {
		<-req.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.pending, id)
	}()
	if err := a.client.Publish(topic, payload, false); err != nil {
		req.Fail(&dsb.StatusError{Status: dsb.StatusWriteFailed, Op: "call method", Err: err})
	}
	return req
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

// handle processes one message from a device topic.
func (a *Adapter) handle(topic string, payload []byte) {
	a.mu.Lock()
	running, prefix := a.running, a.active
	a.mu.Unlock()
	if !running {
		return
	}
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return
	}
	serial, kind, ok := strings.Cut(rest, "/")
	if !ok || serial == "" {
		return
	}
	log := a.log.With("device", serial)

	var err error
	switch kind {
	case topicConfig:
		err = a.handleConfig(serial, payload)
	case topicState:
		err = a.handleState(serial, payload)
	case topicEvent:
		err = a.handleEvent(serial, payload)
	case topicReply:
		err = a.handleReply(payload)
	default:
		return
	}
	if err != nil {
		log.Warn("bad device message", "topic", topic, "err", err)
	}
}

func (a *Adapter) handleConfig(serial string, payload []byte) error {
	if len(payload) == 0 {
		a.removeDevice(serial)
		return nil
	}

	a.mu.Lock()
	same := bytes.Equal(a.raw[serial], payload)
	a.mu.Unlock()
	if same {
		return nil
	}
	dev, err := parseAnnouncement(serial, payload)
	if err != nil {
		return err
	}

	// A changed announcement replaces the device.
	a.removeDevice(serial)
	a.mu.Lock()
	a.devices = append(a.devices, dev)
	a.raw[serial] = slices.Clone(payload)
	a.mu.Unlock()
	a.log.Info("device announced", "device", serial, "name", dev.Name)
	a.hub.Dispatch(a, "", a.arrival.WithParams(&dsb.Param{Name: dsb.ParamDeviceHandle, Data: dsb.ObjectValue(dev)}))
	return nil
}

func (a *Adapter) removeDevice(serial string) {
	a.mu.Lock()
	i := slices.IndexFunc(a.devices, func(d *dsb.Device) bool { return d.SerialNumber == serial })
	if i < 0 {
		a.mu.Unlock()
		return
	}
	dev := a.devices[i]
	a.devices = slices.Delete(a.devices, i, i+1)
	delete(a.raw, serial)
	a.mu.Unlock()

	a.log.Info("device withdrawn", "device", serial)
	a.hub.Dispatch(a, "", a.removal.WithParams(&dsb.Param{Name: dsb.ParamDeviceHandle, Data: dsb.ObjectValue(dev)}))
	a.hub.Forget(serial)
}

func (a *Adapter) device(serial string) (*dsb.Device, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := slices.IndexFunc(a.devices, func(d *dsb.Device) bool { return d.SerialNumber == serial })
	if i < 0 {
		return nil, false
	}
	return a.devices[i], true
}

func (a *Adapter) handleState(serial string, payload []byte) error {
	dev, ok := a.device(serial)
	if !ok {
		return fmt.Errorf("state for unknown device")
	}
	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	for _, p := range dev.Properties {
		attrs, ok := doc[p.Name]
		if !ok {
			continue
		}
		vals := map[string]dsb.Value{}
		for _, at := range p.Attributes {
			raw, ok := attrs[at.Value.Name]
			if !ok {
				continue
			}
			v, err := decodeValue(at.Value.Data.Kind(), raw)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", p.Name, at.Value.Name, err)
			}
			vals[at.Value.Name] = v
		}
		a.apply(dev, p, vals)
	}
	return nil
}

func (a *Adapter) handleEvent(serial string, payload []byte) error {
	dev, ok := a.device(serial)
	if !ok {
		return fmt.Errorf("event for unknown device")
	}
	var doc struct {
		Signal string                     `json:"signal"`
		Params map[string]json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	sig, ok := dev.Signal(doc.Signal)
	if !ok || sig.Name == dsb.SignalChangeOfValue {
		return fmt.Errorf("unknown signal %q", doc.Signal)
	}
	params := make([]*dsb.Param, 0, len(sig.Params))
	for _, p := range sig.Params {
		v, err := decodeValue(p.Data.Kind(), doc.Params[p.Name])
		if err != nil {
			return fmt.Errorf("signal %s parameter %s: %w", sig.Name, p.Name, err)
		}
		params = append(params, &dsb.Param{Name: p.Name, Data: v})
	}
	a.hub.Dispatch(a, serial, sig.WithParams(params...))
	return nil
}

func (a *Adapter) handleReply(payload []byte) error {
	var doc struct {
		ID      string                     `json:"id"`
		Status  string                     `json:"status"`
		Error   string                     `json:"error"`
		Outputs map[string]json.RawMessage `json:"outputs"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	a.mu.Lock()
	pc := a.pending[doc.ID]
	delete(a.pending, doc.ID)
	a.mu.Unlock()
	if pc == nil {
		a.log.Debug("reply to unknown or abandoned call", "id", doc.ID)
		return nil
	}

	if st := parseStatus(doc.Status); st != dsb.StatusSuccess {
		pc.req.Fail(dsb.Errorf(st, "call method", "%s: %s", pc.call.Name, doc.Error))
		return nil
	}
	outs := make([]*dsb.Param, 0, len(pc.call.Outputs))
	for _, p := range pc.call.Outputs {
		v, err := decodeValue(p.Data.Kind(), doc.Outputs[p.Name])
		if err != nil {
			err = fmt.Errorf("output %s: %w", p.Name, err)
			pc.req.Fail(&dsb.StatusError{Status: dsb.StatusBadFormat, Op: "call method", Err: err})
			return err
		}
		outs = append(outs, &dsb.Param{Name: p.Name, Data: v})
	}
	for i, p := range outs {
		pc.call.Outputs[i].Data = p.Data
	}
	pc.req.Fail(nil)
	return nil
}

// parseStatus returns the status named s. An empty s is success, and
// unknown names are StatusOSError.
func parseStatus(s string) dsb.Status {
	if s == "" {
		return dsb.StatusSuccess
	}
	for st := dsb.StatusSuccess; st <= dsb.StatusNotFound; st++ {
		if strings.EqualFold(st.String(), s) {
			return st
		}
	}
	return dsb.StatusOSError
}
