package dsb

import (
	"context"
	"hash/fnv"
	"slices"
)

// AccessType is the access permitted on an [Attribute].
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessReadWrite
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "readwrite"
	default:
		return "unknown"
	}
}

// Readable reports whether a permits reads.
func (a AccessType) Readable() bool { return a == AccessRead || a == AccessReadWrite }

// Writable reports whether a permits writes.
func (a AccessType) Writable() bool { return a == AccessWrite || a == AccessReadWrite }

// SignalBehavior is how an [Attribute] reports changes of value.
type SignalBehavior int

const (
	SignalUnspecified SignalBehavior = iota
	SignalNever
	SignalAlways
	SignalAlwaysWithNoValue
)

func (b SignalBehavior) String() string {
	switch b {
	case SignalUnspecified:
		return "unspecified"
	case SignalNever:
		return "never"
	case SignalAlways:
		return "always"
	case SignalAlwaysWithNoValue:
		return "invalidates"
	default:
		return "unknown"
	}
}

// Names of the signals and signal parameters the bridge gives
// meaning to.
const (
	SignalDeviceArrival  = "Device_Arrival"
	SignalDeviceRemoval  = "Device_Removal"
	ParamDeviceHandle    = "Device_Handle"
	SignalChangeOfValue  = "Change_Of_Value"
	ParamPropertyHandle  = "Property_Handle"
	ParamAttributeHandle = "Attribute_Handle"
)

// A Param is one named datum: a method or signal parameter, or the
// content of an attribute.
type Param struct {
	Name string
	Data Value
}

func (p *Param) objectName() string { return p.Name }

// Clone returns a copy of p.
func (p *Param) Clone() *Param {
	ret := *p
	return &ret
}

// An Attribute is one value of a [Property].
type Attribute struct {
	Value       Param
	Annotations map[string]string
	Access      AccessType
	COVBehavior SignalBehavior
}

// A Property is a group of attributes exposed together as one bus
// interface.
type Property struct {
	Name string
	// InterfaceHint, if set, names the bus interface for the
	// property. Properties with the same hint share an interface.
	InterfaceHint string
	Attributes    []*Attribute
}

func (p *Property) objectName() string { return p.Name }

// Attribute returns the attribute named name.
func (p *Property) Attribute(name string) (*Attribute, bool) {
	for _, a := range p.Attributes {
		if a.Value.Name == name {
			return a, true
		}
	}
	return nil, false
}

// A Method is an operation a device exposes.
type Method struct {
	Name        string
	Description string
	Inputs      []*Param
	Outputs     []*Param
	// Adapter, if set, handles calls to the method instead of the
	// device's adapter.
	Adapter Adapter
	// Context is opaque adapter data.
	Context any
}

// Clone returns a copy of m with its own parameters, suitable for
// passing to a single call.
func (m *Method) Clone() *Method {
	ret := *m
	ret.Inputs = cloneParams(m.Inputs)
	ret.Outputs = cloneParams(m.Outputs)
	return &ret
}

func cloneParams(ps []*Param) []*Param {
	if ps == nil {
		return nil
	}
	ret := make([]*Param, len(ps))
	for i, p := range ps {
		ret[i] = p.Clone()
	}
	return ret
}

// A Signal is an event raised by an adapter or device.
type Signal struct {
	Name   string
	Params []*Param
}

// Hash returns the signal's identity hash. Signals with the same name
// have the same identity.
func (s *Signal) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(s.Name))
	return h.Sum64()
}

// Param returns the first parameter named name.
func (s *Signal) Param(name string) (*Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// WithParams returns a copy of s carrying params.
func (s *Signal) WithParams(params ...*Param) *Signal {
	return &Signal{Name: s.Name, Params: params}
}

// An Icon is a device's icon.
type Icon struct {
	MimeType string
	URL      string
	Image    []byte
}

// A Device is one device provided by an adapter.
//
// The serial number is the device's identity: two Devices with the
// same serial number are the same device.
type Device struct {
	Name            string
	Vendor          string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	Description     string
	// Props is a free-form JSON document of extra device properties.
	Props string

	Properties []*Property
	Methods    []*Method
	Signals    []*Signal

	Icon *Icon
	// ControlPanel is an opaque control panel handler. The bridge
	// does not render control panels.
	ControlPanel any
}

func (d *Device) objectName() string { return d.Name }

// SameDevice reports whether a and b are the same device, that is
// whether their serial numbers match. A nil device is the same only
// as another nil device.
func SameDevice(a, b *Device) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SerialNumber == b.SerialNumber
}

// Signal returns the device signal named name.
func (d *Device) Signal(name string) (*Signal, bool) {
	i := slices.IndexFunc(d.Signals, func(s *Signal) bool { return s.Name == name })
	if i < 0 {
		return nil, false
	}
	return d.Signals[i], true
}

// EnumMode selects how [Adapter.EnumDevices] finds devices.
type EnumMode int

const (
	// EnumCacheOnly returns the devices the adapter already knows.
	EnumCacheOnly EnumMode = iota
	// EnumForceRefresh rediscovers devices before returning them.
	EnumForceRefresh
)

// AdapterInfo describes an adapter.
type AdapterInfo struct {
	Vendor  string
	Name    string
	Version string
	// ExposedPrefix is the root of the bus names the adapter's
	// devices are exposed under, such as "com.example".
	ExposedPrefix          string
	ExposedApplicationName string
	ExposedApplicationGUID string
}

// An Adapter provides devices.
//
// Operations on devices return a [Request] that may already be
// complete. Results are written to the caller-supplied destination
// before the request completes successfully.
type Adapter interface {
	Info() AdapterInfo
	// Signals returns the adapter-level signals, such as device
	// arrival and removal.
	Signals() []*Signal

	Initialize(ctx context.Context) error
	Shutdown() error

	// SetConfiguration and Configuration set and get the adapter's
	// own opaque configuration blob.
	SetConfiguration(cfg []byte) error
	Configuration() ([]byte, error)

	EnumDevices(mode EnumMode, out *[]*Device) *Request

	// GetProperty refreshes all attribute values of prop.
	GetProperty(dev *Device, prop *Property) *Request
	// SetProperty writes all writable attribute values of prop.
	SetProperty(dev *Device, prop *Property) *Request
	// GetPropertyValue reads the attribute named attr into out.
	GetPropertyValue(dev *Device, prop *Property, attr string, out *Param) *Request
	// SetPropertyValue writes val to the attribute named val.Name.
	SetPropertyValue(dev *Device, prop *Property, val *Param) *Request
	// CallMethod invokes call, which is a clone of one of dev's
	// methods with its inputs filled in. Results are written to
	// call.Outputs.
	CallMethod(dev *Device, call *Method) *Request

	RegisterSignalListener(sig *Signal, l Listener, ctx any) error
	UnregisterSignalListener(sig *Signal, l Listener) error
}
