package dsb

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/value"
)

const (
	mainInterfaceSuffix = ".MainInterface"
	interfaceIDPrefix   = ".interface_"
)

// A Graph is the bus-facing object graph of one device: the bus
// objects, interfaces and members synthesized from the device's
// adapter objects.
//
// A Graph is not safe for concurrent mutation. The bridge builds it
// once when it exposes a device, and only reads it afterwards.
type Graph struct {
	// Device is the device the graph describes.
	Device *Device

	root     string
	mainPath string
	mainName string

	props     []*PropertyObject
	paths     mapset.Set[string]
	nextPath  int
	ifaces    []*PropertyInterface
	nextIface int

	methods     []*MethodMember
	methodNames memberNamer
	signals     []*SignalMember
	signalNames memberNamer
}

// A PropertyObject is the bus object exposing one [Property].
type PropertyObject struct {
	Path      string
	Property  *Property
	Interface *PropertyInterface
}

// A MethodMember is a [Method] exposed on the device's main
// interface.
type MethodMember struct {
	Name   string
	Method *Method
	In     []ArgumentDescription
	Out    []ArgumentDescription
}

// A SignalMember is a device [Signal] exposed on the device's main
// interface.
type SignalMember struct {
	Name   string
	Signal *Signal
	Args   []ArgumentDescription
}

// NewGraph returns an empty graph for dev. root is the root of the
// interface names synthesized for the device, such as
// "com.example.MyAdapter".
func NewGraph(root string, dev *Device) *Graph {
	devName := EncodeServiceName(dev.Name)
	mainPath := EncodeBusObjectName(dev.Name)
	if mainPath == "" {
		mainPath = "Device"
	}
	mainName := root
	if devName != "" {
		mainName += "." + devName
	}
	g := &Graph{
		Device:    dev,
		root:      root,
		mainPath:  "/" + mainPath,
		mainName:  mainName + mainInterfaceSuffix,
		paths:     mapset.New[string](),
		nextPath:  1,
		nextIface: 1,
	}
	g.paths.Add(g.mainPath)
	return g
}

// MainPath returns the path of the device's main bus object, which
// carries its methods and signals.
func (g *Graph) MainPath() string { return g.mainPath }

// MainInterface returns the name of the device's main interface.
func (g *Graph) MainInterface() string { return g.mainName }

// Properties returns the device's property objects, in the order
// they were added.
func (g *Graph) Properties() []*PropertyObject { return g.props }

// Interfaces returns the synthesized property interfaces.
func (g *Graph) Interfaces() []*PropertyInterface { return g.ifaces }

// Methods returns the main interface's methods.
func (g *Graph) Methods() []*MethodMember { return g.methods }

// Signals returns the main interface's signals.
func (g *Graph) Signals() []*SignalMember { return g.signals }

// IsPathUnique reports whether no bus object of the device uses path.
func (g *Graph) IsPathUnique(path string) bool {
	return !g.paths.Has(path)
}

// FindPropertyByPath returns the property exposed at path.
func (g *Graph) FindPropertyByPath(path string) value.Maybe[*Property] {
	for _, po := range g.props {
		if po.Path == path {
			return value.Just(po.Property)
		}
	}
	return value.Maybe[*Property]{}
}

// PathForProperty returns the path at which prop is exposed.
func (g *Graph) PathForProperty(prop *Property) value.Maybe[string] {
	for _, po := range g.props {
		if po.Property == prop {
			return value.Just(po.Path)
		}
	}
	return value.Maybe[string]{}
}

// PropertyObject returns the property object at path.
func (g *Graph) PropertyObject(path string) (*PropertyObject, bool) {
	i := slices.IndexFunc(g.props, func(po *PropertyObject) bool { return po.Path == path })
	if i < 0 {
		return nil, false
	}
	return g.props[i], true
}

// AddProperty exposes prop on a new bus object, and returns it.
//
// The object's path is derived from the property name, with a
// numeric suffix if that path is taken. The property's interface is
// found or synthesized by [Graph.InterfaceFor].
func (g *Graph) AddProperty(prop *Property) (*PropertyObject, error) {
	iface, err := g.InterfaceFor(prop)
	if err != nil {
		return nil, fmt.Errorf("property %q: %w", prop.Name, err)
	}
	po := &PropertyObject{
		Path:      g.allocPath(prop.Name),
		Property:  prop,
		Interface: iface,
	}
	g.props = append(g.props, po)
	return po, nil
}

func (g *Graph) allocPath(name string) string {
	base := EncodeBusObjectName(name)
	if base == "" {
		base = "Property"
	}
	base = "/" + base
	ret := base
	for !g.IsPathUnique(ret) {
		ret = base + "_" + strconv.Itoa(g.nextPath)
		g.nextPath++
	}
	g.paths.Add(ret)
	return ret
}

// AddMethod exposes m on the main interface, and returns its exposed
// member.
func (g *Graph) AddMethod(m *Method) (*MethodMember, error) {
	in, err := argDescriptions(m.Inputs)
	if err != nil {
		return nil, fmt.Errorf("method %q inputs: %w", m.Name, err)
	}
	out, err := argDescriptions(m.Outputs)
	if err != nil {
		return nil, fmt.Errorf("method %q outputs: %w", m.Name, err)
	}
	if EncodeMemberName(m.Name) == "" {
		return nil, Errorf(StatusBadFormat, "add method", "method name %q has no valid characters", m.Name)
	}
	mm := &MethodMember{
		Name:   g.methodNames.name(m.Name),
		Method: m,
		In:     in,
		Out:    out,
	}
	g.methods = append(g.methods, mm)
	return mm, nil
}

// AddSignal exposes s on the main interface, and returns its exposed
// member.
func (g *Graph) AddSignal(s *Signal) (*SignalMember, error) {
	args, err := argDescriptions(s.Params)
	if err != nil {
		return nil, fmt.Errorf("signal %q: %w", s.Name, err)
	}
	if EncodeMemberName(s.Name) == "" {
		return nil, Errorf(StatusBadFormat, "add signal", "signal name %q has no valid characters", s.Name)
	}
	sm := &SignalMember{
		Name:   g.signalNames.name(s.Name),
		Signal: s,
		Args:   args,
	}
	g.signals = append(g.signals, sm)
	return sm, nil
}

// MethodByName returns the method exposed as name.
func (g *Graph) MethodByName(name string) (*MethodMember, bool) {
	i := slices.IndexFunc(g.methods, func(mm *MethodMember) bool { return mm.Name == name })
	if i < 0 {
		return nil, false
	}
	return g.methods[i], true
}

// SignalFor returns the exposed member for a device signal, matched
// by name.
func (g *Graph) SignalFor(s *Signal) (*SignalMember, bool) {
	i := slices.IndexFunc(g.signals, func(sm *SignalMember) bool { return sm.Signal.Name == s.Name })
	if i < 0 {
		return nil, false
	}
	return g.signals[i], true
}

// ArgSignature returns the wire signature of a method or signal
// argument. Object values travel as the bus path of the object, so
// they have signature "s".
func ArgSignature(v Value) (string, error) {
	if v.Kind() == KindObject {
		return "s", nil
	}
	return SignatureFor(v.Kind())
}

func argDescriptions(params []*Param) ([]ArgumentDescription, error) {
	var ret []ArgumentDescription
	for i, p := range params {
		sig, err := ArgSignature(p.Data)
		if err != nil {
			return nil, &StatusError{Status: StatusBadArgument, Arg: i + 1, Err: err}
		}
		ret = append(ret, ArgumentDescription{
			Name: EncodeMemberName(p.Name),
			Type: MustParseSignature(sig),
		})
	}
	return ret, nil
}

// InterfaceFor returns the interface that exposes prop, synthesizing
// it if needed.
//
// A property with an interface hint uses the encoded hint as its
// interface name, and shares the interface with every other property
// carrying the same hint. Other properties share an interface with
// any earlier property that has identical attributes, or get a new
// interface named "<root>.<device>.interface_<n>".
func (g *Graph) InterfaceFor(prop *Property) (*PropertyInterface, error) {
	if hint := EncodeInterfaceName(prop.InterfaceHint); hint != "" {
		for _, pi := range g.ifaces {
			if pi.Name == hint {
				return pi, nil
			}
		}
		return g.newInterface(hint, prop)
	}

	for _, pi := range g.ifaces {
		if !pi.hinted && pi.matches(prop) {
			return pi, nil
		}
	}
	name := g.root
	if dev := EncodeServiceName(g.Device.Name); dev != "" {
		name += "." + dev
	}
	name += interfaceIDPrefix + strconv.Itoa(g.nextIface)
	pi, err := g.newInterface(name, prop)
	if err != nil {
		return nil, err
	}
	pi.hinted = false
	g.nextIface++
	return pi, nil
}

func (g *Graph) newInterface(name string, prop *Property) (*PropertyInterface, error) {
	pi := &PropertyInterface{Name: name, hinted: true}
	for _, attr := range prop.Attributes {
		sig, err := SignatureFor(attr.Value.Data.Kind())
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", attr.Value.Name, err)
		}
		pi.members = append(pi.members, &AttributeMember{
			Name:      pi.namer.name(attr.Value.Name),
			Attribute: attr.Value.Name,
			Signature: sig,
			Access:    attr.Access,
			Behavior:  attr.COVBehavior,
		})
	}
	g.ifaces = append(g.ifaces, pi)
	return pi, nil
}

// Describe returns the introspection description of the device's
// bus object at path.
func (g *Graph) Describe(path string) (*ObjectDescription, bool) {
	if path == "/" {
		ret := &ObjectDescription{Interfaces: map[string]*InterfaceDescription{}}
		ret.Children = append(ret.Children, g.mainPath[1:])
		for _, po := range g.props {
			ret.Children = append(ret.Children, po.Path[1:])
		}
		return ret, true
	}
	if path == g.mainPath {
		desc := &InterfaceDescription{Name: g.mainName}
		for _, mm := range g.methods {
			desc.Methods = append(desc.Methods, &MethodDescription{
				Name:        mm.Name,
				In:          mm.In,
				Out:         mm.Out,
				Description: mm.Method.Description,
			})
		}
		for _, sm := range g.signals {
			desc.Signals = append(desc.Signals, &SignalDescription{
				Name: sm.Name,
				Args: sm.Args,
			})
		}
		return &ObjectDescription{Interfaces: map[string]*InterfaceDescription{g.mainName: desc}}, true
	}
	po, ok := g.PropertyObject(path)
	if !ok {
		return nil, false
	}
	return &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{po.Interface.Name: po.Interface.Description()},
	}, true
}

// A PropertyInterface is a bus interface synthesized to expose
// properties. Each attribute of the property becomes one bus
// property of the interface.
type PropertyInterface struct {
	Name    string
	members []*AttributeMember
	namer   memberNamer
	hinted  bool
}

// An AttributeMember is an [Attribute] exposed as a bus property.
type AttributeMember struct {
	// Name is the exposed bus property name.
	Name string
	// Attribute is the name of the adapter attribute.
	Attribute string
	Signature string
	Access    AccessType
	Behavior  SignalBehavior
}

// Members returns the interface's bus properties.
func (pi *PropertyInterface) Members() []*AttributeMember { return pi.members }

// Member returns the bus property named name.
func (pi *PropertyInterface) Member(name string) (*AttributeMember, bool) {
	i := slices.IndexFunc(pi.members, func(m *AttributeMember) bool { return m.Name == name })
	if i < 0 {
		return nil, false
	}
	return pi.members[i], true
}

// MemberForAttribute returns the bus property exposing the attribute
// named attr.
func (pi *PropertyInterface) MemberForAttribute(attr string) (*AttributeMember, bool) {
	i := slices.IndexFunc(pi.members, func(m *AttributeMember) bool { return m.Attribute == attr })
	if i < 0 {
		return nil, false
	}
	return pi.members[i], true
}

// matches reports whether prop has exactly the attributes the
// interface was built from.
func (pi *PropertyInterface) matches(prop *Property) bool {
	if len(prop.Attributes) != len(pi.members) {
		return false
	}
	for i, attr := range prop.Attributes {
		m := pi.members[i]
		sig, err := SignatureFor(attr.Value.Data.Kind())
		if err != nil || m.Attribute != attr.Value.Name || m.Signature != sig || m.Access != attr.Access || m.Behavior != attr.COVBehavior {
			return false
		}
	}
	return true
}

// Description returns the introspection description of the
// interface.
func (pi *PropertyInterface) Description() *InterfaceDescription {
	ret := &InterfaceDescription{Name: pi.Name}
	for _, m := range pi.members {
		pd := &PropertyDescription{
			Name:                m.Name,
			Type:                MustParseSignature(m.Signature),
			Readable:            m.Access.Readable(),
			Writable:            m.Access.Writable(),
			EmitsSignal:         true,
			SignalIncludesValue: true,
		}
		switch m.Behavior {
		case SignalNever:
			pd.EmitsSignal, pd.SignalIncludesValue = false, false
		case SignalAlwaysWithNoValue:
			pd.SignalIncludesValue = false
		}
		ret.Properties = append(ret.Properties, pd)
	}
	return ret
}
