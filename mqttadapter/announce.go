package mqttadapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dsb"
)

// An announcement is the document a device publishes on its config
// topic.
type announcement struct {
	Name        string          `json:"name"`
	Vendor      string          `json:"vendor,omitempty"`
	Model       string          `json:"model,omitempty"`
	Firmware    string          `json:"firmware,omitempty"`
	Description string          `json:"description,omitempty"`
	Props       json.RawMessage `json:"props,omitempty"`

	Properties []propertySpec `json:"properties"`
	Methods    []methodSpec   `json:"methods,omitempty"`
	Signals    []signalSpec   `json:"signals,omitempty"`
}

type propertySpec struct {
	Name       string          `json:"name"`
	Interface  string          `json:"interface,omitempty"`
	Attributes []attributeSpec `json:"attributes"`
}

type attributeSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Access is "read", "write" or "readwrite". Default "read".
	Access string `json:"access,omitempty"`
	// COV is "never", "always" or "invalidates". Default "always".
	COV   string          `json:"cov,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type paramSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type methodSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Inputs      []paramSpec `json:"inputs,omitempty"`
	Outputs     []paramSpec `json:"outputs,omitempty"`
}

type signalSpec struct {
	Name   string      `json:"name"`
	Params []paramSpec `json:"params,omitempty"`
}

// parseAnnouncement returns the device described by an announcement
// published by the device with the given serial number.
func parseAnnouncement(serial string, bs []byte) (*dsb.Device, error) {
	var a announcement
	dec := json.NewDecoder(bytes.NewReader(bs))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("parsing announcement: %w", err)
	}

	ret := &dsb.Device{
		Name:            a.Name,
		Vendor:          a.Vendor,
		Model:           a.Model,
		FirmwareVersion: a.Firmware,
		SerialNumber:    serial,
		Description:     a.Description,
	}
	if ret.Name == "" {
		ret.Name = serial
	}
	if len(a.Props) > 0 {
		ret.Props = string(a.Props)
	}

	props := mapset.New[string]()
	for _, ps := range a.Properties {
		if ps.Name == "" {
			return nil, fmt.Errorf("property with no name")
		}
		if props.Has(ps.Name) {
			return nil, fmt.Errorf("duplicate property %q", ps.Name)
		}
		props.Add(ps.Name)
		p, err := ps.property()
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", ps.Name, err)
		}
		ret.Properties = append(ret.Properties, p)
	}

	for _, ms := range a.Methods {
		if ms.Name == "" {
			return nil, fmt.Errorf("method with no name")
		}
		m := &dsb.Method{Name: ms.Name, Description: ms.Description}
		var err error
		if m.Inputs, err = params(ms.Inputs); err != nil {
			return nil, fmt.Errorf("method %q inputs: %w", ms.Name, err)
		}
		if m.Outputs, err = params(ms.Outputs); err != nil {
			return nil, fmt.Errorf("method %q outputs: %w", ms.Name, err)
		}
		ret.Methods = append(ret.Methods, m)
	}

	ret.Signals = append(ret.Signals, &dsb.Signal{
		Name: dsb.SignalChangeOfValue,
		Params: []*dsb.Param{
			{Name: dsb.ParamPropertyHandle, Data: dsb.ObjectValue(&dsb.Property{})},
			{Name: dsb.ParamAttributeHandle, Data: dsb.ObjectValue(&dsb.Param{})},
		},
	})
	for _, ss := range a.Signals {
		if ss.Name == "" || ss.Name == dsb.SignalChangeOfValue {
			return nil, fmt.Errorf("invalid signal name %q", ss.Name)
		}
		if _, ok := ret.Signal(ss.Name); ok {
			return nil, fmt.Errorf("duplicate signal %q", ss.Name)
		}
		ps, err := params(ss.Params)
		if err != nil {
			return nil, fmt.Errorf("signal %q: %w", ss.Name, err)
		}
		ret.Signals = append(ret.Signals, &dsb.Signal{Name: ss.Name, Params: ps})
	}
	return ret, nil
}

func (ps propertySpec) property() (*dsb.Property, error) {
	ret := &dsb.Property{Name: ps.Name, InterfaceHint: ps.Interface}
	seen := mapset.New[string]()
	for _, as := range ps.Attributes {
		if as.Name == "" {
			return nil, fmt.Errorf("attribute with no name")
		}
		if seen.Has(as.Name) {
			return nil, fmt.Errorf("duplicate attribute %q", as.Name)
		}
		seen.Add(as.Name)
		k, err := valueKind(as.Type)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", as.Name, err)
		}
		v, err := decodeValue(k, as.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %q value: %w", as.Name, err)
		}
		access, err := parseAccess(as.Access)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", as.Name, err)
		}
		cov, err := parseCOV(as.COV)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", as.Name, err)
		}
		ret.Attributes = append(ret.Attributes, &dsb.Attribute{
			Value:       dsb.Param{Name: as.Name, Data: v},
			Access:      access,
			COVBehavior: cov,
		})
	}
	return ret, nil
}

func params(specs []paramSpec) ([]*dsb.Param, error) {
	var ret []*dsb.Param
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("parameter with no name")
		}
		if slices.ContainsFunc(ret, func(p *dsb.Param) bool { return p.Name == s.Name }) {
			return nil, fmt.Errorf("duplicate parameter %q", s.Name)
		}
		k, err := valueKind(s.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", s.Name, err)
		}
		// The zero value fixes the parameter's kind.
		v, _ := decodeValue(k, nil)
		ret = append(ret, &dsb.Param{Name: s.Name, Data: v})
	}
	return ret, nil
}

// valueKind returns the value kind named s. Only kinds that have a
// JSON representation are accepted.
func valueKind(s string) (dsb.Kind, error) {
	k, err := dsb.ParseKind(s)
	if err != nil {
		return 0, err
	}
	if k == dsb.KindEmpty || k == dsb.KindObject {
		return 0, fmt.Errorf("type %q cannot be carried over MQTT", s)
	}
	return k, nil
}

func parseAccess(s string) (dsb.AccessType, error) {
	switch s {
	case "", "read":
		return dsb.AccessRead, nil
	case "write":
		return dsb.AccessWrite, nil
	case "readwrite":
		return dsb.AccessReadWrite, nil
	}
	return 0, fmt.Errorf("unknown access %q", s)
}

func parseCOV(s string) (dsb.SignalBehavior, error) {
	switch s {
	case "", "always":
		return dsb.SignalAlways, nil
	case "never":
		return dsb.SignalNever, nil
	case "invalidates":
		return dsb.SignalAlwaysWithNoValue, nil
	}
	return 0, fmt.Errorf("unknown change of value behavior %q", s)
}

// decodeValue decodes the JSON value raw as a value of kind k. An
// absent value decodes as the kind's zero value.
func decodeValue(k dsb.Kind, raw json.RawMessage) (dsb.Value, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	switch k {
	case dsb.KindBool:
		return decodeAs[bool](raw)
	case dsb.KindUint8:
		return decodeAs[uint8](raw)
	case dsb.KindInt16:
		return decodeAs[int16](raw)
	case dsb.KindUint16:
		return decodeAs[uint16](raw)
	case dsb.KindInt32:
		return decodeAs[int32](raw)
	case dsb.KindUint32:
		return decodeAs[uint32](raw)
	case dsb.KindInt64:
		return decodeAs[int64](raw)
	case dsb.KindUint64:
		return decodeAs[uint64](raw)
	case dsb.KindDouble:
		return decodeAs[float64](raw)
	case dsb.KindString:
		return decodeAs[string](raw)
	case dsb.KindChar16:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return dsb.Value{}, err
		}
		u := utf16.Encode([]rune(s))
		if len(u) > 1 {
			return dsb.Value{}, fmt.Errorf("%q is not a single UTF-16 code unit", s)
		}
		var c dsb.Char16
		if len(u) == 1 {
			c = dsb.Char16(u[0])
		}
		return dsb.ValueOf(c)
	case dsb.KindUint8Array:
		// encoding/json would expect base64 for []byte.
		var vs []uint16
		if err := json.Unmarshal(raw, &vs); err != nil {
			return dsb.Value{}, err
		}
		bs := make([]uint8, 0, len(vs))
		for _, v := range vs {
			if v > 255 {
				return dsb.Value{}, fmt.Errorf("byte value %d out of range", v)
			}
			bs = append(bs, uint8(v))
		}
		return dsb.ValueOf(bs)
	case dsb.KindInt16Array:
		return decodeAs[[]int16](raw)
	case dsb.KindUint16Array:
		return decodeAs[[]uint16](raw)
	case dsb.KindInt32Array:
		return decodeAs[[]int32](raw)
	case dsb.KindUint32Array:
		return decodeAs[[]uint32](raw)
	case dsb.KindInt64Array:
		return decodeAs[[]int64](raw)
	case dsb.KindUint64Array:
		return decodeAs[[]uint64](raw)
	case dsb.KindDoubleArray:
		return decodeAs[[]float64](raw)
	case dsb.KindBoolArray:
		return decodeAs[[]bool](raw)
	case dsb.KindStringArray:
		return decodeAs[[]string](raw)
	case dsb.KindChar16Array:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return dsb.Value{}, err
		}
		var cs []dsb.Char16
		for _, u := range utf16.Encode([]rune(s)) {
			cs = append(cs, dsb.Char16(u))
		}
		return dsb.ValueOf(cs)
	case dsb.KindStringDict:
		return decodeAs[map[string]string](raw)
	}
	return dsb.Value{}, fmt.Errorf("no JSON form for %v", k)
}

func decodeAs[T any](raw json.RawMessage) (dsb.Value, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return dsb.Value{}, err
	}
	return dsb.ValueOf(v)
}

// jsonValue returns the JSON form of v, as accepted by decodeValue.
func jsonValue(v dsb.Value) (any, error) {
	switch v.Kind() {
	case dsb.KindEmpty, dsb.KindObject:
		return nil, fmt.Errorf("no JSON form for %v", v.Kind())
	case dsb.KindChar16:
		c, _ := dsb.Get[dsb.Char16](v)
		return string(utf16.Decode([]uint16{uint16(c)})), nil
	case dsb.KindChar16Array:
		cs, _ := dsb.Get[[]dsb.Char16](v)
		u := make([]uint16, len(cs))
		for i, c := range cs {
			u[i] = uint16(c)
		}
		return string(utf16.Decode(u)), nil
	case dsb.KindUint8Array:
		bs, _ := dsb.Get[[]uint8](v)
		ret := make([]uint16, len(bs))
		for i, b := range bs {
			ret[i] = uint16(b)
		}
		return ret, nil
	}
	return v.Interface(), nil
}
