package mockadapter

import (
	"fmt"

	"github.com/danderson/dsb"
)

// DefaultDevices returns the devices simulated by an adapter created
// without an explicit device list: a dimmable lamp and a metering
// plug.
func DefaultDevices() []*dsb.Device {
	return []*dsb.Device{
		NewLamp("Hall Lamp", "LAMP-0001"),
		NewPlug("Desk Plug", "PLUG-0001"),
	}
}

func attr(name string, v any, access dsb.AccessType, cov dsb.SignalBehavior) *dsb.Attribute {
	return &dsb.Attribute{
		Value:       dsb.Param{Name: name, Data: dsb.MustValueOf(v)},
		Access:      access,
		COVBehavior: cov,
	}
}

func covSignal() *dsb.Signal {
	// Declared parameter values are placeholders that fix the
	// parameter kinds.
	return &dsb.Signal{
		Name: dsb.SignalChangeOfValue,
		Params: []*dsb.Param{
			{Name: dsb.ParamPropertyHandle, Data: dsb.ObjectValue(&dsb.Property{})},
			{Name: dsb.ParamAttributeHandle, Data: dsb.ObjectValue(&dsb.Param{})},
		},
	}
}

// NewLamp returns a simulated dimmable color lamp.
//
// The lamp has a Light property (OnOff, Level), a Color property (Hue
// reported by invalidation, Saturation never reported), an Info
// property (read-only Model), the methods "Toggle" and "Set Level",
// and an "Overheated" signal.
func NewLamp(name, serial string) *dsb.Device {
	light := &dsb.Property{
		Name:          "Light",
		InterfaceHint: "com.example.Lamp.Light",
		Attributes: []*dsb.Attribute{
			attr("OnOff", false, dsb.AccessReadWrite, dsb.SignalAlways),
			attr("Level", uint8(100), dsb.AccessReadWrite, dsb.SignalAlways),
		},
	}
	color := &dsb.Property{
		Name: "Color",
		Attributes: []*dsb.Attribute{
			attr("Hue", uint16(0), dsb.AccessReadWrite, dsb.SignalAlwaysWithNoValue),
			attr("Saturation", uint16(0), dsb.AccessReadWrite, dsb.SignalNever),
		},
	}
	info := &dsb.Property{
		Name: "Info",
		Attributes: []*dsb.Attribute{
			attr("Model", "ML-100", dsb.AccessRead, dsb.SignalNever),
		},
	}
	dev := &dsb.Device{
		Name:            name,
		Vendor:          "Example",
		Model:           "ML-100",
		FirmwareVersion: "1.2.0",
		SerialNumber:    serial,
		Description:     "Dimmable color lamp",
		Properties:      []*dsb.Property{light, color, info},
		Signals: []*dsb.Signal{
			covSignal(),
			{Name: "Overheated", Params: []*dsb.Param{{Name: "Temperature", Data: dsb.MustValueOf(0.0)}}},
		},
	}
	dev.Methods = []*dsb.Method{
		{
			Name:        "Toggle",
			Description: "Toggle the lamp on or off",
			Outputs:     []*dsb.Param{{Name: "OnOff", Data: dsb.MustValueOf(false)}},
			Context:     MethodFunc(toggle),
		},
		{
			Name:        "Set Level",
			Description: "Set the brightness level, in percent",
			Inputs:      []*dsb.Param{{Name: "Level", Data: dsb.MustValueOf(uint8(0))}},
			Outputs:     []*dsb.Param{{Name: "Previous", Data: dsb.MustValueOf(uint8(0))}},
			Context:     MethodFunc(setLevel),
		},
	}
	return dev
}

// NewPlug returns a simulated metering plug.
//
// The plug has a Switch property sharing its interface with every
// other plug, a read-only Meter property (Watts, Total), and a
// "Reset Meter" method.
func NewPlug(name, serial string) *dsb.Device {
	sw := &dsb.Property{
		Name:          "Switch",
		InterfaceHint: "com.example.Plug.Switch",
		Attributes: []*dsb.Attribute{
			attr("OnOff", true, dsb.AccessReadWrite, dsb.SignalAlways),
		},
	}
	meter := &dsb.Property{
		Name: "Meter",
		Attributes: []*dsb.Attribute{
			attr("Watts", 0.0, dsb.AccessRead, dsb.SignalAlways),
			attr("Total", uint64(0), dsb.AccessRead, dsb.SignalAlways),
		},
	}
	dev := &dsb.Device{
		Name:            name,
		Vendor:          "Example",
		Model:           "MP-2",
		FirmwareVersion: "0.9.1",
		SerialNumber:    serial,
		Description:     "Metering smart plug",
		Props:           `{"max_watts": 3600}`,
		Properties:      []*dsb.Property{sw, meter},
		Signals:         []*dsb.Signal{covSignal()},
	}
	dev.Methods = []*dsb.Method{
		{
			Name:    "Reset Meter",
			Context: MethodFunc(resetMeter),
		},
	}
	return dev
}

func toggle(s Sim, call *dsb.Method) error {
	if len(call.Outputs) != 1 {
		return dsb.BadArgument(2)
	}
	v, err := s.Value("Light", "OnOff")
	if err != nil {
		return err
	}
	on, _ := dsb.Get[bool](v)
	call.Outputs[0].Data = dsb.MustValueOf(!on)
	return s.Set("Light", "OnOff", dsb.MustValueOf(!on))
}

func setLevel(s Sim, call *dsb.Method) error {
	if len(call.Inputs) != 1 || len(call.Outputs) != 1 {
		return dsb.BadArgument(2)
	}
	level, ok := dsb.Get[uint8](call.Inputs[0].Data)
	if !ok {
		return dsb.BadArgument(1)
	}
	if level > 100 {
		return &dsb.StatusError{Status: dsb.StatusBadArgument, Arg: 1, Op: "Set Level", Err: fmt.Errorf("level %d out of range", level)}
	}
	prev, err := s.Value("Light", "Level")
	if err != nil {
		return err
	}
	call.Outputs[0].Data = prev
	return s.Set("Light", "Level", dsb.MustValueOf(level))
}

func resetMeter(s Sim, call *dsb.Method) error {
	return s.Set("Meter", "Total", dsb.MustValueOf(uint64(0)))
}
