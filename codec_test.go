package dsb

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/danderson/dsb/fragments"
	"github.com/google/go-cmp/cmp"
)

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want []byte
	}{
		{"bool", MustValueOf(true), []byte{0, 0, 0, 1}},
		{"uint8", MustValueOf(uint8(5)), []byte{5}},
		{"int16", MustValueOf(int16(-2)), []byte{0xff, 0xfe}},
		{"char16", MustValueOf(Char16('A')), []byte{0, 0x41}},
		{"uint32", MustValueOf(uint32(0x01020304)), []byte{1, 2, 3, 4}},
		{"string", MustValueOf("ab"), []byte{0, 0, 0, 2, 'a', 'b', 0}},
		{"bytes", MustValueOf([]uint8{1, 2}), []byte{0, 0, 0, 2, 1, 2}},
		{"uint16 array", MustValueOf([]uint16{1, 2}), []byte{0, 0, 0, 4, 0, 1, 0, 2}},
		{"empty string array", MustValueOf([]string{}), []byte{0, 0, 0, 0}},
		{
			"uint64 array",
			MustValueOf([]uint64{7}),
			[]byte{
				0, 0, 0, 8, // length
				0, 0, 0, 0, // pad to 8
				0, 0, 0, 0, 0, 0, 0, 7,
			},
		},
		{
			"dict",
			MustValueOf(map[string]string{"k": "v"}),
			[]byte{
				0, 0, 0, 14, // length
				0, 0, 0, 0, // pad to 8
				0, 0, 0, 1, 'k', 0,
				0, 0, // pad to 4
				0, 0, 0, 1, 'v', 0,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := fragments.Encoder{Order: fragments.BigEndian}
			if err := EncodeValue(&e, tc.in); err != nil {
				t.Fatalf("EncodeValue(%v) got err: %v", tc.in, err)
			}
			if diff := cmp.Diff(e.Out, tc.want); diff != "" {
				t.Errorf("EncodeValue(%v) wrong output (-got+want):\n%s", tc.in, diff)
			}
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	for _, v := range []Value{Empty(), ObjectValue(&Device{Name: "x"})} {
		e := fragments.Encoder{Order: fragments.BigEndian}
		err := EncodeValue(&e, v)
		if !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("EncodeValue(%v) err = %v, want ErrUnsupportedType", v.Kind(), err)
		}
		if len(e.Out) != 0 {
			t.Errorf("EncodeValue(%v) wrote %d bytes on error", v.Kind(), len(e.Out))
		}
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		MustValueOf(false),
		MustValueOf(uint8(200)),
		MustValueOf(int16(-300)),
		MustValueOf(uint16(60000)),
		MustValueOf(int32(-70000)),
		MustValueOf(uint32(4000000000)),
		MustValueOf(int64(-1 << 40)),
		MustValueOf(uint64(1 << 63)),
		MustValueOf(float64(3.25)),
		MustValueOf(math.NaN()),
		MustValueOf(math.Inf(-1)),
		MustValueOf(Char16('é')),
		MustValueOf("hello, world"),
		MustValueOf([]uint8{1, 2, 3}),
		MustValueOf([]int16{-1, 1}),
		MustValueOf([]uint16{1}),
		MustValueOf([]int32{-5, 0, 5}),
		MustValueOf([]uint32{}),
		MustValueOf([]int64{1, 2}),
		MustValueOf([]uint64{3}),
		MustValueOf([]float64{0.5, -0.5}),
		MustValueOf([]Char16{'h', 'i'}),
		MustValueOf([]bool{true, false, true}),
		MustValueOf([]string{"a", "", "c"}),
		MustValueOf(map[string]string{}),
		MustValueOf(map[string]string{"a": "1", "b": "2", "c": "3"}),
	}

	for _, order := range []fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian} {
		for _, want := range values {
			e := fragments.Encoder{Order: order}
			// Misalign the value to exercise padding.
			e.Uint8(0xaa)
			if err := EncodeValue(&e, want); err != nil {
				t.Errorf("EncodeValue(%v) got err: %v", want.Kind(), err)
				continue
			}

			d := fragments.Decoder{Order: order, In: bytes.NewReader(e.Out)}
			if _, err := d.Uint8(); err != nil {
				t.Fatalf("reading misalignment byte: %v", err)
			}
			got, err := DecodeValue(&d, want.Kind())
			if err != nil {
				t.Errorf("DecodeValue(%v) got err: %v", want.Kind(), err)
				continue
			}
			if !got.Equal(want) {
				t.Errorf("round trip of %v: got %v, want %v", want.Kind(), got, want)
			}
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	if err := EncodeValue(&e, MustValueOf([]string{"foo", "bar"})); err != nil {
		t.Fatal(err)
	}
	for n := range len(e.Out) {
		d := fragments.Decoder{Order: fragments.LittleEndian, In: bytes.NewReader(e.Out[:n])}
		if got, err := DecodeValue(&d, KindStringArray); err == nil {
			t.Errorf("DecodeValue of %d/%d bytes = %v, want error", n, len(e.Out), got)
		}
	}
}

func TestArgs(t *testing.T) {
	in := []Value{
		MustValueOf(uint32(3)),
		MustValueOf([]uint8{1, 2, 3}),
		MustValueOf(Char16('q')),
	}
	args, err := MarshalArgs(in...)
	if err != nil {
		t.Fatalf("MarshalArgs got err: %v", err)
	}
	if got, want := args.Signature.String(), "uayn"; got != want {
		t.Errorf("MarshalArgs signature = %q, want %q", got, want)
	}

	got, err := args.Values(KindUint32, KindUint8Array, KindChar16)
	if err != nil {
		t.Fatalf("Values got err: %v", err)
	}
	if diff := cmp.Diff(got, in); diff != "" {
		t.Errorf("Values wrong result (-got+want):\n%s", diff)
	}

	// Without kinds, "n" decodes as an int16.
	got, err = args.Values()
	if err != nil {
		t.Fatalf("Values() got err: %v", err)
	}
	if got[2].Kind() != KindInt16 {
		t.Errorf("Values()[2].Kind() = %v, want %v", got[2].Kind(), KindInt16)
	}

	_, err = args.Values(KindUint32)
	if StatusOf(err) != StatusBadArgument {
		t.Errorf("Values with too few kinds err = %v, want BadArgument", err)
	}

	_, err = args.Values(KindUint32, KindString, KindChar16)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != StatusBadArgument || se.Arg != 2 {
		t.Errorf("Values with mismatched kind err = %v, want BadArgument(2)", err)
	}

	bad := Args{Signature: MustParseSignature("s"), Body: []byte{1}}
	if _, err := bad.Values(); StatusOf(err) != StatusBadFormat {
		t.Errorf("Values of truncated body err = %v, want BadFormat", err)
	}
}
