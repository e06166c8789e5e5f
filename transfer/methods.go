package transfer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/danderson/dsb"
	"github.com/danderson/dsb/fragments"
)

// InterfaceName is the bus interface carrying the transfer methods.
const InterfaceName = "com.microsoft.alljoynmanagement.Config"

// A Method is one bus method of [InterfaceName].
type Method struct {
	Name string
	// In and Out are the method's input and output signatures.
	In, Out string
	// Names are the argument names, inputs first.
	Names []string
	Call  func(ctx context.Context, in dsb.Args) (dsb.Args, error)
}

// Methods returns the bus methods that drive s.
func (s *Session) Methods() []Method {
	return []Method{
		{
			Name:  "StartChunkWrite",
			In:    "u",
			Out:   "(uu)",
			Names: []string{"length", "outStruct"},
			Call:  s.callStartChunkWrite,
		},
		{
			Name:  "WriteNextChunk",
			In:    "(uay)",
			Names: []string{"inStruct"},
			Call:  s.callWriteNextChunk,
		},
		{
			Name:  "StartChunkRead",
			Out:   "(uuu)",
			Names: []string{"outStruct"},
			Call:  s.callStartChunkRead,
		},
		{
			Name:  "ReadNextChunk",
			In:    "u",
			Out:   "ay",
			Names: []string{"token", "buffer"},
			Call:  s.callReadNextChunk,
		},
	}
}

func checkSignature(in dsb.Args, want string) error {
	if got := in.Signature.String(); got != want {
		return &dsb.StatusError{
			Status: dsb.StatusBadArgument,
			Arg:    1,
			Err:    fmt.Errorf("got signature %q, want %q", got, want),
		}
	}
	return nil
}

func decoder(in dsb.Args) *fragments.Decoder {
	order := in.Order
	if order == nil {
		order = fragments.NativeEndian
	}
	return &fragments.Decoder{Order: order, In: bytes.NewReader(in.Body)}
}

func structArgs(sig string, fields ...uint32) dsb.Args {
	e := fragments.Encoder{Order: fragments.NativeEndian}
	e.Struct(func() error {
		for _, f := range fields {
			e.Uint32(f)
		}
		return nil
	})
	return dsb.Args{
		Signature: dsb.MustParseSignature(sig),
		Order:     fragments.NativeEndian,
		Body:      e.Out,
	}
}

func (s *Session) callStartChunkWrite(ctx context.Context, in dsb.Args) (dsb.Args, error) {
	vs, err := in.Values(dsb.KindUint32)
	if err != nil {
		return dsb.Args{}, err
	}
	size, _ := dsb.Get[uint32](vs[0])
	token, chunk, err := s.StartChunkWrite(size)
	if err != nil {
		return dsb.Args{}, err
	}
	return structArgs("(uu)", token, chunk), nil
}

func (s *Session) callWriteNextChunk(ctx context.Context, in dsb.Args) (dsb.Args, error) {
	if err := checkSignature(in, "(uay)"); err != nil {
		return dsb.Args{}, err
	}
	var (
		token uint32
		data  []byte
		d     = decoder(in)
	)
	err := d.Struct(func() error {
		var err error
		if token, err = d.Uint32(); err != nil {
			return err
		}
		data, err = d.Bytes()
		return err
	})
	if err != nil {
		return dsb.Args{}, &dsb.StatusError{Status: dsb.StatusBadFormat, Op: "WriteNextChunk", Err: err}
	}
	return dsb.Args{}, s.WriteNextChunk(token, data)
}

func (s *Session) callStartChunkRead(ctx context.Context, in dsb.Args) (dsb.Args, error) {
	if err := checkSignature(in, ""); err != nil {
		return dsb.Args{}, err
	}
	size, token, chunk, err := s.StartChunkRead()
	if err != nil {
		return dsb.Args{}, err
	}
	return structArgs("(uuu)", size, token, chunk), nil
}

func (s *Session) callReadNextChunk(ctx context.Context, in dsb.Args) (dsb.Args, error) {
	vs, err := in.Values(dsb.KindUint32)
	if err != nil {
		return dsb.Args{}, err
	}
	token, _ := dsb.Get[uint32](vs[0])
	chunk, err := s.ReadNextChunk(token)
	if err != nil {
		return dsb.Args{}, err
	}
	return dsb.MarshalArgs(dsb.MustValueOf(chunk))
}

// WriteChunkArgs returns the arguments of a WriteNextChunk call.
func WriteChunkArgs(token uint32, data []byte) dsb.Args {
	e := fragments.Encoder{Order: fragments.NativeEndian}
	e.Struct(func() error {
		e.Uint32(token)
		e.Bytes(data)
		return nil
	})
	return dsb.Args{
		Signature: dsb.MustParseSignature("(uay)"),
		Order:     fragments.NativeEndian,
		Body:      e.Out,
	}
}

// ParseStruct decodes the uint32 struct returned by StartChunkWrite
// or StartChunkRead.
func ParseStruct(out dsb.Args, n int) ([]uint32, error) {
	var ret []uint32
	d := decoder(out)
	err := d.Struct(func() error {
		for range n {
			v, err := d.Uint32()
			if err != nil {
				return err
			}
			ret = append(ret, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}
