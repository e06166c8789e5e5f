package dsb

import (
	"bytes"
	"fmt"

	"github.com/danderson/dsb/fragments"
)

// EncodeValue writes v to e in wire format, using the signature of
// v's kind.
//
// Empty and object values have no wire representation, and fail with
// a [TypeError] wrapping [ErrUnsupportedType].
func EncodeValue(e *fragments.Encoder, v Value) error {
	if _, err := SignatureFor(v.kind); err != nil {
		return err
	}

	switch x := v.v.(type) {
	case bool:
		e.Bool(x)
	case uint8:
		e.Uint8(x)
	case int16:
		e.Int16(x)
	case uint16:
		e.Uint16(x)
	case int32:
		e.Int32(x)
	case uint32:
		e.Uint32(x)
	case int64:
		e.Int64(x)
	case uint64:
		e.Uint64(x)
	case float64:
		e.Double(x)
	case Char16:
		e.Int16(int16(x))
	case string:
		e.String(x)
	case []uint8:
		e.Bytes(x)
	case []int16:
		return encodeArray(e, false, x, e.Int16)
	case []uint16:
		return encodeArray(e, false, x, e.Uint16)
	case []int32:
		return encodeArray(e, false, x, e.Int32)
	case []uint32:
		return encodeArray(e, false, x, e.Uint32)
	case []int64:
		return encodeArray(e, true, x, e.Int64)
	case []uint64:
		return encodeArray(e, true, x, e.Uint64)
	case []float64:
		return encodeArray(e, true, x, e.Double)
	case []Char16:
		return encodeArray(e, false, x, func(c Char16) { e.Int16(int16(c)) })
	case []bool:
		return encodeArray(e, false, x, e.Bool)
	case []string:
		return encodeArray(e, false, x, e.String)
	case map[string]string:
		return e.Array(true, func() error {
			for k, val := range x {
				e.Struct(func() error {
					e.String(k)
					e.String(val)
					return nil
				})
			}
			return nil
		})
	default:
		return unsupported(v.kind.String())
	}
	return nil
}

func encodeArray[T any](e *fragments.Encoder, align8 bool, elems []T, put func(T)) error {
	return e.Array(align8, func() error {
		for _, elem := range elems {
			put(elem)
		}
		return nil
	})
}

// DecodeValue reads a value of kind k from d.
//
// Arrays are decoded by reading the array length and then each
// element in order. String dicts are decoded one entry at a time in
// transmitted order; duplicate keys keep the last value.
func DecodeValue(d *fragments.Decoder, k Kind) (Value, error) {
	if _, err := SignatureFor(k); err != nil {
		return Value{}, err
	}

	var (
		x   any
		err error
	)
	switch k {
	case KindBool:
		x, err = d.Bool()
	case KindUint8:
		x, err = d.Uint8()
	case KindInt16:
		x, err = d.Int16()
	case KindUint16:
		x, err = d.Uint16()
	case KindInt32:
		x, err = d.Int32()
	case KindUint32:
		x, err = d.Uint32()
	case KindInt64:
		x, err = d.Int64()
	case KindUint64:
		x, err = d.Uint64()
	case KindDouble:
		x, err = d.Double()
	case KindChar16:
		var i int16
		i, err = d.Int16()
		x = Char16(i)
	case KindString:
		x, err = d.String()
	case KindUint8Array:
		var bs []byte
		bs, err = d.Bytes()
		x = bs
	case KindInt16Array:
		x, err = decodeArray(d, false, d.Int16)
	case KindUint16Array:
		x, err = decodeArray(d, false, d.Uint16)
	case KindInt32Array:
		x, err = decodeArray(d, false, d.Int32)
	case KindUint32Array:
		x, err = decodeArray(d, false, d.Uint32)
	case KindInt64Array:
		x, err = decodeArray(d, true, d.Int64)
	case KindUint64Array:
		x, err = decodeArray(d, true, d.Uint64)
	case KindDoubleArray:
		x, err = decodeArray(d, true, d.Double)
	case KindChar16Array:
		x, err = decodeArray(d, false, func() (Char16, error) {
			i, err := d.Int16()
			return Char16(i), err
		})
	case KindBoolArray:
		x, err = decodeArray(d, false, d.Bool)
	case KindStringArray:
		x, err = decodeArray(d, false, d.String)
	case KindStringDict:
		m := map[string]string{}
		_, err = d.Array(true, func(int) error {
			return d.Struct(func() error {
				key, err := d.String()
				if err != nil {
					return err
				}
				val, err := d.String()
				if err != nil {
					return err
				}
				m[key] = val
				return nil
			})
		})
		x = m
	default:
		return Value{}, unsupported(k.String())
	}
	if err != nil {
		return Value{}, fmt.Errorf("decoding %s: %w", k, err)
	}
	return Value{k, x}, nil
}

func decodeArray[T any](d *fragments.Decoder, align8 bool, get func() (T, error)) ([]T, error) {
	ret := []T{}
	_, err := d.Array(align8, func(int) error {
		elem, err := get()
		if err != nil {
			return err
		}
		ret = append(ret, elem)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Args is a list of bus call arguments in wire format.
type Args struct {
	// Signature describes the values in Body.
	Signature Signature
	// Order is the byte order of Body.
	Order fragments.ByteOrder
	// Body is the encoded argument values.
	Body []byte
}

// Equal reports whether a and o carry the same signature and the same
// encoded bytes in the same byte order.
func (a Args) Equal(o Args) bool {
	return a.Signature.String() == o.Signature.String() &&
		orderFlag(a.Order) == orderFlag(o.Order) &&
		bytes.Equal(a.Body, o.Body)
}

func orderFlag(o fragments.ByteOrder) byte {
	if o == nil {
		o = fragments.NativeEndian
	}
	return o.Flag()
}

// MarshalArgs encodes values as bus call arguments, in native byte
// order.
func MarshalArgs(values ...Value) (Args, error) {
	sig, err := SignatureOf(values...)
	if err != nil {
		return Args{}, err
	}
	e := fragments.Encoder{Order: fragments.NativeEndian}
	for i, v := range values {
		if err := EncodeValue(&e, v); err != nil {
			return Args{}, fmt.Errorf("encoding argument %d: %w", i+1, err)
		}
	}
	return Args{sig, fragments.NativeEndian, e.Out}, nil
}

// MustMarshalArgs is like [MarshalArgs], but panics on error.
func MustMarshalArgs(values ...Value) Args {
	ret, err := MarshalArgs(values...)
	if err != nil {
		panic(err)
	}
	return ret
}

// Values decodes the arguments.
//
// If kinds is empty, the kinds are derived from the signature, with
// "n" decoding as [KindInt16]. Otherwise kinds must match the
// signature one for one, which is how callers recover [KindChar16]
// values.
func (a Args) Values(kinds ...Kind) ([]Value, error) {
	parts := a.Signature.Parts()
	if len(kinds) == 0 {
		for _, p := range parts {
			k, err := KindForSignature(p)
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, k)
		}
	} else if len(kinds) != len(parts) {
		return nil, Errorf(StatusBadArgument, "decode", "signature %q has %d values, want %d", a.Signature, len(parts), len(kinds))
	}

	order := a.Order
	if order == nil {
		order = fragments.NativeEndian
	}
	d := fragments.Decoder{Order: order, In: bytes.NewReader(a.Body)}
	ret := make([]Value, 0, len(kinds))
	for i, k := range kinds {
		sig, err := SignatureFor(k)
		if err != nil {
			return nil, err
		}
		if sig != parts[i] {
			return nil, &StatusError{
				Status: StatusBadArgument,
				Arg:    i + 1,
				Op:     "decode",
				Err:    fmt.Errorf("got signature %q, want %q", parts[i], sig),
			}
		}
		v, err := DecodeValue(&d, k)
		if err != nil {
			return nil, &StatusError{Status: StatusBadFormat, Arg: i + 1, Op: "decode", Err: err}
		}
		ret = append(ret, v)
	}
	return ret, nil
}
