package dsb

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Kind is the type tag of a [Value].
type Kind uint16

const (
	KindEmpty Kind = iota
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindDouble
	KindChar16
	KindBool
	KindString

	kindArray = 0x400

	KindUint8Array  = kindArray | KindUint8
	KindInt16Array  = kindArray | KindInt16
	KindUint16Array = kindArray | KindUint16
	KindInt32Array  = kindArray | KindInt32
	KindUint32Array = kindArray | KindUint32
	KindInt64Array  = kindArray | KindInt64
	KindUint64Array = kindArray | KindUint64
	KindDoubleArray = kindArray | KindDouble
	KindChar16Array = kindArray | KindChar16
	KindBoolArray   = kindArray | KindBool
	KindStringArray = kindArray | KindString

	// KindStringDict is a string to string mapping.
	KindStringDict = 0x800 | KindString

	// KindObject is a reference to a *Device, *Property or *Param.
	KindObject Kind = 0x1000
)

var kindNames = map[Kind]string{
	KindEmpty:       "empty",
	KindUint8:       "uint8",
	KindInt16:       "int16",
	KindUint16:      "uint16",
	KindInt32:       "int32",
	KindUint32:      "uint32",
	KindInt64:       "int64",
	KindUint64:      "uint64",
	KindDouble:      "double",
	KindChar16:      "char16",
	KindBool:        "bool",
	KindString:      "string",
	KindUint8Array:  "uint8[]",
	KindInt16Array:  "int16[]",
	KindUint16Array: "uint16[]",
	KindInt32Array:  "int32[]",
	KindUint32Array: "uint32[]",
	KindInt64Array:  "int64[]",
	KindUint64Array: "uint64[]",
	KindDoubleArray: "double[]",
	KindChar16Array: "char16[]",
	KindBoolArray:   "bool[]",
	KindStringArray: "string[]",
	KindStringDict:  "dict",
	KindObject:      "object",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%#x)", uint16(k))
}

// ParseKind returns the Kind named s, as printed by [Kind.String].
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindEmpty, fmt.Errorf("unknown value kind %q", s)
}

// IsArray reports whether k is one of the homogeneous array kinds.
func (k Kind) IsArray() bool {
	return k&kindArray != 0 && k.Elem() >= KindUint8 && k.Elem() <= KindString
}

// Elem returns the element kind of an array kind. For other kinds,
// Elem returns KindEmpty.
func (k Kind) Elem() Kind {
	if k&kindArray == 0 {
		return KindEmpty
	}
	return k &^ kindArray
}

// Char16 is a UTF-16 code unit.
type Char16 uint16

func (c Char16) String() string { return string(rune(c)) }

// An Object is an adapter object that can be carried by a [Value]:
// a *Device, *Property or *Param.
type Object interface {
	objectName() string
}

// A Value is a tagged value: a payload together with its [Kind].
//
// The zero Value is empty. Values are immutable once constructed, but
// array and dict payloads share storage with the slices and maps they
// were built from.
type Value struct {
	kind Kind
	v    any
}

// Empty returns the empty value.
func Empty() Value { return Value{} }

// ValueOf returns the Value holding x. x must be one of bool, uint8,
// int16, uint16, int32, uint32, int64, uint64, float64, Char16,
// string, a slice of one of those, map[string]string, or an [Object].
func ValueOf(x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Value{}, nil
	case uint8:
		return Value{KindUint8, x}, nil
	case int16:
		return Value{KindInt16, x}, nil
	case uint16:
		return Value{KindUint16, x}, nil
	case int32:
		return Value{KindInt32, x}, nil
	case uint32:
		return Value{KindUint32, x}, nil
	case int64:
		return Value{KindInt64, x}, nil
	case uint64:
		return Value{KindUint64, x}, nil
	case float64:
		return Value{KindDouble, x}, nil
	case Char16:
		return Value{KindChar16, x}, nil
	case bool:
		return Value{KindBool, x}, nil
	case string:
		return Value{KindString, x}, nil
	case []uint8:
		return Value{KindUint8Array, x}, nil
	case []int16:
		return Value{KindInt16Array, x}, nil
	case []uint16:
		return Value{KindUint16Array, x}, nil
	case []int32:
		return Value{KindInt32Array, x}, nil
	case []uint32:
		return Value{KindUint32Array, x}, nil
	case []int64:
		return Value{KindInt64Array, x}, nil
	case []uint64:
		return Value{KindUint64Array, x}, nil
	case []float64:
		return Value{KindDoubleArray, x}, nil
	case []Char16:
		return Value{KindChar16Array, x}, nil
	case []bool:
		return Value{KindBoolArray, x}, nil
	case []string:
		return Value{KindStringArray, x}, nil
	case map[string]string:
		return Value{KindStringDict, x}, nil
	case Object:
		return ObjectValue(x), nil
	default:
		return Value{}, typeErr(fmt.Sprintf("%T", x), "no value kind for Go type")
	}
}

// MustValueOf is like [ValueOf], but panics if x has no value kind.
func MustValueOf(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ObjectValue returns a Value referring to o. A nil o yields the empty
// value.
func ObjectValue(o Object) Value {
	switch o := o.(type) {
	case nil:
		return Value{}
	case *Device:
		if o == nil {
			return Value{}
		}
	case *Property:
		if o == nil {
			return Value{}
		}
	case *Param:
		if o == nil {
			return Value{}
		}
	}
	return Value{KindObject, o}
}

// Kind returns the value's type tag.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v is the empty value.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// Interface returns v's payload, or nil for the empty value.
func (v Value) Interface() any { return v.v }

// Object returns v's object payload, if v is an object value.
func (v Value) Object() (Object, bool) {
	o, ok := v.v.(Object)
	return o, ok
}

// Get returns v's payload as a T.
func Get[T any](v Value) (T, bool) {
	ret, ok := v.v.(T)
	return ret, ok
}

// Equal reports whether v and o have the same kind and payload.
// Object values are equal if they refer to the same object. Nil and
// empty arrays are equal. Doubles are compared bit for bit, so NaN
// equals itself and 0 differs from -0.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch a := v.v.(type) {
	case nil:
		return o.v == nil
	case []uint8:
		return slices.Equal(a, o.v.([]uint8))
	case []int16:
		return slices.Equal(a, o.v.([]int16))
	case []uint16:
		return slices.Equal(a, o.v.([]uint16))
	case []int32:
		return slices.Equal(a, o.v.([]int32))
	case []uint32:
		return slices.Equal(a, o.v.([]uint32))
	case []int64:
		return slices.Equal(a, o.v.([]int64))
	case []uint64:
		return slices.Equal(a, o.v.([]uint64))
	case float64:
		return sameFloat(a, o.v.(float64))
	case []float64:
		return slices.EqualFunc(a, o.v.([]float64), sameFloat)
	case []Char16:
		return slices.Equal(a, o.v.([]Char16))
	case []bool:
		return slices.Equal(a, o.v.([]bool))
	case []string:
		return slices.Equal(a, o.v.([]string))
	case map[string]string:
		return maps.Equal(a, o.v.(map[string]string))
	default:
		return v.v == o.v
	}
}

func sameFloat(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

// String returns a human-readable rendering of v. Array elements are
// joined with commas.
func (v Value) String() string {
	switch x := v.v.(type) {
	case nil:
		return ""
	case string:
		return x
	case Char16:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []uint8:
		return joinArray(x)
	case []int16:
		return joinArray(x)
	case []uint16:
		return joinArray(x)
	case []int32:
		return joinArray(x)
	case []uint32:
		return joinArray(x)
	case []int64:
		return joinArray(x)
	case []uint64:
		return joinArray(x)
	case []float64:
		return joinArray(x)
	case []Char16:
		return joinArray(x)
	case []bool:
		return joinArray(x)
	case []string:
		return strings.Join(x, ",")
	case map[string]string:
		var parts []string
		for _, k := range slices.Sorted(maps.Keys(x)) {
			parts = append(parts, k+"="+x[k])
		}
		return strings.Join(parts, ",")
	case Object:
		return x.objectName()
	default:
		return fmt.Sprint(x)
	}
}

func joinArray[T any](elems []T) string {
	var ret strings.Builder
	for i, e := range elems {
		if i > 0 {
			ret.WriteByte(',')
		}
		fmt.Fprint(&ret, e)
	}
	return ret.String()
}
