// Package dtypes declares the element types supported by batchflow tensors,
// along with their sizes and conversions to and from Go types.
//
// The set of types mirrors what the execution engine can move across the
// host/accelerator boundary: booleans, signed/unsigned integers, and floats
// including Float16 (github.com/x448/float16).
package dtypes

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the element type of a tensor (or of an externally fed batch).
type DType uint8

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64

	// lastDType is a sentinel, not a valid dtype.
	lastDType
)

// Supported lists the Go types that map directly to a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

var dtypeNames = [lastDType]string{
	"InvalidDType",
	"Bool",
	"Int8",
	"Int16",
	"Int32",
	"Int64",
	"Uint8",
	"Uint16",
	"Uint32",
	"Uint64",
	"Float16",
	"Float32",
	"Float64",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype >= lastDType {
		return "InvalidDType"
	}
	return dtypeNames[dtype]
}

var dtypeSizes = [lastDType]int{
	0,
	1,          // Bool
	1, 2, 4, 8, // Int8..Int64
	1, 2, 4, 8, // Uint8..Uint64
	2, 4, 8, // Float16, Float32, Float64
}

// Size returns the size in bytes of one element of the given dtype.
// It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	if dtype >= lastDType {
		return 0
	}
	return dtypeSizes[dtype]
}

// SizeForDimensions returns the size in bytes for a tensor with the given
// dimensions. Scalars (no dimensions) take one element.
func (dtype DType) SizeForDimensions(dimensions ...int64) int64 {
	size := int64(dtype.Size())
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// IsFloat returns whether dtype is one of the float types, including Float16.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is one of the signed or unsigned integer types.
func (dtype DType) IsInt() bool {
	return dtype >= Int8 && dtype <= Uint64
}

// IsValid reports whether dtype is one of the supported element types.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && dtype < lastDType
}

// MapOfNames maps accepted spellings of the dtype names to their values.
// It includes the Go-style names ("Float32"), their lower-case versions and
// the short forms ("F32", "f32", "I64", ...).
var MapOfNames = map[string]DType{
	"Bool": Bool, "bool": Bool, "Pred": Bool, "pred": Bool,
	"Int8": Int8, "int8": Int8, "I8": Int8, "i8": Int8,
	"Int16": Int16, "int16": Int16, "I16": Int16, "i16": Int16,
	"Int32": Int32, "int32": Int32, "I32": Int32, "i32": Int32,
	"Int64": Int64, "int64": Int64, "I64": Int64, "i64": Int64,
	"Uint8": Uint8, "uint8": Uint8, "U8": Uint8, "u8": Uint8,
	"Uint16": Uint16, "uint16": Uint16, "U16": Uint16, "u16": Uint16,
	"Uint32": Uint32, "uint32": Uint32, "U32": Uint32, "u32": Uint32,
	"Uint64": Uint64, "uint64": Uint64, "U64": Uint64, "u64": Uint64,
	"Float16": Float16, "float16": Float16, "F16": Float16, "f16": Float16,
	"Float32": Float32, "float32": Float32, "F32": Float32, "f32": Float32,
	"Float64": Float64, "float64": Float64, "F64": Float64, "f64": Float64,
}

// FromName converts a dtype name (any spelling accepted by MapOfNames) to
// its DType. It returns an error for unknown names.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype name %q", name)
	}
	return dtype, nil
}

var goTypeToDType = map[reflect.Type]DType{
	reflect.TypeOf(bool(false)):        Bool,
	reflect.TypeOf(int8(0)):            Int8,
	reflect.TypeOf(int16(0)):           Int16,
	reflect.TypeOf(int32(0)):           Int32,
	reflect.TypeOf(int64(0)):           Int64,
	reflect.TypeOf(uint8(0)):           Uint8,
	reflect.TypeOf(uint16(0)):          Uint16,
	reflect.TypeOf(uint32(0)):          Uint32,
	reflect.TypeOf(uint64(0)):          Uint64,
	reflect.TypeOf(float16.Float16(0)): Float16,
	reflect.TypeOf(float32(0)):         Float32,
	reflect.TypeOf(float64(0)):         Float64,
}

// FromGoType returns the DType used to represent the given Go type, or
// InvalidDType if there isn't one.
func FromGoType(t reflect.Type) DType {
	return goTypeToDType[t]
}

// FromGenericsType returns the DType used to represent the given Go generic type.
func FromGenericsType[T Supported]() DType {
	var t T
	return goTypeToDType[reflect.TypeOf(t)]
}
