package dtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])

	require.Equal(t, Uint8, MapOfNames["Uint8"])
	require.Equal(t, Uint8, MapOfNames["u8"])

	dtype, err := FromName("f32")
	require.NoError(t, err)
	require.Equal(t, Float32, dtype)

	_, err = FromName("float128")
	require.Error(t, err)
}

func TestSizes(t *testing.T) {
	require.Equal(t, 1, Bool.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Int64.Size())
	require.Equal(t, 0, InvalidDType.Size())

	require.Equal(t, int64(2*3*4), Float32.SizeForDimensions(2, 3))
	require.Equal(t, int64(8), Float64.SizeForDimensions()) // Scalar.
}

func TestFromGenericsType(t *testing.T) {
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Int64, FromGenericsType[int64]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Uint8, FromGenericsType[uint8]())
}

func TestPredicates(t *testing.T) {
	require.True(t, Float16.IsFloat())
	require.False(t, Float16.IsInt())
	require.True(t, Uint32.IsInt())
	require.False(t, Bool.IsInt())
	require.True(t, Int8.IsValid())
	require.False(t, InvalidDType.IsValid())
	require.Equal(t, "Float32", Float32.String())
	require.Equal(t, "InvalidDType", DType(200).String())
}
