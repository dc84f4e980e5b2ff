package dtypes

import (
	"testing"

	"github.com/gomlx/kernelrt/dtypes/bfloat16"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDType_Size(t *testing.T) {
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 2, BFloat16.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 8, Float64.Size())
	require.Equal(t, 4, Int32.Size())
	require.Equal(t, 0, InvalidDType.Size())
	require.Equal(t, 40, Float64.SizeForElements(5))
}

func TestMapOfNames(t *testing.T) {
	require.Equal(t, BFloat16, MapOfNames["BFloat16"])
	require.Equal(t, BFloat16, MapOfNames["bfloat16"])
	require.Equal(t, BFloat16, MapOfNames["BF16"])
	require.Equal(t, BFloat16, MapOfNames["half"])
	require.Equal(t, Float32, MapOfNames["f32"])
	require.Equal(t, Int32, MapOfNames["int32"])
	_, found := MapOfNames["InvalidDType"]
	require.False(t, found)
}

func TestFromGenericsType(t *testing.T) {
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float64, FromGenericsType[float64]())
	require.Equal(t, Int32, FromGenericsType[int32]())
	require.Equal(t, BFloat16, FromGenericsType[bfloat16.BFloat16]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, "Float16", Float16.String())
	require.Equal(t, "DType(99)", DType(99).String())
}
