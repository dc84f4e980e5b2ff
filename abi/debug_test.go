//go:build kernelrt_debug

package abi

import (
	"testing"

	"github.com/gomlx/kernelrt/cbuffer"
	"github.com/stretchr/testify/require"
)

func TestDebugAssertions(t *testing.T) {
	buf := capture(cbuffer.Alloc(4 * 8)).Test(t)
	defer buf.Free()
	d := Trusted([]uint64{buf.Address()}, []int32{0}, []int32{1}, []int32{1}, 4)
	require.NotPanics(t, func() { d.Locate(0, 3, 0) })
	require.Panics(t, func() { d.Locate(0, 4, 0) })
	require.Panics(t, func() { d.Locate(0, 3, 1) })
	require.Panics(t, func() { Trusted([]uint64{0}, nil, nil, nil, 1) })
}
