package abi

import (
	"github.com/pkg/errors"
)

// checkDescriptor verifies the structure of the descriptor: parallel arrays of the same length and a
// valid stride. Operand extents are checked by the Builder as operands are added.
func checkDescriptor(d *Descriptor) error {
	n := len(d.args)
	if len(d.offsets) != n || len(d.sizes) != n || len(d.dim0s) != n {
		return errors.Errorf("abi: descriptor with %d operands has %d offsets, %d sizes and %d dim0s",
			n, len(d.offsets), len(d.sizes), len(d.dim0s))
	}
	if d.stride < 1 {
		return errors.Errorf("abi: invalid stride %d", d.stride)
	}
	if d.globalTotal < 0 {
		return errors.Errorf("abi: negative global total %d", d.globalTotal)
	}
	return nil
}

// assertInBounds panics if idx falls outside the declared extent of operand i. Only used when Debug is set.
func (d *Descriptor) assertInBounds(i int, id int64, idx int) {
	if id < 0 || id >= d.globalTotal {
		panic(errors.Errorf("abi: work-item %d out of range [0, %d)", id, d.globalTotal))
	}
	limit := d.extent(i)
	if idx < 0 || idx >= limit {
		panic(errors.Errorf("abi: operand #%d element %d out of bounds [0, %d) for work-item %d", i, idx, limit, id))
	}
}
