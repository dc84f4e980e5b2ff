// Package harness implements the file-based batch protocol: invoking one kernel against operands staged on
// disk, in a single process, with no device involved.
//
// A batch directory holds:
//
//	count    one big-endian int32: the number of operands N.
//	sizes    N big-endian int32: the number of float64 values of each operand.
//	offsets  N big-endian int32: the logical offset of each operand, passed through to the kernel.
//	0 .. N-1 one file per operand with sizes[i] big-endian IEEE-754 float64 values.
//
// Run reads the metadata and the operands, applies the kernel, writes every operand back to its file and
// frees them. Phases don't overlap and there is no partial recovery: the first failure aborts the batch.
package harness

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// File names of the batch metadata.
const (
	CountFile   = "count"
	SizesFile   = "sizes"
	OffsetsFile = "offsets"
)

// Batch holds the operands of a batch and their metadata.
type Batch struct {
	Offsets []int32
	Sizes   []int32

	// Args holds one slice of Sizes[i] values per operand. Args[0] is conventionally the result.
	Args [][]float64
}

// Count returns the number of operands.
func (b *Batch) Count() int { return len(b.Args) }

// OperandPath returns the path of the file of operand i in dir.
func OperandPath(dir string, i int) string {
	return filepath.Join(dir, strconv.Itoa(i))
}

// readInt32s reads exactly n big-endian int32 values from the start of the file at path.
func readInt32s(path string, n int) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	if len(data) < 4*n {
		return nil, errors.Errorf("%q has %d bytes, expected %d big-endian int32 values", path, len(data), n)
	}
	values := make([]int32, n)
	for ii := range values {
		values[ii] = int32(binary.BigEndian.Uint32(data[4*ii:]))
	}
	return values, nil
}

func writeInt32s(path string, values []int32) error {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.BigEndian.PutUint32(data[4*ii:], uint32(v))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %q", path)
}

// DecodeFloat64s decodes big-endian float64 values from data into dst, which must fit len(dst) values.
// Bit patterns, NaN payloads included, are preserved.
func DecodeFloat64s(dst []float64, data []byte) {
	for ii := range dst {
		dst[ii] = math.Float64frombits(binary.BigEndian.Uint64(data[8*ii:]))
	}
}

// EncodeFloat64s encodes values as big-endian float64, appending them to dst.
func EncodeFloat64s(dst []byte, values []float64) []byte {
	for _, v := range values {
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return dst
}

// ReadBatch reads the metadata and operands of the batch in dir.
func ReadBatch(dir string) (*Batch, error) {
	counts, err := readInt32s(filepath.Join(dir, CountFile), 1)
	if err != nil {
		return nil, err
	}
	count := int(counts[0])
	if count < 0 {
		return nil, errors.Errorf("invalid operand count %d in %q", count, filepath.Join(dir, CountFile))
	}
	// The metadata files bound count: nothing is allocated from it until both are read.
	b := &Batch{}
	if b.Sizes, err = readInt32s(filepath.Join(dir, SizesFile), count); err != nil {
		return nil, err
	}
	if b.Offsets, err = readInt32s(filepath.Join(dir, OffsetsFile), count); err != nil {
		return nil, err
	}
	b.Args = make([][]float64, count)
	for ii := range count {
		size := int(b.Sizes[ii])
		if size < 0 {
			return nil, errors.Errorf("invalid size %d for operand #%d", size, ii)
		}
		path := OperandPath(dir, ii)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read operand #%d", ii)
		}
		if len(data) < 8*size {
			return nil, errors.Errorf("operand file %q has %d bytes, expected %d float64 values", path, len(data), size)
		}
		b.Args[ii] = make([]float64, size)
		DecodeFloat64s(b.Args[ii], data)
	}
	return b, nil
}

// WriteOperands writes every operand of the batch to its file in dir, replacing its contents.
func WriteOperands(dir string, b *Batch) error {
	for ii, arg := range b.Args {
		path := OperandPath(dir, ii)
		if err := os.WriteFile(path, EncodeFloat64s(make([]byte, 0, 8*len(arg)), arg), 0o644); err != nil {
			return errors.Wrapf(err, "failed to write operand #%d", ii)
		}
	}
	return nil
}

// WriteBatch writes the metadata and operands of the batch to dir, which must exist. It is the inverse of
// ReadBatch, used to stage batches.
func WriteBatch(dir string, b *Batch) error {
	if len(b.Sizes) != len(b.Args) || len(b.Offsets) != len(b.Args) {
		return errors.Errorf("batch with %d operands has %d sizes and %d offsets", len(b.Args), len(b.Sizes), len(b.Offsets))
	}
	for ii, arg := range b.Args {
		if int(b.Sizes[ii]) != len(arg) {
			return errors.Errorf("operand #%d has %d values, but its size is %d", ii, len(arg), b.Sizes[ii])
		}
	}
	if err := writeInt32s(filepath.Join(dir, CountFile), []int32{int32(len(b.Args))}); err != nil {
		return err
	}
	if err := writeInt32s(filepath.Join(dir, SizesFile), b.Sizes); err != nil {
		return err
	}
	if err := writeInt32s(filepath.Join(dir, OffsetsFile), b.Offsets); err != nil {
		return err
	}
	return WriteOperands(dir, b)
}
