package harness

import (
	"sort"
	"sync"

	"github.com/gomlx/kernelrt/native"
	"github.com/pkg/errors"
)

// Kernel is applied to the operands of a batch, which it modifies in place.
type Kernel interface {
	Name() string
	Apply(args [][]float64, offsets, sizes []int32) error
}

// KernelFunc is the signature of Go batch kernels.
type KernelFunc func(args [][]float64, offsets, sizes []int32) error

type funcKernel struct {
	name string
	fn   KernelFunc
}

func (k *funcKernel) Name() string { return k.name }

func (k *funcKernel) Apply(args [][]float64, offsets, sizes []int32) error {
	return k.fn(args, offsets, sizes)
}

// NewKernel returns a Kernel implemented by fn.
func NewKernel(name string, fn KernelFunc) Kernel {
	return &funcKernel{name: name, fn: fn}
}

// NativeKernel returns a Kernel calling a compiled batch entry point.
func NativeKernel(fn *native.BatchFunc) Kernel {
	return NewKernel(fn.Name(), fn.Call)
}

var (
	builtinsMu sync.RWMutex
	builtins   = map[string]Kernel{}
)

// Register makes a kernel available by name to Lookup and to the batch command.
func Register(k Kernel) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	builtins[k.Name()] = k
}

// Lookup returns the registered kernel with the given name.
func Lookup(name string) (Kernel, error) {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	k, found := builtins[name]
	if !found {
		return nil, errors.Errorf("unknown batch kernel %q, registered kernels are %q", name, registeredNamesLocked())
	}
	return k, nil
}

func registeredNamesLocked() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(NewKernel("identity", func(_ [][]float64, _, _ []int32) error { return nil }))
	Register(NewKernel("square", squareKernel))
}

// squareKernel squares the values of args[0] in place.
func squareKernel(args [][]float64, _, sizes []int32) error {
	if len(args) == 0 {
		return errors.New("square: no operands")
	}
	result := args[0][:sizes[0]]
	for ii, v := range result {
		result[ii] = v * v
	}
	return nil
}
