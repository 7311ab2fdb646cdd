// Package tensor provides float32 tensors for the flashattn attention kernels.
//
// Attention buffers are always dense row-major float32, so the package keeps a
// single concrete tensor type instead of a generic dtype/backend matrix. The
// kernels index raw data slices directly through strides; the methods here
// exist for construction, validation and test ergonomics.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	data    []float32
	shape   Shape
	strides []int
}

// Zeros creates a tensor filled with zeros.
//
// Example:
//
//	t := tensor.Zeros(tensor.Shape{3, 4})
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(err) // Caller-side shape bugs, not runtime conditions
	}
	return &Tensor{
		data:    make([]float32, shape.NumElements()),
		shape:   shape.Clone(),
		strides: shape.ComputeStrides(),
	}
}

// Full creates a tensor filled with a specific value.
//
// Example:
//
//	t := tensor.Full(tensor.Shape{3, 3}, 3.14)
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t := Zeros(shape)
	copy(t.data, data)
	return t, nil
}

// Randn creates a tensor with values drawn from a normal distribution
// (mean=0, std=1) using the Box-Muller transform. The seed makes runs
// reproducible, which benchmarks and kernel comparisons rely on.
func Randn(shape Shape, seed int64) *Tensor {
	t := Zeros(shape)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // G404: reproducible test data, not crypto
	for i := 0; i < len(t.data); i += 2 {
		u1 := rng.Float64()
		u2 := rng.Float64()
		z0 := math.Sqrt(-2.0*math.Log(u1)) * math.Cos(2.0*math.Pi*u2)
		z1 := math.Sqrt(-2.0*math.Log(u1)) * math.Sin(2.0*math.Pi*u2)
		t.data[i] = float32(z0)
		if i+1 < len(t.data) {
			t.data[i+1] = float32(z1)
		}
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Strides returns the row-major strides of the tensor.
func (t *Tensor) Strides() []int {
	return t.strides
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Data returns the underlying data slice. Mutating it mutates the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set stores value at the given multi-dimensional index.
func (t *Tensor) Set(value float32, idx ...int) {
	t.data[t.offset(idx)] = value
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of range for dimension %d (size %d)", x, i, t.shape[i]))
		}
		off += x * t.strides[i]
	}
	return off
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := Zeros(t.shape)
	copy(c.data, t.data)
	return c
}
