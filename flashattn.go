// Copyright 2025 FusedML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package flashattn

import (
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"

	"github.com/fusedml/flashattn/internal/kernel"
	"github.com/fusedml/flashattn/internal/tensor"
)

// MaxHeadDim is the largest head dimension the kernels support.
const MaxHeadDim = kernel.MaxHeadDim

// Default keys for the counter-based dropout RNG. Launches that never call
// Meta.SetDropout can ignore them.
const (
	DefaultPhiloxSeed   = kernel.DefaultPhiloxSeed
	DefaultPhiloxOffset = kernel.DefaultPhiloxOffset
)

// Shape describes tensor dimensions, outermost first.
type Shape = tensor.Shape

// Tensor is a dense row-major float32 tensor.
//
// Fixed-length attention uses (batch, heads, seqlen, headDim) tensors; varlen
// attention packs every context's tokens into (totalTokens, heads, headDim).
type Tensor = tensor.Tensor

// Meta carries the attention configuration shared by the forward and
// backward passes: softmax scale, causal masking, optional bias, ALiBi
// slopes, dropout and ragged-batch offsets.
type Meta = kernel.Meta

// NewMeta returns a Meta with the given softmax scale and default dropout
// RNG keys.
//
// Example:
//
//	meta := flashattn.NewMeta(1 / float32(math.Sqrt(float64(headDim))))
//	meta.Causal = true
func NewMeta(scale float32) *Meta {
	return kernel.NewMeta(scale)
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape Shape) *Tensor {
	return tensor.Zeros(shape)
}

// Full allocates a tensor with every element set to value.
func Full(shape Shape, value float32) *Tensor {
	return tensor.Full(shape, value)
}

// FromSlice copies data into a new tensor. The slice length must match the
// shape.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}

// Randn allocates a tensor of standard normal draws from a deterministic
// seed.
func Randn(shape Shape, seed int64) *Tensor {
	return tensor.Randn(shape, seed)
}

// Forward runs the tiled flash attention forward pass.
//
// It returns the attention output (same shape as q), the per-row log-sum-exp
// statistic shaped (batch, headsQ, maxSeqlenQ) that Backward consumes, and,
// when meta.ReturnEncoded is set, the sign-encoded attention weights.
//
// pool distributes the (query tile, head, context) work items across workers;
// a nil pool runs them on the calling goroutine.
//
// Example:
//
//	pool := workerpool.New(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//
//	out, lse, _, err := flashattn.Forward(pool, q, k, v, meta)
func Forward(pool workerpool.Executor, q, k, v *Tensor, meta *Meta) (out, lse, encoded *Tensor, err error) {
	return kernel.Forward(pool, q, k, v, meta)
}

// Backward computes dQ, dK and dV from the forward pass's output, the
// upstream gradient and the saved log-sum-exp. Attention probabilities are
// recomputed from lse instead of stored, so memory stays linear in sequence
// length. Fixed-length batches only; bias and ALiBi are not supported.
func Backward(pool workerpool.Executor, q, k, v, out, dout, lse *Tensor, meta *Meta) (dq, dk, dv *Tensor, err error) {
	return kernel.Backward(pool, q, k, v, out, dout, lse, meta)
}
