// Copyright 2025 FusedML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package flashattn

import "github.com/fusedml/flashattn/internal/kernel"

// Reference computes attention densely, materializing every score row. It
// accepts the same configuration as Forward, replays the identical dropout
// mask, and exists to validate the tiled kernels and for small problems where
// tiling buys nothing.
func Reference(q, k, v *Tensor, meta *Meta) (*Tensor, error) {
	return kernel.Reference(q, k, v, meta)
}

// ReferenceGrads computes dQ, dK and dV densely from the analytic softmax
// backward. Like Backward it rejects varlen batches.
func ReferenceGrads(q, k, v, dout *Tensor, meta *Meta) (dq, dk, dv *Tensor, err error) {
	return kernel.ReferenceGrads(q, k, v, dout, meta)
}
