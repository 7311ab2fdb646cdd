// Copyright 2025 FusedML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package flashattn implements tiled flash attention for the CPU.
//
// # Overview
//
// Attention is computed block by block with an online softmax, so the full
// seqlen_q x seqlen_k score matrix never materializes: memory stays linear in
// sequence length while results match a dense softmax(QK^T)V to float32
// rounding. The package provides:
//   - Forward and Backward passes with causal masking, additive bias,
//     ALiBi slopes and deterministic attention dropout
//   - Grouped-query attention (fewer KV heads than query heads)
//   - Ragged batches (varlen): contexts of different lengths packed into
//     one launch without padding
//   - A dense Reference implementation for validation
//
// # Basic Usage
//
//	import (
//	    "math"
//	    "runtime"
//
//	    "github.com/ajroetker/go-highway/hwy/contrib/workerpool"
//	    "github.com/fusedml/flashattn"
//	)
//
//	func main() {
//	    // (batch, heads, seqlen, headDim)
//	    q := flashattn.Randn(flashattn.Shape{2, 8, 512, 64}, 1)
//	    k := flashattn.Randn(flashattn.Shape{2, 8, 512, 64}, 2)
//	    v := flashattn.Randn(flashattn.Shape{2, 8, 512, 64}, 3)
//
//	    meta := flashattn.NewMeta(1 / float32(math.Sqrt(64)))
//	    meta.Causal = true
//
//	    pool := workerpool.New(runtime.GOMAXPROCS(0))
//	    defer pool.Close()
//
//	    out, lse, _, err := flashattn.Forward(pool, q, k, v, meta)
//	    if err != nil {
//	        panic(err)
//	    }
//	    _ = out // attention output, same shape as q
//	    _ = lse // per-row log-sum-exp, consumed by Backward
//	}
//
// # Causal Masking
//
// Masking is aligned to the bottom-right corner of the score matrix: with
// seqlen_q != seqlen_k, query row i attends to key columns j <= i + seqlen_k
// - seqlen_q. Rows whose window is empty produce zero output and +Inf
// log-sum-exp.
//
// # Ragged Batches
//
// Varlen mode packs contexts into token-major tensors and delimits them with
// cumulative offsets:
//
//	// three contexts of 3, 7 and 1 tokens
//	q := flashattn.Randn(flashattn.Shape{11, 8, 64}, 1)
//	meta := flashattn.NewMeta(scale)
//	if err := meta.SetVarlen([]int32{0, 3, 10, 11}, []int32{0, 3, 10, 11}); err != nil {
//	    panic(err)
//	}
//
// # Training
//
// Backward recomputes attention probabilities from the saved log-sum-exp
// rather than storing them:
//
//	dq, dk, dv, err := flashattn.Backward(pool, q, k, v, out, dout, lse, meta)
//
// Dropout replays deterministically from meta.PhiloxSeed and
// meta.PhiloxOffset, so the backward mask always matches the forward one.
package flashattn
