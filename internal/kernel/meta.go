// Package kernel implements the tiled flash attention forward and backward
// passes on the CPU.
//
// The kernels follow the Flash Attention 2 formulation: attention is computed
// tile by tile with an online softmax so the full seqlen_q x seqlen_k score
// matrix never materializes. All score arithmetic happens in the base-2
// exponent domain (softmax scale folded with log2(e)), and the forward pass
// saves a per-row log-sum-exp statistic that the backward pass uses to
// recompute probabilities instead of storing them.
package kernel

import (
	"fmt"

	"github.com/fusedml/flashattn/internal/tensor"
)

// MaxHeadDim is the largest supported head dimension.
const MaxHeadDim = 256

// Default Philox-style RNG constants for dropout. Fixed values keep dropout
// reproducible across runs, which the tests and the backward pass depend on.
const (
	DefaultPhiloxSeed   uint64 = 0x1BF52
	DefaultPhiloxOffset uint64 = 0x1D4B42
)

const (
	defaultBlockM = 64
	defaultBlockN = 64
)

// Meta carries the attention configuration shared by the forward and backward
// passes: softmax scale, masking mode, optional bias/ALiBi/dropout, and the
// ragged-batch (varlen) bookkeeping.
//
// Zero value plus a scale is a valid fixed-length, non-causal configuration:
//
//	meta := kernel.NewMeta(1.0 / float32(math.Sqrt(float64(headDim))))
//	meta.Causal = true
type Meta struct {
	// Scale multiplies every raw q.k score before softmax.
	Scale float32

	// Causal enables bottom-right-aligned causal masking: query row i may
	// attend to key column j iff j <= i + seqlenK - seqlenQ.
	Causal bool

	// DropoutP is the probability of dropping an attention weight.
	// Zero disables dropout.
	DropoutP float32

	// ReturnEncoded asks the forward pass to also return the block-local
	// attention weights with the dropout decision encoded in the sign bit.
	// Only meaningful for debugging and tests.
	ReturnEncoded bool

	// PhiloxSeed and PhiloxOffset key the counter-based dropout RNG.
	PhiloxSeed   uint64
	PhiloxOffset uint64

	// Bias is an optional additive score bias of shape
	// (1, headsQ, seqlenQ, seqlenK), broadcast across the batch.
	Bias *tensor.Tensor

	// AlibiSlopes is an optional (batch, headsQ) tensor of ALiBi slopes.
	AlibiSlopes *tensor.Tensor

	// Varlen marks ragged-batch mode: q/k/v are token-packed 3-D tensors
	// and the CuSeqlens arrays delimit the per-context spans.
	Varlen      bool
	CuSeqlensQ  []int32
	CuSeqlensK  []int32
	NumContexts int

	// MaxSeqlenQ and MaxSeqlenK are the longest per-context lengths in
	// varlen mode. In fixed mode CheckArgs fills them from the shapes.
	MaxSeqlenQ int
	MaxSeqlenK int

	// BlockM and BlockN override the forward tile sizes when non-zero.
	// BlockM must be a multiple of BlockN.
	BlockM int
	BlockN int

	// forceMaskAll routes every key block through the masked path. The
	// split into full and masked blocks must be a pure optimization, so
	// tests flip this to check bit-identical output.
	forceMaskAll bool
}

// NewMeta returns a Meta with the given softmax scale and the default
// dropout RNG keys.
func NewMeta(scale float32) *Meta {
	return &Meta{
		Scale:        scale,
		PhiloxSeed:   DefaultPhiloxSeed,
		PhiloxOffset: DefaultPhiloxOffset,
	}
}

// SetVarlen switches the Meta to ragged-batch mode. cuSeqlensQ and cuSeqlensK
// are cumulative token offsets with len == contexts+1, starting at 0 and
// non-decreasing; context i spans tokens [cu[i], cu[i+1]).
func (m *Meta) SetVarlen(cuSeqlensQ, cuSeqlensK []int32) error {
	if len(cuSeqlensQ) < 2 {
		return fmt.Errorf("cu_seqlens_q needs at least 2 entries, got %d", len(cuSeqlensQ))
	}
	if len(cuSeqlensQ) != len(cuSeqlensK) {
		return fmt.Errorf("cu_seqlens length mismatch: q has %d, k has %d", len(cuSeqlensQ), len(cuSeqlensK))
	}
	if cuSeqlensQ[0] != 0 || cuSeqlensK[0] != 0 {
		return fmt.Errorf("cu_seqlens must start at 0, got q[0]=%d k[0]=%d", cuSeqlensQ[0], cuSeqlensK[0])
	}
	maxQ, maxK := 0, 0
	for i := 1; i < len(cuSeqlensQ); i++ {
		lq := int(cuSeqlensQ[i] - cuSeqlensQ[i-1])
		lk := int(cuSeqlensK[i] - cuSeqlensK[i-1])
		if lq < 0 || lk < 0 {
			return fmt.Errorf("cu_seqlens must be non-decreasing (context %d: q len %d, k len %d)", i-1, lq, lk)
		}
		if lq > maxQ {
			maxQ = lq
		}
		if lk > maxK {
			maxK = lk
		}
	}
	m.Varlen = true
	m.CuSeqlensQ = cuSeqlensQ
	m.CuSeqlensK = cuSeqlensK
	m.NumContexts = len(cuSeqlensQ) - 1
	m.MaxSeqlenQ = maxQ
	m.MaxSeqlenK = maxK
	return nil
}

// SetBias attaches an additive score bias. The bias must be
// (1, heads, seqlenQ, seqlenK); the leading 1 broadcasts across the batch.
func (m *Meta) SetBias(bias *tensor.Tensor, seqlenQ, seqlenK int) error {
	if len(bias.Shape()) != 4 {
		return fmt.Errorf("bias must be 4-dimensional, got shape %v", bias.Shape())
	}
	if bias.Dim(0) != 1 {
		return fmt.Errorf("bias batch dimension must be 1 (broadcast), got %d", bias.Dim(0))
	}
	if bias.Dim(2) != seqlenQ || bias.Dim(3) != seqlenK {
		return fmt.Errorf("bias trailing dimensions must be (%d, %d), got (%d, %d)",
			seqlenQ, seqlenK, bias.Dim(2), bias.Dim(3))
	}
	m.Bias = bias
	return nil
}

// SetAlibi attaches per-head ALiBi slopes of shape (batch, heads).
func (m *Meta) SetAlibi(slopes *tensor.Tensor, batch, heads int) error {
	if len(slopes.Shape()) != 2 {
		return fmt.Errorf("alibi slopes must be 2-dimensional, got shape %v", slopes.Shape())
	}
	if slopes.Dim(0) != batch || slopes.Dim(1) != heads {
		return fmt.Errorf("alibi slopes must be (%d, %d), got (%d, %d)",
			batch, heads, slopes.Dim(0), slopes.Dim(1))
	}
	m.AlibiSlopes = slopes
	return nil
}

// SetDropout enables attention dropout with probability p. When
// returnEncoded is set, the forward pass also returns the sign-encoded
// attention weights for verification.
func (m *Meta) SetDropout(p float32, returnEncoded bool) error {
	if p < 0 || p >= 1 {
		return fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	m.DropoutP = p
	m.ReturnEncoded = returnEncoded
	return nil
}

// CheckArgs validates q, k, v against the configuration and fills the derived
// fields (MaxSeqlenQ/K in fixed mode). It must pass before Forward runs.
//
// Fixed mode expects (batch, heads, seqlen, headDim) tensors; varlen mode
// expects token-packed (totalTokens, heads, headDim) tensors.
func (m *Meta) CheckArgs(q, k, v *tensor.Tensor) error {
	if !k.Shape().Equal(v.Shape()) {
		return fmt.Errorf("k and v must have identical shapes: %v vs %v", k.Shape(), v.Shape())
	}
	if len(q.Shape()) != len(k.Shape()) {
		return fmt.Errorf("q and k must have the same rank: %v vs %v", q.Shape(), k.Shape())
	}

	var headsQ, headsK, headDim, headDimK int
	if m.Varlen {
		if len(q.Shape()) != 3 {
			return fmt.Errorf("varlen tensors must be 3-dimensional (totalTokens, heads, headDim), got %v", q.Shape())
		}
		if m.CuSeqlensQ == nil || m.CuSeqlensK == nil {
			return fmt.Errorf("varlen mode requires cu_seqlens arrays (call SetVarlen)")
		}
		if m.Bias != nil {
			return fmt.Errorf("bias is not supported with varlen batches")
		}
		if m.DropoutP > 0 {
			return fmt.Errorf("dropout is not supported with varlen batches")
		}
		if m.ReturnEncoded {
			return fmt.Errorf("encoded attention weights are not supported with varlen batches")
		}
		if got, want := q.Dim(0), int(m.CuSeqlensQ[m.NumContexts]); got != want {
			return fmt.Errorf("q has %d tokens but cu_seqlens_q ends at %d", got, want)
		}
		if got, want := k.Dim(0), int(m.CuSeqlensK[m.NumContexts]); got != want {
			return fmt.Errorf("k has %d tokens but cu_seqlens_k ends at %d", got, want)
		}
		headsQ, headsK = q.Dim(1), k.Dim(1)
		headDim, headDimK = q.Dim(2), k.Dim(2)
	} else {
		if len(q.Shape()) != 4 {
			return fmt.Errorf("fixed-length tensors must be 4-dimensional (batch, heads, seqlen, headDim), got %v", q.Shape())
		}
		if q.Dim(0) != k.Dim(0) {
			return fmt.Errorf("q and k batch sizes differ: %d vs %d", q.Dim(0), k.Dim(0))
		}
		headsQ, headsK = q.Dim(1), k.Dim(1)
		headDim, headDimK = q.Dim(3), k.Dim(3)
		m.MaxSeqlenQ = q.Dim(2)
		m.MaxSeqlenK = k.Dim(2)
	}

	if m.MaxSeqlenQ <= 0 || m.MaxSeqlenK <= 0 {
		return fmt.Errorf("sequence lengths must be positive, got seqlenQ=%d seqlenK=%d", m.MaxSeqlenQ, m.MaxSeqlenK)
	}
	if headDim != headDimK {
		return fmt.Errorf("q and k head dims differ: %d vs %d", headDim, headDimK)
	}
	if headDim <= 0 || headDim > MaxHeadDim {
		return fmt.Errorf("head dim must be in (0, %d], got %d", MaxHeadDim, headDim)
	}
	if headsK <= 0 || headsQ%headsK != 0 {
		return fmt.Errorf("query heads (%d) must be a positive multiple of key/value heads (%d)", headsQ, headsK)
	}

	batch := m.NumContexts
	if !m.Varlen {
		batch = q.Dim(0)
	}
	if m.Bias != nil {
		if m.Bias.Dim(1) != headsQ {
			return fmt.Errorf("bias head dimension must be %d, got %d", headsQ, m.Bias.Dim(1))
		}
		if m.Bias.Dim(2) != m.MaxSeqlenQ || m.Bias.Dim(3) != m.MaxSeqlenK {
			return fmt.Errorf("bias trailing dimensions must be (%d, %d), got (%d, %d)",
				m.MaxSeqlenQ, m.MaxSeqlenK, m.Bias.Dim(2), m.Bias.Dim(3))
		}
	}
	if m.AlibiSlopes != nil {
		if m.AlibiSlopes.Dim(0) != batch || m.AlibiSlopes.Dim(1) != headsQ {
			return fmt.Errorf("alibi slopes must be (%d, %d), got (%d, %d)",
				batch, headsQ, m.AlibiSlopes.Dim(0), m.AlibiSlopes.Dim(1))
		}
	}
	if m.DropoutP < 0 || m.DropoutP >= 1 {
		return fmt.Errorf("dropout probability must be in [0, 1), got %v", m.DropoutP)
	}
	if err := m.blockSizes(); err != nil {
		return err
	}
	return nil
}

// blockSizes validates the tile size overrides without mutating them.
func (m *Meta) blockSizes() error {
	bm, bn := m.BlockM, m.BlockN
	if bm == 0 {
		bm = defaultBlockM
	}
	if bn == 0 {
		bn = defaultBlockN
	}
	if bm <= 0 || bn <= 0 || bm%bn != 0 {
		return fmt.Errorf("block sizes must be positive with blockM a multiple of blockN, got %d/%d", bm, bn)
	}
	return nil
}

// blockM and blockN return the effective tile sizes.
func (m *Meta) blockM() int {
	if m.BlockM > 0 {
		return m.BlockM
	}
	return defaultBlockM
}

func (m *Meta) blockN() int {
	if m.BlockN > 0 {
		return m.BlockN
	}
	return defaultBlockN
}

// kvHead maps a query head to the key/value head that serves it under
// grouped-query attention.
func kvHead(headQ, headsK int) int {
	return headQ % headsK
}
