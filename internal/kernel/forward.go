package kernel

import (
	"math"

	dot "github.com/ajroetker/go-highway/hwy/contrib/vec"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"

	"github.com/fusedml/flashattn/internal/tensor"
)

var posInf = float32(math.Inf(1))

func log2f(x float32) float32 {
	return float32(math.Log2(float64(x)))
}

// fwdKernel carries the geometry and buffers shared by every forward work
// item. It is read-only during the fan-out; work items write disjoint output
// and log-sum-exp row ranges, so no synchronization is needed between tiles.
type fwdKernel struct {
	meta *Meta

	q, k, v, out, lse []float32
	enc               []float32 // nil unless Meta.ReturnEncoded

	qs, ks, vs, os strides

	batch, headsQ, headsK int
	headDim, padDim       int
	blockM, blockN        int
	nQTiles               int

	// qkScale folds the softmax scale with log2(e) so the inner loop works
	// in the base-2 exponent domain.
	qkScale float32
	drop    dropout
}

// Forward runs the tiled attention forward pass.
//
// It returns the attention output (same shape as q), the per-row log-sum-exp
// statistic shaped (batch, headsQ, maxSeqlenQ) in the base-2 score domain,
// and, when meta.ReturnEncoded is set, the block-local attention weights with
// the dropout decision encoded in the sign. pool fans the (query tile, head,
// context) work items out across workers; a nil pool runs them sequentially.
//
// The configuration is validated up front; no tile runs if it is rejected.
func Forward(pool workerpool.Executor, q, k, v *tensor.Tensor, meta *Meta) (out, lse, enc *tensor.Tensor, err error) {
	if err := meta.CheckArgs(q, k, v); err != nil {
		return nil, nil, nil, err
	}

	f := &fwdKernel{
		meta:    meta,
		q:       q.Data(),
		k:       k.Data(),
		v:       v.Data(),
		qs:      tensorStrides(q, meta.Varlen),
		ks:      tensorStrides(k, meta.Varlen),
		vs:      tensorStrides(v, meta.Varlen),
		blockM:  meta.blockM(),
		blockN:  meta.blockN(),
		qkScale: meta.Scale * rcpLn2,
		drop:    newDropout(meta.DropoutP, meta.PhiloxSeed),
	}
	f.headsQ, f.headsK = q.Dim(1), k.Dim(1)
	if meta.Varlen {
		f.batch = meta.NumContexts
		f.headDim = q.Dim(2)
	} else {
		f.batch = q.Dim(0)
		f.headDim = q.Dim(3)
	}
	f.padDim = padHeadDim(f.headDim)
	f.nQTiles = cdiv(meta.MaxSeqlenQ, f.blockM)

	out = tensor.Zeros(q.Shape())
	lse = tensor.Zeros(tensor.Shape{f.batch, f.headsQ, meta.MaxSeqlenQ})
	f.out = out.Data()
	f.lse = lse.Data()
	f.os = tensorStrides(out, meta.Varlen)
	if meta.ReturnEncoded {
		enc = tensor.Zeros(tensor.Shape{f.batch, f.headsQ, meta.MaxSeqlenQ, meta.MaxSeqlenK})
		f.enc = enc.Data()
	}

	total := f.batch * f.headsQ * f.nQTiles
	run := func(idx int) {
		qTile := idx % f.nQTiles
		hz := idx / f.nQTiles
		f.tile(qTile, hz%f.headsQ, hz/f.headsQ)
	}
	if pool != nil {
		pool.ParallelForAtomic(total, run)
	} else {
		for i := 0; i < total; i++ {
			run(i)
		}
	}
	return out, lse, enc, nil
}

// tile computes one (query tile, query head, context) unit of work: it folds
// every visible key block into the online softmax state, then normalizes and
// stores the output rows and their log-sum-exp.
func (f *fwdKernel) tile(qTile, headQ, z int) {
	m := f.meta
	plan := planForwardTile(qTile, headQ, z, m, f.headsK, f.blockM, f.blockN)
	if plan.skip {
		return
	}

	rowStart := qTile * f.blockM
	validRows := min(f.blockM, plan.seqlenQ-rowStart)
	oBase := f.os.base(z, headQ, plan.cuStartQ)
	lseBase := (z*f.headsQ + headQ) * m.MaxSeqlenQ

	state := newOnlineSoftmax(f.blockM, f.padDim)
	if plan.earlyExit {
		// Every row of this tile sits above the causal boundary and can
		// attend to nothing: zero output, +Inf log-sum-exp, no GEMMs.
		storeTile(f.out, oBase, f.os, state.acc, rowStart, validRows, plan.seqlenQ, f.headDim, f.padDim)
		for r := 0; r < validRows; r++ {
			f.lse[lseBase+rowStart+r] = posInf
		}
		return
	}

	qtile := make([]float32, f.blockM*f.padDim)
	loadTile(qtile, f.q, f.qs.base(z, headQ, plan.cuStartQ), f.qs, rowStart, f.blockM, plan.seqlenQ, f.headDim, f.padDim)
	scaleRows(qtile, f.blockM, f.headDim, f.padDim, f.qkScale)

	ktile := make([]float32, f.blockN*f.padDim)
	vtile := make([]float32, f.blockN*f.padDim)
	scores := make([]float32, f.blockM*f.blockN)
	kBase := f.ks.base(z, plan.headKV, plan.cuStartK)
	vBase := f.vs.base(z, plan.headKV, plan.cuStartK)

	var keep []bool
	var philoxBase uint64
	if m.DropoutP > 0 {
		keep = make([]bool, f.blockM*f.blockN)
		philoxBase = dropoutHeadOffset(m.PhiloxOffset, z, headQ, f.headsQ, plan.seqlenQ, plan.seqlenK)
	}
	var biasData []float32
	var biasBase int
	if m.Bias != nil {
		biasData = m.Bias.Data()
		biasBase = headQ * plan.seqlenQ * plan.seqlenK
	}
	var alibiSlope float32
	useAlibi := m.AlibiSlopes != nil
	if useAlibi {
		alibiSlope = m.AlibiSlopes.At(z, headQ)
	}

	for b := 0; b < plan.nBlocks; b++ {
		colStart := b * f.blockN
		loadTile(ktile, f.k, kBase, f.ks, colStart, f.blockN, plan.seqlenK, f.headDim, f.padDim)
		loadTile(vtile, f.v, vBase, f.vs, colStart, f.blockN, plan.seqlenK, f.headDim, f.padDim)

		for r := 0; r < f.blockM; r++ {
			qrow := qtile[r*f.padDim : (r+1)*f.padDim]
			srow := scores[r*f.blockN : (r+1)*f.blockN]
			for c := 0; c < f.blockN; c++ {
				srow[c] = dot.Dot(qrow, ktile[c*f.padDim:(c+1)*f.padDim])
			}
		}

		// Full blocks skip both tests: the planner proved every position
		// visible. Bias, ALiBi and dropout still apply there.
		if b >= plan.fullBlocks {
			if b == plan.nBlocks-1 && plan.nExtraTokens != 0 {
				maskBoundary(scores, f.blockM, f.blockN, colStart, plan.seqlenK)
			}
			if m.Causal {
				maskCausal(scores, f.blockM, f.blockN, rowStart, colStart, plan.seqlenQ, plan.seqlenK)
			}
		}
		if biasData != nil {
			addBias(scores, f.blockM, f.blockN, biasData, biasBase, plan.seqlenK, rowStart, colStart, plan.seqlenQ, plan.seqlenK)
		}
		if useAlibi {
			addAlibi(scores, f.blockM, f.blockN, rowStart, colStart, plan.seqlenQ, plan.seqlenK, alibiSlope)
		}
		if keep != nil {
			for r := 0; r < f.blockM; r++ {
				g := rowStart + r
				for c := 0; c < f.blockN; c++ {
					keep[r*f.blockN+c] = f.drop.keep(philoxBase, g, colStart+c, plan.seqlenK)
				}
			}
		}

		var et *encTile
		if f.enc != nil {
			et = &encTile{
				buf:       f.enc,
				base:      ((z*f.headsQ+headQ)*plan.seqlenQ+rowStart)*plan.seqlenK + colStart,
				rowStride: plan.seqlenK,
				rows:      validRows,
				cols:      min(f.blockN, plan.seqlenK-colStart),
			}
		}
		state.update(scores, f.blockN, vtile, keep, et)
	}

	// Epilogue: normalize by the true row sum (and inverse dropout scale),
	// resolve causally empty rows, persist L and O for the real rows only.
	causalStart := plan.seqlenQ - plan.seqlenK
	for r := 0; r < validRows; r++ {
		g := rowStart + r
		accRow := state.acc[r*f.padDim : (r+1)*f.padDim]
		if m.Causal && g < causalStart {
			// The row's causal window is empty, so the accumulator holds
			// NaN from exp2(-Inf - -Inf). Resolve to zero output and +Inf
			// log-sum-exp so backward recomputes zero probabilities.
			clear(accRow)
			f.lse[lseBase+g] = posInf
			continue
		}
		inv := 1 / state.l[r]
		if m.DropoutP > 0 {
			inv *= f.drop.scale
		}
		for d := range accRow {
			accRow[d] *= inv
		}
		f.lse[lseBase+g] = state.m[r] + log2f(state.l[r])
	}
	storeTile(f.out, oBase, f.os, state.acc, rowStart, validRows, plan.seqlenQ, f.headDim, f.padDim)
}
