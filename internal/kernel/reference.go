package kernel

import (
	"fmt"
	"math"

	dot "github.com/ajroetker/go-highway/hwy/contrib/vec"

	"github.com/fusedml/flashattn/internal/tensor"
)

// Reference computes attention by materializing every score row densely.
// It mirrors Forward's semantics exactly, including bottom-right-aligned
// causal masking, additive bias, ALiBi, grouped-query head mapping, varlen
// batches and the counter-based dropout replay, but works in the natural
// exponent domain with O(seqlenK) memory per row. The tiled kernels are
// validated against it.
func Reference(q, k, v *tensor.Tensor, meta *Meta) (*tensor.Tensor, error) {
	if err := meta.CheckArgs(q, k, v); err != nil {
		return nil, err
	}

	r := newRefAttention(q, k, v, meta)
	out := tensor.Zeros(q.Shape())
	r.out = out.Data()
	r.os = tensorStrides(out, meta.Varlen)

	for z := 0; z < r.batch; z++ {
		for h := 0; h < r.headsQ; h++ {
			r.forwardPlane(z, h)
		}
	}
	return out, nil
}

// ReferenceGrads computes dQ, dK and dV densely from the analytic softmax
// backward. Varlen batches are rejected, matching Backward; bias and ALiBi
// are folded into the scores, so their presence only changes the attention
// weights, not the formulas.
func ReferenceGrads(q, k, v, dout *tensor.Tensor, meta *Meta) (dq, dk, dv *tensor.Tensor, err error) {
	if err := meta.CheckArgs(q, k, v); err != nil {
		return nil, nil, nil, err
	}
	if meta.Varlen {
		return nil, nil, nil, fmt.Errorf("reference gradients do not support varlen batches")
	}
	if !dout.Shape().Equal(q.Shape()) {
		return nil, nil, nil, fmt.Errorf("dout shape %v does not match q shape %v", dout.Shape(), q.Shape())
	}

	r := newRefAttention(q, k, v, meta)
	r.do = dout.Data()
	dq = tensor.Zeros(q.Shape())
	dk = tensor.Zeros(k.Shape())
	dv = tensor.Zeros(v.Shape())
	r.dq = dq.Data()
	r.dk = dk.Data()
	r.dv = dv.Data()

	for z := 0; z < r.batch; z++ {
		for h := 0; h < r.headsQ; h++ {
			r.backwardPlane(z, h)
		}
	}
	return dq, dk, dv, nil
}

// refAttention walks one (batch, query head) plane at a time with dense
// per-row score buffers.
type refAttention struct {
	meta *Meta

	q, k, v, out, do []float32
	dq, dk, dv       []float32

	qs, ks, vs, os strides

	batch, headsQ, headsK, headDim int
	drop                           dropout
}

func newRefAttention(q, k, v *tensor.Tensor, meta *Meta) *refAttention {
	r := &refAttention{
		meta:   meta,
		q:      q.Data(),
		k:      k.Data(),
		v:      v.Data(),
		qs:     tensorStrides(q, meta.Varlen),
		ks:     tensorStrides(k, meta.Varlen),
		vs:     tensorStrides(v, meta.Varlen),
		headsQ: q.Dim(1),
		headsK: k.Dim(1),
		drop:   newDropout(meta.DropoutP, meta.PhiloxSeed),
	}
	if meta.Varlen {
		r.batch = meta.NumContexts
		r.headDim = q.Dim(2)
	} else {
		r.batch = q.Dim(0)
		r.headDim = q.Dim(3)
	}
	return r
}

// geometry resolves the per-context lengths and token offsets for a plane.
func (r *refAttention) geometry(z int) (seqlenQ, seqlenK, cuStartQ, cuStartK int) {
	m := r.meta
	if m.Varlen {
		cuStartQ = int(m.CuSeqlensQ[z])
		cuStartK = int(m.CuSeqlensK[z])
		return int(m.CuSeqlensQ[z+1]) - cuStartQ, int(m.CuSeqlensK[z+1]) - cuStartK, cuStartQ, cuStartK
	}
	return m.MaxSeqlenQ, m.MaxSeqlenK, 0, 0
}

// scoreRow fills scores with the natural-domain logits of query row g:
// scale*q.k plus bias and ALiBi, with -Inf where the causal window excludes
// a column. Returns false when the row's window is empty.
func (r *refAttention) scoreRow(scores []float32, qrow []float32, kBase int, g, z, h, seqlenQ, seqlenK int) bool {
	m := r.meta
	visible := seqlenK
	if m.Causal {
		visible = g + seqlenK - seqlenQ + 1
		if visible > seqlenK {
			visible = seqlenK
		}
		if visible <= 0 {
			return false
		}
	}
	var biasRow []float32
	if m.Bias != nil {
		bd := m.Bias.Data()
		base := (h*seqlenQ + g) * seqlenK
		biasRow = bd[base : base+seqlenK]
	}
	var slope float32
	if m.AlibiSlopes != nil {
		slope = m.AlibiSlopes.At(z, h)
	}
	for j := 0; j < seqlenK; j++ {
		if j >= visible {
			scores[j] = negInf
			continue
		}
		s := m.Scale * dot.Dot(qrow, r.k[kBase+j*r.ks.m:kBase+j*r.ks.m+r.headDim])
		if biasRow != nil {
			s += biasRow[j]
		}
		if m.AlibiSlopes != nil {
			rel := g + seqlenK - seqlenQ - j
			if rel < 0 {
				rel = -rel
			}
			s -= slope * float32(rel)
		}
		scores[j] = s
	}
	return true
}

// softmaxRow converts logits to weights in place, max-subtracted for
// stability. Matches the tiled kernels' exp2 arithmetic within rounding.
func softmaxRow(scores []float32) {
	rowMax := negInf
	for _, s := range scores {
		if s > rowMax {
			rowMax = s
		}
	}
	var sum float32
	for j, s := range scores {
		p := float32(math.Exp(float64(s - rowMax)))
		scores[j] = p
		sum += p
	}
	inv := 1 / sum
	for j := range scores {
		scores[j] *= inv
	}
}

func (r *refAttention) forwardPlane(z, h int) {
	seqlenQ, seqlenK, cuStartQ, cuStartK := r.geometry(z)
	headKV := kvHead(h, r.headsK)
	qBase := r.qs.base(z, h, cuStartQ)
	kBase := r.ks.base(z, headKV, cuStartK)
	vBase := r.vs.base(z, headKV, cuStartK)
	oBase := r.os.base(z, h, cuStartQ)

	m := r.meta
	scores := make([]float32, seqlenK)
	var philoxBase uint64
	if m.DropoutP > 0 {
		philoxBase = dropoutHeadOffset(m.PhiloxOffset, z, h, r.headsQ, seqlenQ, seqlenK)
	}

	for g := 0; g < seqlenQ; g++ {
		qrow := r.q[qBase+g*r.qs.m : qBase+g*r.qs.m+r.headDim]
		orow := r.out[oBase+g*r.os.m : oBase+g*r.os.m+r.headDim]
		if !r.scoreRow(scores, qrow, kBase, g, z, h, seqlenQ, seqlenK) {
			// Causally empty row: all-zero output, same as the kernel's
			// NaN fix.
			clear(orow)
			continue
		}
		softmaxRow(scores)
		if m.DropoutP > 0 {
			for j := range scores {
				if r.drop.keep(philoxBase, g, j, seqlenK) {
					scores[j] *= r.drop.scale
				} else {
					scores[j] = 0
				}
			}
		}
		clear(orow)
		for j, w := range scores {
			if w == 0 {
				continue
			}
			vrow := r.v[vBase+j*r.vs.m : vBase+j*r.vs.m+r.headDim]
			for d := range orow {
				orow[d] += w * vrow[d]
			}
		}
	}
}

func (r *refAttention) backwardPlane(z, h int) {
	seqlenQ, seqlenK, _, _ := r.geometry(z)
	headKV := kvHead(h, r.headsK)
	qBase := r.qs.base(z, h, 0)
	kBase := r.ks.base(z, headKV, 0)
	vBase := r.vs.base(z, headKV, 0)

	m := r.meta
	p := make([]float32, seqlenK)
	dpd := make([]float32, seqlenK)
	var philoxBase uint64
	if m.DropoutP > 0 {
		philoxBase = dropoutHeadOffset(m.PhiloxOffset, z, h, r.headsQ, seqlenQ, seqlenK)
	}

	for g := 0; g < seqlenQ; g++ {
		qrow := r.q[qBase+g*r.qs.m : qBase+g*r.qs.m+r.headDim]
		dorow := r.do[qBase+g*r.qs.m : qBase+g*r.qs.m+r.headDim]
		if !r.scoreRow(p, qrow, kBase, g, z, h, seqlenQ, seqlenK) {
			continue // zero gradient rows, dq already zeroed
		}
		softmaxRow(p)

		// dpd is the upstream gradient of the (dropout-applied) weights;
		// pd*do accumulates into dV.
		for j := 0; j < seqlenK; j++ {
			if p[j] == 0 {
				dpd[j] = 0
				continue
			}
			pd := p[j]
			dp := dot.Dot(dorow, r.v[vBase+j*r.vs.m:vBase+j*r.vs.m+r.headDim])
			if m.DropoutP > 0 {
				if r.drop.keep(philoxBase, g, j, seqlenK) {
					pd *= r.drop.scale
					dp *= r.drop.scale
				} else {
					pd = 0
					dp = 0
				}
			}
			dpd[j] = dp
			if pd != 0 {
				dvRow := r.dv[vBase+j*r.vs.m : vBase+j*r.vs.m+r.headDim]
				for d := range dvRow {
					dvRow[d] += pd * dorow[d]
				}
			}
		}

		// delta = sum_j p_j * dpd_j, identical to dot(out row, dout row).
		var delta float32
		for j := range p {
			delta += p[j] * dpd[j]
		}

		dqRow := r.dq[qBase+g*r.qs.m : qBase+g*r.qs.m+r.headDim]
		for j := 0; j < seqlenK; j++ {
			ds := p[j] * (dpd[j] - delta)
			if ds == 0 {
				continue
			}
			ds *= m.Scale
			krow := r.k[kBase+j*r.ks.m : kBase+j*r.ks.m+r.headDim]
			dkRow := r.dk[kBase+j*r.ks.m : kBase+j*r.ks.m+r.headDim]
			for d := 0; d < r.headDim; d++ {
				dqRow[d] += ds * krow[d]
				dkRow[d] += ds * qrow[d]
			}
		}
	}
}
