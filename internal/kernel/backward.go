package kernel

import (
	"fmt"

	dot "github.com/ajroetker/go-highway/hwy/contrib/vec"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"

	"github.com/fusedml/flashattn/internal/tensor"
)

// bwdKernel carries the geometry shared by the backward work items. Like the
// forward launch it is read-only during fan-outs; dK/dV tiles are owned by
// (key tile, KV head, batch) work items and dQ tiles by (query tile, query
// head, batch) work items, so the two sweeps never contend on a row.
type bwdKernel struct {
	meta *Meta

	q, k, v, do, lse, delta []float32
	dq, dk, dv              []float32

	qs, ks, vs strides

	batch, headsQ, headsK int
	seqlenQ, seqlenK      int
	headDim, padDim       int
	blockM, blockN        int

	qkScale float32
	drop    dropout
	causal  bool
	useDrop bool
}

// Backward computes the query, key and value gradients from the forward
// pass's output, upstream gradient and log-sum-exp statistic. The attention
// probabilities are recomputed tile by tile from lse rather than stored, so
// memory stays linear in sequence length.
//
// Fixed-length batches only: varlen, bias and ALiBi configurations are
// rejected. Dropout is replayed exactly from the seed and offset in meta.
// pool fans the work items out across workers; nil runs them sequentially.
func Backward(pool workerpool.Executor, q, k, v, out, dout, lse *tensor.Tensor, meta *Meta) (dq, dk, dv *tensor.Tensor, err error) {
	if err := checkBackwardArgs(q, k, v, out, dout, lse, meta); err != nil {
		return nil, nil, nil, err
	}

	b := &bwdKernel{
		meta:    meta,
		q:       q.Data(),
		k:       k.Data(),
		v:       v.Data(),
		do:      dout.Data(),
		lse:     lse.Data(),
		qs:      tensorStrides(q, false),
		ks:      tensorStrides(k, false),
		vs:      tensorStrides(v, false),
		batch:   q.Dim(0),
		headsQ:  q.Dim(1),
		headsK:  k.Dim(1),
		seqlenQ: q.Dim(2),
		seqlenK: k.Dim(2),
		headDim: q.Dim(3),
		blockM:  meta.blockM(),
		blockN:  meta.blockN(),
		qkScale: meta.Scale * rcpLn2,
		drop:    newDropout(meta.DropoutP, meta.PhiloxSeed),
		causal:  meta.Causal,
		useDrop: meta.DropoutP > 0,
	}
	b.padDim = padHeadDim(b.headDim)

	dq = tensor.Zeros(q.Shape())
	dk = tensor.Zeros(k.Shape())
	dv = tensor.Zeros(v.Shape())
	delta := tensor.Zeros(lse.Shape())
	b.dq = dq.Data()
	b.dk = dk.Data()
	b.dv = dv.Data()
	b.delta = delta.Data()

	// Stage 1: delta[z,h,m] = dot(out row, dout row), consumed by both
	// gradient sweeps. Independent of the tiling below.
	b.preprocess(pool, out.Data())

	nKTiles := cdiv(b.seqlenK, b.blockN)
	totalKV := b.batch * b.headsK * nKTiles
	runKV := func(idx int) {
		kTile := idx % nKTiles
		hz := idx / nKTiles
		b.dkdvTile(kTile, hz%b.headsK, hz/b.headsK)
	}
	nQTiles := cdiv(b.seqlenQ, b.blockM)
	totalQ := b.batch * b.headsQ * nQTiles
	runQ := func(idx int) {
		qTile := idx % nQTiles
		hz := idx / nQTiles
		b.dqTile(qTile, hz%b.headsQ, hz/b.headsQ)
	}
	if pool != nil {
		pool.ParallelForAtomic(totalKV, runKV)
		pool.ParallelForAtomic(totalQ, runQ)
	} else {
		for i := 0; i < totalKV; i++ {
			runKV(i)
		}
		for i := 0; i < totalQ; i++ {
			runQ(i)
		}
	}
	return dq, dk, dv, nil
}

func checkBackwardArgs(q, k, v, out, dout, lse *tensor.Tensor, m *Meta) error {
	if err := m.CheckArgs(q, k, v); err != nil {
		return err
	}
	if m.Varlen {
		return fmt.Errorf("backward does not support varlen batches")
	}
	if m.Bias != nil {
		return fmt.Errorf("backward does not support an additive bias")
	}
	if m.AlibiSlopes != nil {
		return fmt.Errorf("backward does not support alibi slopes")
	}
	if !out.Shape().Equal(q.Shape()) {
		return fmt.Errorf("out shape %v does not match q shape %v", out.Shape(), q.Shape())
	}
	if !dout.Shape().Equal(q.Shape()) {
		return fmt.Errorf("dout shape %v does not match q shape %v", dout.Shape(), q.Shape())
	}
	want := tensor.Shape{q.Dim(0), q.Dim(1), q.Dim(2)}
	if !lse.Shape().Equal(want) {
		return fmt.Errorf("lse shape %v does not match %v", lse.Shape(), want)
	}
	return nil
}

// preprocess fills delta with the per-row inner product of the output and
// its upstream gradient, fanned out per (context, query head) plane.
func (b *bwdKernel) preprocess(pool workerpool.Executor, out []float32) {
	total := b.batch * b.headsQ
	run := func(idx int) {
		z, h := idx/b.headsQ, idx%b.headsQ
		base := b.qs.base(z, h, 0)
		dst := b.delta[(z*b.headsQ+h)*b.seqlenQ:]
		for g := 0; g < b.seqlenQ; g++ {
			off := base + g*b.qs.m
			dst[g] = dot.Dot(out[off:off+b.headDim], b.do[off:off+b.headDim])
		}
	}
	if pool != nil {
		pool.ParallelForAtomic(total, run)
	} else {
		for i := 0; i < total; i++ {
			run(i)
		}
	}
}

// dkdvTile accumulates dK and dV for one key/value tile. The work item owns
// those gradient rows exclusively: under grouped-query attention every query
// head sharing this KV head is folded here rather than in parallel.
func (b *bwdKernel) dkdvTile(kTile, headKV, z int) {
	colStart := kTile * b.blockN
	cols := min(b.blockN, b.seqlenK-colStart)
	kBase := b.ks.base(z, headKV, 0)
	vBase := b.vs.base(z, headKV, 0)

	// K is pre-scaled into the base-2 domain once; Q rows stay raw so the
	// dK accumulation can reuse them, with the softmax scale applied at
	// the end instead.
	k2 := make([]float32, b.blockN*b.padDim)
	vt := make([]float32, b.blockN*b.padDim)
	loadTile(k2, b.k, kBase, b.ks, colStart, b.blockN, b.seqlenK, b.headDim, b.padDim)
	scaleRows(k2, b.blockN, b.headDim, b.padDim, b.qkScale)
	loadTile(vt, b.v, vBase, b.vs, colStart, b.blockN, b.seqlenK, b.headDim, b.padDim)

	dkAcc := make([]float32, b.blockN*b.padDim)
	dvAcc := make([]float32, b.blockN*b.padDim)

	group := b.headsQ / b.headsK
	for gq := 0; gq < group; gq++ {
		headQ := gq*b.headsK + headKV
		qBase := b.qs.base(z, headQ, 0)
		lseBase := (z*b.headsQ + headQ) * b.seqlenQ
		var philoxBase uint64
		if b.useDrop {
			philoxBase = dropoutHeadOffset(b.meta.PhiloxOffset, z, headQ, b.headsQ, b.seqlenQ, b.seqlenK)
		}

		qLo := 0
		if b.causal {
			// First query row that can see this tile's columns, rounded
			// down to a block boundary.
			qLo = max(0, colStart+b.seqlenQ-b.seqlenK)
			qLo -= qLo % b.blockM
		}
		for qStart := qLo; qStart < b.seqlenQ; qStart += b.blockM {
			rows := min(b.blockM, b.seqlenQ-qStart)
			for r := 0; r < rows; r++ {
				gRow := qStart + r
				qOff := qBase + gRow*b.qs.m
				qrow := b.q[qOff : qOff+b.headDim]
				dorow := b.do[qOff : qOff+b.headDim]
				l := b.lse[lseBase+gRow]
				di := b.delta[lseBase+gRow]

				visible := cols
				if b.causal {
					visible = min(cols, gRow+b.seqlenK-b.seqlenQ-colStart+1)
					if visible <= 0 {
						continue
					}
				}
				for c := 0; c < visible; c++ {
					p := exp2f(dot.Dot(qrow, k2[c*b.padDim:(c+1)*b.padDim]) - l)
					if p == 0 {
						continue
					}
					pd := p
					dp := dot.Dot(dorow, vt[c*b.padDim:(c+1)*b.padDim])
					if b.useDrop {
						if b.drop.keep(philoxBase, gRow, colStart+c, b.seqlenK) {
							pd *= b.drop.scale
							dp *= b.drop.scale
						} else {
							pd = 0
							dp = 0
						}
					}
					if pd != 0 {
						dvRow := dvAcc[c*b.padDim : c*b.padDim+b.headDim]
						for d := range dvRow {
							dvRow[d] += pd * dorow[d]
						}
					}
					// Dropped positions still contribute -p*delta here.
					ds := p * (dp - di)
					if ds != 0 {
						dkRow := dkAcc[c*b.padDim : c*b.padDim+b.headDim]
						for d := range dkRow {
							dkRow[d] += ds * qrow[d]
						}
					}
				}
			}
		}
	}

	scaleRows(dkAcc, b.blockN, b.headDim, b.padDim, b.meta.Scale)
	storeTile(b.dk, kBase, b.ks, dkAcc, colStart, cols, b.seqlenK, b.headDim, b.padDim)
	storeTile(b.dv, vBase, b.vs, dvAcc, colStart, cols, b.seqlenK, b.headDim, b.padDim)
}

// dqTile accumulates dQ for one query tile by sweeping the key blocks its
// rows can attend to. Here Q is pre-scaled and K stays raw.
func (b *bwdKernel) dqTile(qTile, headQ, z int) {
	rowStart := qTile * b.blockM
	rows := min(b.blockM, b.seqlenQ-rowStart)
	headKV := kvHead(headQ, b.headsK)
	qBase := b.qs.base(z, headQ, 0)
	lseBase := (z*b.headsQ + headQ) * b.seqlenQ

	hi := b.seqlenK
	if b.causal {
		// Last key column visible to the tile's last row, exclusive.
		hi = min(rowStart+b.blockM+b.seqlenK-b.seqlenQ, b.seqlenK)
	}

	dqAcc := make([]float32, b.blockM*b.padDim)
	if hi > 0 {
		q2 := make([]float32, b.blockM*b.padDim)
		loadTile(q2, b.q, qBase, b.qs, rowStart, b.blockM, b.seqlenQ, b.headDim, b.padDim)
		scaleRows(q2, b.blockM, b.headDim, b.padDim, b.qkScale)

		kt := make([]float32, b.blockN*b.padDim)
		vt := make([]float32, b.blockN*b.padDim)
		kBase := b.ks.base(z, headKV, 0)
		vBase := b.vs.base(z, headKV, 0)
		var philoxBase uint64
		if b.useDrop {
			philoxBase = dropoutHeadOffset(b.meta.PhiloxOffset, z, headQ, b.headsQ, b.seqlenQ, b.seqlenK)
		}

		for colStart := 0; colStart < hi; colStart += b.blockN {
			cols := min(b.blockN, b.seqlenK-colStart)
			loadTile(kt, b.k, kBase, b.ks, colStart, b.blockN, b.seqlenK, b.headDim, b.padDim)
			loadTile(vt, b.v, vBase, b.vs, colStart, b.blockN, b.seqlenK, b.headDim, b.padDim)

			for r := 0; r < rows; r++ {
				gRow := rowStart + r
				qOff := qBase + gRow*b.qs.m
				dorow := b.do[qOff : qOff+b.headDim]
				q2row := q2[r*b.padDim : (r+1)*b.padDim]
				dqRow := dqAcc[r*b.padDim : r*b.padDim+b.headDim]
				l := b.lse[lseBase+gRow]
				di := b.delta[lseBase+gRow]

				visible := cols
				if b.causal {
					visible = min(cols, gRow+b.seqlenK-b.seqlenQ-colStart+1)
					if visible <= 0 {
						continue
					}
				}
				for c := 0; c < visible; c++ {
					p := exp2f(dot.Dot(q2row, kt[c*b.padDim:(c+1)*b.padDim]) - l)
					if p == 0 {
						continue
					}
					dp := dot.Dot(dorow, vt[c*b.padDim:(c+1)*b.padDim])
					if b.useDrop {
						if b.drop.keep(philoxBase, gRow, colStart+c, b.seqlenK) {
							dp *= b.drop.scale
						} else {
							dp = 0
						}
					}
					ds := p * (dp - di)
					if ds == 0 {
						continue
					}
					krow := kt[c*b.padDim : c*b.padDim+b.headDim]
					for d := range dqRow {
						dqRow[d] += ds * krow[d]
					}
				}
			}
		}
	}
	scaleRows(dqAcc, b.blockM, b.headDim, b.padDim, b.meta.Scale)
	storeTile(b.dq, qBase, b.qs, dqAcc, rowStart, rows, b.seqlenQ, b.headDim, b.padDim)
}
