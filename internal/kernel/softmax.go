package kernel

import "math"

// rcpLn2 is log2(e). Folding it into the softmax scale moves all score
// arithmetic into the base-2 exponent domain, so the kernels use exp2/log2
// throughout. Additive terms entering the scores (bias, ALiBi) must be
// multiplied by it as well.
const rcpLn2 = 1.4426950408889634

var negInf = float32(math.Inf(-1))

func exp2f(x float32) float32 {
	return float32(math.Exp2(float64(x)))
}

// onlineSoftmax tracks the running softmax state of one query tile: per-row
// maxima m, normalizers l, and the unnormalized output accumulator acc.
//
// m starts at -Inf and l at 1; the first block with a finite score rescales l
// by exp2(-Inf) = 0, erasing the initial value. A row that never sees a finite
// score turns l and acc into NaN, which the forward epilogue resolves.
type onlineSoftmax struct {
	blockM, dim int
	m           []float32
	l           []float32
	acc         []float32 // blockM x dim
}

func newOnlineSoftmax(blockM, dim int) *onlineSoftmax {
	s := &onlineSoftmax{
		blockM: blockM,
		dim:    dim,
		m:      make([]float32, blockM),
		l:      make([]float32, blockM),
		acc:    make([]float32, blockM*dim),
	}
	s.reset()
	return s
}

func (s *onlineSoftmax) reset() {
	for i := range s.m {
		s.m[i] = negInf
		s.l[i] = 1
	}
	clear(s.acc)
}

// encTile addresses the window of the encoded-weights buffer that one key
// block writes. rows and cols bound the valid extent.
type encTile struct {
	buf        []float32
	base       int
	rowStride  int
	rows, cols int
}

// update folds one key block into the running state.
//
// scores is blockM x width holding base-2 domain logits; it is overwritten
// with the block's probabilities (zeroed where dropped). v holds width x dim
// value rows. keep, when non-nil, is the dropout mask; row normalizers are
// summed before it applies, matching inverted dropout where the output is
// rescaled rather than the distribution. enc, when non-nil, receives the
// probabilities with dropped entries sign-flipped.
func (s *onlineSoftmax) update(scores []float32, width int, v []float32, keep []bool, enc *encTile) {
	for r := 0; r < s.blockM; r++ {
		row := scores[r*width : (r+1)*width]

		rowMax := negInf
		for _, x := range row {
			if x > rowMax {
				rowMax = x
			}
		}
		mNew := s.m[r]
		if rowMax > mNew {
			mNew = rowMax
		}

		var lij float32
		for c, x := range row {
			p := exp2f(x - mNew)
			row[c] = p
			lij += p
		}

		if enc != nil && r < enc.rows {
			erow := enc.buf[enc.base+r*enc.rowStride:]
			if keep != nil {
				for c := 0; c < enc.cols; c++ {
					if keep[r*width+c] {
						erow[c] = row[c]
					} else {
						erow[c] = -row[c]
					}
				}
			} else {
				copy(erow[:enc.cols], row[:enc.cols])
			}
		}
		if keep != nil {
			for c := range row {
				if !keep[r*width+c] {
					row[c] = 0
				}
			}
		}

		alpha := exp2f(s.m[r] - mNew)
		accRow := s.acc[r*s.dim : (r+1)*s.dim]
		if alpha != 1 {
			for d := range accRow {
				accRow[d] *= alpha
			}
		}
		for c, p := range row {
			if p == 0 {
				continue
			}
			vRow := v[c*s.dim : (c+1)*s.dim]
			for d := range accRow {
				accRow[d] += p * vRow[d]
			}
		}

		s.l[r] = s.l[r]*alpha + lij
		s.m[r] = mNew
	}
}

// maskBoundary forces score columns at or past seqlenK to -Inf. colStart is
// the global column of the block's first lane.
func maskBoundary(scores []float32, rows, width, colStart, seqlenK int) {
	first := seqlenK - colStart
	if first < 0 {
		first = 0
	}
	if first >= width {
		return
	}
	for r := 0; r < rows; r++ {
		row := scores[r*width : (r+1)*width]
		for c := first; c < width; c++ {
			row[c] = negInf
		}
	}
}

// maskCausal enforces the bottom-right-aligned causal window: row g keeps
// column c iff c <= g + seqlenK - seqlenQ.
func maskCausal(scores []float32, rows, width, rowStart, colStart, seqlenQ, seqlenK int) {
	for r := 0; r < rows; r++ {
		first := rowStart + r + seqlenK - seqlenQ + 1 - colStart
		if first < 0 {
			first = 0
		}
		if first >= width {
			continue
		}
		row := scores[r*width : (r+1)*width]
		for c := first; c < width; c++ {
			row[c] = negInf
		}
	}
}

// addBias adds one block of the additive score bias, converted to the base-2
// domain. base addresses the (head) plane; rows past seqlenQ and columns past
// seqlenK are skipped.
func addBias(scores []float32, rows, width int, bias []float32, base, rowStride, rowStart, colStart, seqlenQ, seqlenK int) {
	cols := seqlenK - colStart
	if cols > width {
		cols = width
	}
	for r := 0; r < rows; r++ {
		g := rowStart + r
		if g >= seqlenQ {
			continue
		}
		brow := bias[base+g*rowStride+colStart:]
		row := scores[r*width : (r+1)*width]
		for c := 0; c < cols; c++ {
			row[c] += brow[c] * rcpLn2
		}
	}
}

// addAlibi adds the ALiBi penalty -slope * |row + seqlenK - col - seqlenQ|
// for one block, converted to the base-2 domain. The distance is measured
// against the bottom-right-aligned diagonal.
func addAlibi(scores []float32, rows, width, rowStart, colStart, seqlenQ, seqlenK int, slope float32) {
	cols := seqlenK - colStart
	if cols > width {
		cols = width
	}
	for r := 0; r < rows; r++ {
		g := rowStart + r
		if g >= seqlenQ {
			continue
		}
		row := scores[r*width : (r+1)*width]
		for c := 0; c < cols; c++ {
			rel := g + seqlenK - (colStart + c) - seqlenQ
			if rel < 0 {
				rel = -rel
			}
			row[c] -= slope * float32(rel) * rcpLn2
		}
	}
}
