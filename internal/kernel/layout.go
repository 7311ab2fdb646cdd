package kernel

import "github.com/fusedml/flashattn/internal/tensor"

// strides addresses one attention tensor as (batch z, head h, token m, lane d).
// In varlen mode the batch stride is zero: contexts are located through the
// cumulative sequence offsets applied to the token stride instead.
type strides struct {
	z, h, m, d int
}

// tensorStrides derives the stride quad from a dense tensor.
// Fixed mode lays tensors out as (batch, heads, seqlen, headDim);
// varlen mode as token-packed (totalTokens, heads, headDim).
func tensorStrides(t *tensor.Tensor, varlen bool) strides {
	s := t.Strides()
	if varlen {
		return strides{z: 0, h: s[1], m: s[0], d: s[2]}
	}
	return strides{z: s[0], h: s[1], m: s[2], d: s[3]}
}

// base returns the flat offset of token 0, lane 0 for one (batch, head) plane.
// tokStart shifts the plane to the start of a varlen context.
func (s strides) base(z, h, tokStart int) int {
	return z*s.z + h*s.h + tokStart*s.m
}

// padHeadDim rounds the head dimension up to the tile width the kernels
// compute at. Lanes past the real head dimension are zero-filled on load and
// never stored back.
func padHeadDim(headDim int) int {
	switch {
	case headDim <= 32:
		return 32
	case headDim <= 64:
		return 64
	case headDim <= 128:
		return 128
	default:
		return 256
	}
}

// loadTile copies tileRows rows starting at rowStart from a (seqlen, headDim)
// plane into dst, laid out tileRows x padDim. Rows at or past seqlen and lanes
// at or past headDim are zeroed, mirroring a boundary-checked zero-padding
// load.
func loadTile(dst, src []float32, base int, st strides, rowStart, tileRows, seqlen, headDim, padDim int) {
	for r := 0; r < tileRows; r++ {
		drow := dst[r*padDim : (r+1)*padDim]
		g := rowStart + r
		if g >= seqlen {
			clear(drow)
			continue
		}
		off := base + g*st.m
		if st.d == 1 {
			copy(drow[:headDim], src[off:off+headDim])
		} else {
			for d := 0; d < headDim; d++ {
				drow[d] = src[off+d*st.d]
			}
		}
		clear(drow[headDim:])
	}
}

// storeTile writes tileRows rows of src (tileRows x padDim) back to the plane,
// skipping rows past seqlen and lanes past headDim.
func storeTile(dst []float32, base int, st strides, src []float32, rowStart, tileRows, seqlen, headDim, padDim int) {
	for r := 0; r < tileRows; r++ {
		g := rowStart + r
		if g >= seqlen {
			continue
		}
		srow := src[r*padDim : r*padDim+headDim]
		off := base + g*st.m
		if st.d == 1 {
			copy(dst[off:off+headDim], srow)
		} else {
			for d := 0; d < headDim; d++ {
				dst[off+d*st.d] = srow[d]
			}
		}
	}
}

// scaleRows multiplies the first headDim lanes of each row by v, leaving the
// zero padding untouched.
func scaleRows(tile []float32, tileRows, headDim, padDim int, v float32) {
	for r := 0; r < tileRows; r++ {
		row := tile[r*padDim : r*padDim+headDim]
		for d := range row {
			row[d] *= v
		}
	}
}
