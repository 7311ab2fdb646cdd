package kernel

import (
	"math"
	"math/rand"
	"runtime"
	"testing"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusedml/flashattn/internal/tensor"
)

// assertClose compares two buffers elementwise and reports the worst
// mismatch. NaN anywhere is an immediate failure.
func assertClose(t *testing.T, name string, got, want []float32, atol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length mismatch %d vs %d", name, len(got), len(want))
	}
	worst, worstIdx := 0.0, -1
	for i := range got {
		d := math.Abs(float64(got[i] - want[i]))
		if math.IsNaN(d) {
			t.Fatalf("%s: NaN at index %d (got %v, want %v)", name, i, got[i], want[i])
		}
		if d > worst {
			worst, worstIdx = d, i
		}
	}
	if worst > atol {
		t.Errorf("%s: max error %v at index %d (got %v, want %v), tolerance %v",
			name, worst, worstIdx, got[worstIdx], want[worstIdx], atol)
	}
}

type attnConfig struct {
	batch, headsQ, headsK     int
	seqlenQ, seqlenK, headDim int
	causal                    bool
	blockM, blockN            int
}

func (c attnConfig) newMeta() *Meta {
	m := NewMeta(1 / float32(math.Sqrt(float64(c.headDim))))
	m.Causal = c.causal
	m.BlockM, m.BlockN = c.blockM, c.blockN
	return m
}

func (c attnConfig) tensors(seed int64) (q, k, v *tensor.Tensor) {
	q = tensor.Randn(tensor.Shape{c.batch, c.headsQ, c.seqlenQ, c.headDim}, seed)
	k = tensor.Randn(tensor.Shape{c.batch, c.headsK, c.seqlenK, c.headDim}, seed+1)
	v = tensor.Randn(tensor.Shape{c.batch, c.headsK, c.seqlenK, c.headDim}, seed+2)
	return q, k, v
}

// extractHead copies one head plane out of a (batch, heads, seqlen, headDim)
// tensor as (batch, 1, seqlen, headDim).
func extractHead(src *tensor.Tensor, head int) *tensor.Tensor {
	batch, seqlen, headDim := src.Dim(0), src.Dim(2), src.Dim(3)
	dst := tensor.Zeros(tensor.Shape{batch, 1, seqlen, headDim})
	for z := 0; z < batch; z++ {
		for g := 0; g < seqlen; g++ {
			for d := 0; d < headDim; d++ {
				dst.Set(src.At(z, head, g, d), z, 0, g, d)
			}
		}
	}
	return dst
}

// sliceContext copies token rows [lo, hi) of a token-packed (tokens, heads,
// headDim) tensor into a fixed-layout (1, heads, hi-lo, headDim) tensor.
func sliceContext(src *tensor.Tensor, lo, hi int) *tensor.Tensor {
	heads, headDim := src.Dim(1), src.Dim(2)
	dst := tensor.Zeros(tensor.Shape{1, heads, hi - lo, headDim})
	for tok := lo; tok < hi; tok++ {
		for h := 0; h < heads; h++ {
			for d := 0; d < headDim; d++ {
				dst.Set(src.At(tok, h, d), 0, h, tok-lo, d)
			}
		}
	}
	return dst
}

// TestForwardUniformWeights pins the analytic case: constant queries and keys
// make every softmax weight equal, so each output row is the mean of the
// value rows and the log-sum-exp is maxScore + log2(seqlenK).
func TestForwardUniformWeights(t *testing.T) {
	q := tensor.Full(tensor.Shape{1, 1, 4, 4}, 1)
	k := tensor.Full(tensor.Shape{1, 1, 4, 4}, 1)
	v := tensor.Randn(tensor.Shape{1, 1, 4, 4}, 3)

	out, lse, enc, err := Forward(nil, q, k, v, NewMeta(1))
	require.NoError(t, err)
	assert.Nil(t, enc)

	for g := 0; g < 4; g++ {
		for d := 0; d < 4; d++ {
			var mean float32
			for j := 0; j < 4; j++ {
				mean += v.At(0, 0, j, d)
			}
			mean /= 4
			if got := out.At(0, 0, g, d); math.Abs(float64(got-mean)) > 1e-5 {
				t.Errorf("out[%d,%d] = %v, want column mean %v", g, d, got, mean)
			}
		}
		want := 4*rcpLn2 + 2 // scores all 4.0 in base-2 domain, l = 4
		if got := lse.At(0, 0, g); math.Abs(float64(got)-want) > 1e-5 {
			t.Errorf("lse[%d] = %v, want %v", g, got, want)
		}
	}
}

// TestForwardMatchesReference sweeps tile geometry, masking, grouped heads
// and head-dim padding against the dense reference.
func TestForwardMatchesReference(t *testing.T) {
	cases := []struct {
		name string
		cfg  attnConfig
	}{
		{"single_block", attnConfig{1, 1, 1, 8, 8, 16, false, 0, 0}},
		{"multi_block", attnConfig{2, 4, 4, 32, 32, 16, false, 16, 8}},
		{"causal", attnConfig{1, 2, 2, 32, 32, 16, true, 16, 8}},
		{"causal_ragged", attnConfig{1, 2, 2, 37, 53, 24, true, 16, 8}},
		{"causal_query_longer", attnConfig{1, 2, 2, 48, 24, 8, true, 16, 16}},
		{"causal_keys_longer", attnConfig{1, 2, 2, 24, 48, 8, true, 16, 16}},
		{"gqa", attnConfig{2, 8, 2, 33, 65, 20, true, 16, 8}},
		{"head_dim_pad", attnConfig{1, 2, 2, 16, 16, 40, false, 16, 16}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, k, v := tc.cfg.tensors(int64(100 + 10*i))
			meta := tc.cfg.newMeta()

			out, lse, _, err := Forward(nil, q, k, v, meta)
			require.NoError(t, err)
			want, err := Reference(q, k, v, meta)
			require.NoError(t, err)

			assertClose(t, "out", out.Data(), want.Data(), 1e-3)
			for _, x := range lse.Data() {
				if math.IsNaN(float64(x)) {
					t.Fatal("NaN in log-sum-exp")
				}
			}
		})
	}
}

// TestForwardCausalEmptyRows checks the rows whose causal window is empty
// when queries outnumber keys: exact zero output and +Inf log-sum-exp, with
// no NaN leaking out of the accumulator.
func TestForwardCausalEmptyRows(t *testing.T) {
	cfg := attnConfig{1, 1, 1, 8, 4, 8, true, 4, 4}
	q, k, v := cfg.tensors(7)
	meta := cfg.newMeta()

	out, lse, _, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)

	for g := 0; g < 4; g++ {
		for d := 0; d < 8; d++ {
			if x := out.At(0, 0, g, d); x != 0 {
				t.Errorf("out[%d,%d] = %v, want exact zero for empty causal window", g, d, x)
			}
		}
		if x := lse.At(0, 0, g); !math.IsInf(float64(x), 1) {
			t.Errorf("lse[%d] = %v, want +Inf", g, x)
		}
	}

	// Row 4 is the first with a window; it sees key 0 alone, so its output
	// is exactly value row 0.
	for d := 0; d < 8; d++ {
		if got, want := out.At(0, 0, 4, d), v.At(0, 0, 0, d); got != want {
			t.Errorf("out[4,%d] = %v, want %v (single visible key)", d, got, want)
		}
	}

	want, err := Reference(q, k, v, meta)
	require.NoError(t, err)
	assertClose(t, "out", out.Data(), want.Data(), 1e-4)
}

// TestForwardLSENormalization checks the saved statistic really is the base-2
// log-sum-exp of the visible scores: exp2 of (score - L) must sum to one.
func TestForwardLSENormalization(t *testing.T) {
	cfg := attnConfig{1, 2, 2, 20, 12, 8, true, 8, 4}
	q, k, v := cfg.tensors(21)
	meta := cfg.newMeta()

	_, lse, _, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)

	causalStart := cfg.seqlenQ - cfg.seqlenK
	for h := 0; h < cfg.headsQ; h++ {
		for g := 0; g < cfg.seqlenQ; g++ {
			L := float64(lse.At(0, h, g))
			if g < causalStart {
				if !math.IsInf(L, 1) {
					t.Errorf("head %d row %d: lse = %v, want +Inf", h, g, L)
				}
				continue
			}
			var sum float64
			for j := 0; j <= g+cfg.seqlenK-cfg.seqlenQ; j++ {
				var dot float64
				for d := 0; d < cfg.headDim; d++ {
					dot += float64(q.At(0, h, g, d)) * float64(k.At(0, h, j, d))
				}
				s2 := float64(meta.Scale) * rcpLn2 * dot
				sum += math.Exp2(s2 - L)
			}
			if math.Abs(sum-1) > 2e-3 {
				t.Errorf("head %d row %d: sum exp2(s - L) = %v, want 1", h, g, sum)
			}
		}
	}
}

func TestForwardBias(t *testing.T) {
	for _, causal := range []bool{false, true} {
		name := "noncausal"
		if causal {
			name = "causal"
		}
		t.Run(name, func(t *testing.T) {
			cfg := attnConfig{2, 2, 2, 24, 16, 8, causal, 8, 8}
			q, k, v := cfg.tensors(31)
			meta := cfg.newMeta()
			bias := tensor.Randn(tensor.Shape{1, cfg.headsQ, cfg.seqlenQ, cfg.seqlenK}, 33)
			require.NoError(t, meta.SetBias(bias, cfg.seqlenQ, cfg.seqlenK))

			out, _, _, err := Forward(nil, q, k, v, meta)
			require.NoError(t, err)
			want, err := Reference(q, k, v, meta)
			require.NoError(t, err)
			assertClose(t, "out", out.Data(), want.Data(), 1e-3)
		})
	}
}

func TestForwardAlibi(t *testing.T) {
	cfg := attnConfig{2, 4, 4, 24, 40, 16, true, 8, 8}
	q, k, v := cfg.tensors(41)
	meta := cfg.newMeta()

	// The usual geometric slope ladder.
	slopes := tensor.Zeros(tensor.Shape{cfg.batch, cfg.headsQ})
	for z := 0; z < cfg.batch; z++ {
		for h := 0; h < cfg.headsQ; h++ {
			slopes.Set(float32(math.Exp2(-float64(h+1))), z, h)
		}
	}
	require.NoError(t, meta.SetAlibi(slopes, cfg.batch, cfg.headsQ))

	out, _, _, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)
	want, err := Reference(q, k, v, meta)
	require.NoError(t, err)
	assertClose(t, "out", out.Data(), want.Data(), 1e-3)
}

// TestForwardMaskedPathBitIdentical flips every block onto the masked path
// and demands bit-identical results: the full/masked split is an optimization
// and must never change the arithmetic.
func TestForwardMaskedPathBitIdentical(t *testing.T) {
	cases := []struct {
		name string
		cfg  attnConfig
	}{
		{"causal_ragged", attnConfig{1, 2, 2, 37, 53, 24, true, 16, 8}},
		{"noncausal_padded", attnConfig{1, 1, 1, 20, 9, 8, false, 8, 8}},
		{"noncausal_aligned", attnConfig{1, 2, 2, 32, 32, 16, false, 16, 16}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, k, v := tc.cfg.tensors(int64(50 + i))
			meta := tc.cfg.newMeta()
			out, lse, _, err := Forward(nil, q, k, v, meta)
			require.NoError(t, err)

			masked := *meta
			masked.forceMaskAll = true
			outM, lseM, _, err := Forward(nil, q, k, v, &masked)
			require.NoError(t, err)

			require.Equal(t, out.Data(), outM.Data(), "output must not depend on the full/masked split")
			require.Equal(t, lse.Data(), lseM.Data(), "lse must not depend on the full/masked split")
		})
	}
}

// TestForwardBlockSizeInvariance runs the same problem at several tile shapes;
// all must agree with the dense reference.
func TestForwardBlockSizeInvariance(t *testing.T) {
	base := attnConfig{1, 2, 2, 50, 70, 12, true, 0, 0}
	q, k, v := base.tensors(61)
	want, err := Reference(q, k, v, base.newMeta())
	require.NoError(t, err)

	for _, bs := range [][2]int{{16, 16}, {32, 8}, {64, 64}} {
		cfg := base
		cfg.blockM, cfg.blockN = bs[0], bs[1]
		out, _, _, err := Forward(nil, q, k, v, cfg.newMeta())
		require.NoError(t, err)
		assertClose(t, "out", out.Data(), want.Data(), 1e-3)
	}
}

// TestForwardVarlen packs contexts of different lengths into one launch and
// checks each against its own fixed-length run.
func TestForwardVarlen(t *testing.T) {
	const (
		headsQ  = 4
		headsK  = 2
		headDim = 8
	)
	// Context lengths 3/7/1 for queries and 4/5/2 for keys.
	qLens := []int{3, 7, 1}
	cuQ := []int32{0, 3, 10, 11}
	cuK := []int32{0, 4, 9, 11}

	q := tensor.Randn(tensor.Shape{11, headsQ, headDim}, 71)
	k := tensor.Randn(tensor.Shape{11, headsK, headDim}, 72)
	v := tensor.Randn(tensor.Shape{11, headsK, headDim}, 73)

	for _, causal := range []bool{false, true} {
		name := "noncausal"
		if causal {
			name = "causal"
		}
		t.Run(name, func(t *testing.T) {
			meta := NewMeta(0.4)
			meta.Causal = causal
			meta.BlockM, meta.BlockN = 4, 4
			require.NoError(t, meta.SetVarlen(cuQ, cuK))

			out, lse, _, err := Forward(nil, q, k, v, meta)
			require.NoError(t, err)

			for i := range qLens {
				qf := sliceContext(q, int(cuQ[i]), int(cuQ[i+1]))
				kf := sliceContext(k, int(cuK[i]), int(cuK[i+1]))
				vf := sliceContext(v, int(cuK[i]), int(cuK[i+1]))
				mf := NewMeta(0.4)
				mf.Causal = causal
				mf.BlockM, mf.BlockN = 4, 4

				outF, lseF, _, err := Forward(nil, qf, kf, vf, mf)
				require.NoError(t, err)

				for tok := 0; tok < qLens[i]; tok++ {
					for h := 0; h < headsQ; h++ {
						for d := 0; d < headDim; d++ {
							got := out.At(int(cuQ[i])+tok, h, d)
							want := outF.At(0, h, tok, d)
							if math.Abs(float64(got-want)) > 1e-5 {
								t.Fatalf("context %d tok %d head %d dim %d: %v, want %v",
									i, tok, h, d, got, want)
							}
						}
						gotL, wantL := lse.At(i, h, tok), lseF.At(0, h, tok)
						if gotL != wantL && math.Abs(float64(gotL-wantL)) > 1e-5 {
							t.Fatalf("context %d tok %d head %d: lse %v, want %v", i, tok, h, gotL, wantL)
						}
					}
				}
			}
		})
	}
}

// TestForwardVarlenEmptyContext: zero-length contexts occupy a slot in the
// offset arrays but no tokens; the launch must step over them cleanly.
func TestForwardVarlenEmptyContext(t *testing.T) {
	cuQ := []int32{0, 3, 3, 8}
	cuK := []int32{0, 2, 2, 9}
	q := tensor.Randn(tensor.Shape{8, 1, 4}, 81)
	k := tensor.Randn(tensor.Shape{9, 1, 4}, 82)
	v := tensor.Randn(tensor.Shape{9, 1, 4}, 83)

	for _, causal := range []bool{false, true} {
		meta := NewMeta(0.5)
		meta.Causal = causal
		meta.BlockM, meta.BlockN = 4, 4
		require.NoError(t, meta.SetVarlen(cuQ, cuK))

		out, _, _, err := Forward(nil, q, k, v, meta)
		require.NoError(t, err)

		for _, i := range []int{0, 2} {
			qf := sliceContext(q, int(cuQ[i]), int(cuQ[i+1]))
			kf := sliceContext(k, int(cuK[i]), int(cuK[i+1]))
			vf := sliceContext(v, int(cuK[i]), int(cuK[i+1]))
			mf := NewMeta(0.5)
			mf.Causal = causal
			mf.BlockM, mf.BlockN = 4, 4
			outF, _, _, err := Forward(nil, qf, kf, vf, mf)
			require.NoError(t, err)

			for tok := 0; tok < int(cuQ[i+1]-cuQ[i]); tok++ {
				for d := 0; d < 4; d++ {
					got := out.At(int(cuQ[i])+tok, 0, d)
					want := outF.At(0, 0, tok, d)
					if math.Abs(float64(got-want)) > 1e-5 {
						t.Fatalf("causal=%v context %d tok %d dim %d: %v, want %v",
							causal, i, tok, d, got, want)
					}
				}
			}
		}
	}
}

// TestForwardVarlenRandomBatch packs a randomly drawn batch of context
// lengths and checks every context against its own fixed-length run.
func TestForwardVarlenRandomBatch(t *testing.T) {
	const (
		contexts = 5
		headsQ   = 4
		headsK   = 2
		headDim  = 12
		maxLen   = 33
	)
	rng := rand.New(rand.NewSource(131))
	cuQ := make([]int32, contexts+1)
	cuK := make([]int32, contexts+1)
	for i := 0; i < contexts; i++ {
		cuQ[i+1] = cuQ[i] + int32(rng.Intn(maxLen)+1)
		cuK[i+1] = cuK[i] + int32(rng.Intn(maxLen)+1)
	}

	q := tensor.Randn(tensor.Shape{int(cuQ[contexts]), headsQ, headDim}, 141)
	k := tensor.Randn(tensor.Shape{int(cuK[contexts]), headsK, headDim}, 142)
	v := tensor.Randn(tensor.Shape{int(cuK[contexts]), headsK, headDim}, 143)

	for _, causal := range []bool{false, true} {
		name := "noncausal"
		if causal {
			name = "causal"
		}
		t.Run(name, func(t *testing.T) {
			meta := NewMeta(1 / float32(math.Sqrt(headDim)))
			meta.Causal = causal
			meta.BlockM, meta.BlockN = 8, 8
			require.NoError(t, meta.SetVarlen(cuQ, cuK))

			out, _, _, err := Forward(nil, q, k, v, meta)
			require.NoError(t, err)

			for i := 0; i < contexts; i++ {
				qf := sliceContext(q, int(cuQ[i]), int(cuQ[i+1]))
				kf := sliceContext(k, int(cuK[i]), int(cuK[i+1]))
				vf := sliceContext(v, int(cuK[i]), int(cuK[i+1]))
				mf := NewMeta(1 / float32(math.Sqrt(headDim)))
				mf.Causal = causal
				mf.BlockM, mf.BlockN = 8, 8
				outF, _, _, err := Forward(nil, qf, kf, vf, mf)
				require.NoError(t, err)

				for tok := 0; tok < int(cuQ[i+1]-cuQ[i]); tok++ {
					for h := 0; h < headsQ; h++ {
						for d := 0; d < headDim; d++ {
							got := out.At(int(cuQ[i])+tok, h, d)
							want := outF.At(0, h, tok, d)
							if math.Abs(float64(got-want)) > 1e-5 {
								t.Fatalf("context %d tok %d head %d dim %d: %v, want %v",
									i, tok, h, d, got, want)
							}
						}
					}
				}
			}
		})
	}
}

// TestForwardGQA checks the grouped-query head mapping against an
// independently sliced single-head run: query head 5 of an 8/2 layout must
// attend through KV head 1.
func TestForwardGQA(t *testing.T) {
	cfg := attnConfig{1, 8, 2, 12, 12, 8, true, 4, 4}
	q, k, v := cfg.tensors(91)
	meta := cfg.newMeta()

	out, _, _, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)

	for _, headQ := range []int{0, 5} {
		qh := extractHead(q, headQ)
		kh := extractHead(k, headQ%2)
		vh := extractHead(v, headQ%2)
		single := cfg
		single.headsQ, single.headsK = 1, 1
		outH, _, _, err := Forward(nil, qh, kh, vh, single.newMeta())
		require.NoError(t, err)

		for g := 0; g < cfg.seqlenQ; g++ {
			for d := 0; d < cfg.headDim; d++ {
				got := out.At(0, headQ, g, d)
				want := outH.At(0, 0, g, d)
				if math.Abs(float64(got-want)) > 1e-6 {
					t.Fatalf("head %d row %d dim %d: %v, want %v", headQ, g, d, got, want)
				}
			}
		}
	}
}

// TestForwardDropout covers determinism, the sign-encoded weights, seed
// sensitivity and agreement with the dense reference replay.
func TestForwardDropout(t *testing.T) {
	cfg := attnConfig{1, 2, 2, 24, 24, 8, false, 8, 8}
	q, k, v := cfg.tensors(101)
	meta := cfg.newMeta()
	require.NoError(t, meta.SetDropout(0.5, true))

	out, _, enc, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)
	require.NotNil(t, enc)

	// Same launch parameters reproduce the exact same bits.
	out2, _, enc2, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)
	require.Equal(t, out.Data(), out2.Data())
	require.Equal(t, enc.Data(), enc2.Data())

	// The sign bit of every encoded weight mirrors the keep decision of
	// the counter-based RNG, replayed here from coordinates alone.
	d := newDropout(meta.DropoutP, meta.PhiloxSeed)
	kept, total := 0, 0
	for h := 0; h < cfg.headsQ; h++ {
		base := dropoutHeadOffset(meta.PhiloxOffset, 0, h, cfg.headsQ, cfg.seqlenQ, cfg.seqlenK)
		for g := 0; g < cfg.seqlenQ; g++ {
			for j := 0; j < cfg.seqlenK; j++ {
				e := enc.At(0, h, g, j)
				if e == 0 {
					t.Fatalf("encoded weight (%d,%d,%d) is zero", h, g, j)
				}
				keep := d.keep(base, g, j, cfg.seqlenK)
				if (e > 0) != keep {
					t.Fatalf("encoded weight (%d,%d,%d) sign %v, keep %v", h, g, j, e > 0, keep)
				}
				if keep {
					kept++
				}
				total++
			}
		}
	}
	rate := float64(kept) / float64(total)
	if rate < 0.4 || rate > 0.6 {
		t.Errorf("keep rate %v, want about 0.5", rate)
	}

	// Requesting the encoded weights must not perturb the output.
	plain := *meta
	plain.ReturnEncoded = false
	out3, _, enc3, err := Forward(nil, q, k, v, &plain)
	require.NoError(t, err)
	assert.Nil(t, enc3)
	require.Equal(t, out.Data(), out3.Data())

	// A different seed draws a different mask.
	reseeded := *meta
	reseeded.PhiloxSeed++
	out4, _, _, err := Forward(nil, q, k, v, &reseeded)
	require.NoError(t, err)
	assert.NotEqual(t, out.Data(), out4.Data())

	// The dense reference replays the identical mask.
	want, err := Reference(q, k, v, meta)
	require.NoError(t, err)
	assertClose(t, "out", out.Data(), want.Data(), 1e-3)
}

func TestForwardDropoutCausal(t *testing.T) {
	cfg := attnConfig{1, 2, 2, 16, 20, 8, true, 8, 4}
	q, k, v := cfg.tensors(111)
	meta := cfg.newMeta()
	require.NoError(t, meta.SetDropout(0.35, false))

	out, _, _, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)
	want, err := Reference(q, k, v, meta)
	require.NoError(t, err)
	assertClose(t, "out", out.Data(), want.Data(), 1e-3)
}

// TestForwardParallel checks the worker-pool fan-out writes the same bits as
// the sequential path: tiles own disjoint output rows, so scheduling must not
// matter.
func TestForwardParallel(t *testing.T) {
	pool := workerpool.New(runtime.GOMAXPROCS(0))
	defer pool.Close()

	cfg := attnConfig{2, 4, 2, 64, 64, 16, true, 16, 8}
	q, k, v := cfg.tensors(121)
	meta := cfg.newMeta()

	seq, seqLse, _, err := Forward(nil, q, k, v, meta)
	require.NoError(t, err)
	par, parLse, _, err := Forward(pool, q, k, v, meta)
	require.NoError(t, err)

	require.Equal(t, seq.Data(), par.Data())
	require.Equal(t, seqLse.Data(), parLse.Data())
}

func TestForwardRejectsBadArgs(t *testing.T) {
	q := tensor.Randn(tensor.Shape{1, 2, 8, 16}, 1)
	k := tensor.Randn(tensor.Shape{1, 2, 8, 16}, 2)
	v := tensor.Randn(tensor.Shape{1, 2, 9, 16}, 3)

	out, lse, enc, err := Forward(nil, q, k, v, NewMeta(1))
	assert.Error(t, err)
	assert.Nil(t, out)
	assert.Nil(t, lse)
	assert.Nil(t, enc)
}

func BenchmarkForward(b *testing.B) {
	cfg := attnConfig{1, 4, 4, 256, 256, 64, false, 0, 0}
	q, k, v := cfg.tensors(1)
	meta := cfg.newMeta()

	b.Run("Flash", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			Forward(nil, q, k, v, meta)
		}
	})

	b.Run("FlashParallel", func(b *testing.B) {
		pool := workerpool.New(runtime.GOMAXPROCS(0))
		defer pool.Close()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			Forward(pool, q, k, v, meta)
		}
	})

	b.Run("Reference", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			Reference(q, k, v, meta)
		}
	})
}

func BenchmarkForwardCausal(b *testing.B) {
	cfg := attnConfig{1, 4, 4, 512, 512, 64, true, 0, 0}
	q, k, v := cfg.tensors(1)
	meta := cfg.newMeta()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Forward(nil, q, k, v, meta)
	}
}
