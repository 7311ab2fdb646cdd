// Command flashbench measures attention kernel throughput across a sweep
// of batch, head and sequence-length shapes.
//
// With no shape flags the harness sweeps a built-in list (use -varlen for
// the ragged-batch list). Passing any of -b, -hq, -hk, -sq, -sk or -d
// selects a single custom shape instead; -b, -hq, -sq and -d must then all
// be set, while -hk and -sk fall back to -hq and -sq.
//
// FLOP accounting follows the fused-attention convention: two matmuls per
// forward pass, half the work under causal masking, and 2.5x the forward
// cost for the backward pass (2x gradient matmuls plus 0.5x probability
// recompute).
//
// Usage:
//
//	go run ./cmd/flashbench -b 2 -hq 16 -sq 1024 -d 64 -causal
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"

	"github.com/fusedml/flashattn"
)

// benchShape is one row of the sweep: batch size, query and key/value head
// counts, and query and key sequence lengths.
type benchShape struct {
	batch   int
	headsQ  int
	headsK  int
	seqlenQ int
	seqlenK int
}

// fixedShapes is the default dense-batch sweep.
func fixedShapes() []benchShape {
	return []benchShape{
		{2, 16, 16, 1024, 1024},
	}
}

// varlenShapes is the default ragged-batch sweep. Each row packs batch
// contexts with random lengths between 1 and seqlen/batch tokens, so the
// larger rows stay cheap enough for CPU runs.
func varlenShapes() []benchShape {
	return []benchShape{
		{2, 16, 4, 1024, 1024},
		{8, 16, 2, 2048, 2048},
		{4, 16, 8, 4096, 4096},
		{2, 48, 12, 1024, 1024},
		{2, 48, 24, 2048, 2048},
		{2, 64, 32, 1024, 1024},
		{4, 64, 16, 2048, 2048},
	}
}

func main() {
	batch := flag.Int("b", 0, "Batch size (custom shape)")
	headsQ := flag.Int("hq", 0, "Number of query heads (custom shape)")
	headsK := flag.Int("hk", 0, "Number of key/value heads (defaults to -hq)")
	seqlenQ := flag.Int("sq", 0, "Query sequence length (custom shape)")
	seqlenK := flag.Int("sk", 0, "Key sequence length (defaults to -sq)")
	headDim := flag.Int("d", 0, "Head dimension (default 64)")
	causal := flag.Bool("causal", false, "Apply causal masking")
	varlen := flag.Bool("varlen", false, "Pack contexts with random lengths instead of dense batches")
	bwd := flag.Bool("bwd", false, "Benchmark the backward pass (implies -causal)")
	printTime := flag.Bool("time", false, "Report latency only, without TFLOPS")
	warmup := flag.Int("warmup", 2, "Number of warmup iterations")
	iterations := flag.Int("iterations", 5, "Number of timed iterations")
	workers := flag.Int("workers", runtime.GOMAXPROCS(0), "Worker goroutines (0 runs on the calling goroutine)")
	flag.Parse()

	custom := *batch != 0 || *headsQ != 0 || *headsK != 0 || *seqlenQ != 0 || *seqlenK != 0 || *headDim != 0
	if custom && (*batch == 0 || *headsQ == 0 || *seqlenQ == 0 || *headDim == 0) {
		fmt.Fprintln(os.Stderr, "Error: custom shapes need all of -b, -hq, -sq and -d")
		flag.Usage()
		os.Exit(1)
	}
	if *bwd && *varlen {
		fmt.Fprintln(os.Stderr, "Error: the backward pass supports dense batches only; drop -varlen")
		os.Exit(1)
	}
	if *bwd {
		// Matches the kernel's training path, which is causal-only today.
		*causal = true
	}

	dim := *headDim
	if dim == 0 {
		dim = 64
	}

	var shapes []benchShape
	switch {
	case custom:
		hk := *headsK
		if hk == 0 {
			hk = *headsQ
		}
		sk := *seqlenK
		if sk == 0 {
			sk = *seqlenQ
		}
		shapes = []benchShape{{*batch, *headsQ, hk, *seqlenQ, sk}}
	case *varlen:
		shapes = varlenShapes()
	default:
		shapes = fixedShapes()
	}

	var pool workerpool.Executor
	if *workers > 0 {
		p := workerpool.New(*workers)
		defer p.Close()
		pool = p
	}

	mode := "fwd"
	if *bwd {
		mode = "bwd"
	}
	fmt.Println("Flash Attention CPU Benchmark")
	fmt.Printf("\nConfiguration:\n")
	fmt.Printf("  Mode: %s\n", mode)
	fmt.Printf("  Head dim: %d\n", dim)
	fmt.Printf("  Causal: %v\n", *causal)
	fmt.Printf("  Varlen: %v\n", *varlen)
	fmt.Printf("  Workers: %d\n", *workers)
	fmt.Printf("  Iterations: %d (+%d warmup)\n\n", *iterations, *warmup)

	header := fmt.Sprintf("%-7s %-5s %-5s %-9s %-9s %12s %12s %12s",
		"BATCH", "HQ", "HK", "N_CTX_Q", "N_CTX_K", "Avg (ms)", "Min (ms)", "Max (ms)")
	if !*printTime {
		header += fmt.Sprintf(" %10s", "TFLOPS")
	}
	fmt.Println(header)

	for _, s := range shapes {
		res, err := runShape(pool, s, dim, *causal, *varlen, *bwd, *warmup, *iterations)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		row := fmt.Sprintf("%-7d %-5d %-5d %-9d %-9d %12.2f %12.2f %12.2f",
			s.batch, s.headsQ, s.headsK, s.seqlenQ, s.seqlenK,
			ms(res.avg), ms(res.min), ms(res.max))
		if !*printTime {
			row += fmt.Sprintf(" %10.4f", res.flops/ms(res.avg)*1e-9)
		}
		fmt.Println(row)
	}
}

// result carries the timing spread of one shape plus its FLOP count, already
// adjusted for causal masking and backward-pass factors.
type result struct {
	avg, min, max time.Duration
	flops         float64
}

func runShape(pool workerpool.Executor, s benchShape, dim int, causal, varlen, bwd bool, warmup, iterations int) (result, error) {
	var (
		q, k, v *flashattn.Tensor
		meta    *flashattn.Meta
		flops   float64
		err     error
	)
	if varlen {
		q, k, v, meta, flops, err = varlenInputs(s, dim)
		if err != nil {
			return result{}, err
		}
	} else {
		q, k, v, meta = fixedInputs(s, dim)
		// Two matmuls (q.k and p.v) per forward pass.
		flops = 2 * 2 * float64(s.batch) * float64(s.headsQ) *
			float64(s.seqlenQ) * float64(s.seqlenK) * float64(dim)
	}
	meta.Causal = causal
	if causal {
		flops *= 0.5
	}

	run := func() error {
		_, _, _, err := flashattn.Forward(pool, q, k, v, meta)
		return err
	}
	if bwd {
		out, lse, _, err := flashattn.Forward(pool, q, k, v, meta)
		if err != nil {
			return result{}, err
		}
		dout := flashattn.Randn(out.Shape(), 23)
		run = func() error {
			_, _, _, err := flashattn.Backward(pool, q, k, v, out, dout, lse, meta)
			return err
		}
		// 2x for the gradient matmuls plus 0.5x for recomputing p.
		flops *= 2.5
	}

	for i := 0; i < warmup; i++ {
		if err := run(); err != nil {
			return result{}, err
		}
	}
	times := make([]time.Duration, iterations)
	for i := 0; i < iterations; i++ {
		start := time.Now()
		if err := run(); err != nil {
			return result{}, err
		}
		times[i] = time.Since(start)
	}
	return result{
		avg:   avgDuration(times),
		min:   minDuration(times),
		max:   maxDuration(times),
		flops: flops,
	}, nil
}

// fixedInputs builds dense (batch, heads, seqlen, dim) tensors.
func fixedInputs(s benchShape, dim int) (q, k, v *flashattn.Tensor, meta *flashattn.Meta) {
	q = flashattn.Randn(flashattn.Shape{s.batch, s.headsQ, s.seqlenQ, dim}, 20)
	k = flashattn.Randn(flashattn.Shape{s.batch, s.headsK, s.seqlenK, dim}, 21)
	v = flashattn.Randn(flashattn.Shape{s.batch, s.headsK, s.seqlenK, dim}, 22)
	meta = flashattn.NewMeta(1 / float32(math.Sqrt(float64(dim))))
	return q, k, v, meta
}

// varlenInputs packs batch contexts with random lengths drawn from
// [1, seqlen/batch] into token-major tensors, and returns the FLOP count of
// the ragged forward pass.
func varlenInputs(s benchShape, dim int) (q, k, v *flashattn.Tensor, meta *flashattn.Meta, flops float64, err error) {
	rng := rand.New(rand.NewSource(20))
	maxQ := s.seqlenQ / s.batch
	if maxQ < 1 {
		maxQ = 1
	}
	maxK := s.seqlenK / s.batch
	if maxK < 1 {
		maxK = 1
	}

	cuQ := make([]int32, s.batch+1)
	cuK := make([]int32, s.batch+1)
	for i := 0; i < s.batch; i++ {
		lenQ := rng.Intn(maxQ) + 1
		lenK := rng.Intn(maxK) + 1
		cuQ[i+1] = cuQ[i] + int32(lenQ)
		cuK[i+1] = cuK[i] + int32(lenK)
		flops += float64(lenQ) * float64(lenK) * float64(s.headsQ) * float64(dim) * 2
	}
	flops *= 2 // two matmuls per forward pass

	totalQ := int(cuQ[s.batch])
	totalK := int(cuK[s.batch])
	q = flashattn.Randn(flashattn.Shape{totalQ, s.headsQ, dim}, 20)
	k = flashattn.Randn(flashattn.Shape{totalK, s.headsK, dim}, 21)
	v = flashattn.Randn(flashattn.Shape{totalK, s.headsK, dim}, 22)

	meta = flashattn.NewMeta(1 / float32(math.Sqrt(float64(dim))))
	if err := meta.SetVarlen(cuQ, cuK); err != nil {
		return nil, nil, nil, nil, 0, err
	}
	return q, k, v, meta, flops, nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func avgDuration(times []time.Duration) time.Duration {
	var total time.Duration
	for _, t := range times {
		total += t
	}
	return total / time.Duration(len(times))
}

func minDuration(times []time.Duration) time.Duration {
	min := times[0]
	for _, t := range times[1:] {
		if t < min {
			min = t
		}
	}
	return min
}

func maxDuration(times []time.Duration) time.Duration {
	max := times[0]
	for _, t := range times[1:] {
		if t > max {
			max = t
		}
	}
	return max
}
