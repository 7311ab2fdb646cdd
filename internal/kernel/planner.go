package kernel

// cdiv is ceiling division.
func cdiv(a, b int) int {
	return (a + b - 1) / b
}

// tilePlan is the per-work-item geometry for one (qTile, headQ, batch) of the
// forward pass: which key blocks to visit, how many of them need masking, and
// whether the tile can be skipped or short-circuited entirely.
type tilePlan struct {
	// seqlenQ and seqlenK are the effective lengths for this context.
	seqlenQ, seqlenK int

	// cuStartQ and cuStartK locate the context inside token-packed varlen
	// buffers. Zero in fixed mode.
	cuStartQ, cuStartK int

	// headKV is the key/value head serving this query head.
	headKV int

	// skip marks varlen tiles that start past the context's query rows.
	skip bool

	// earlyExit marks causally empty tiles: every row's window is empty,
	// so the kernel writes zero output and +Inf log-sum-exp and returns.
	earlyExit bool

	// nBlocks is the number of key blocks to visit.
	nBlocks int

	// nExtraTokens counts the key tokens in the ragged tail block
	// (seqlenK mod blockN, or the full shortfall when seqlenK < blockN).
	nExtraTokens int

	// maskedBlocks is how many trailing blocks run with masking applied;
	// the fullBlocks before them skip the masking tests entirely.
	maskedBlocks int
	fullBlocks   int
}

// planForwardTile computes the geometry for one forward work item.
//
// With causal masking the score matrix is bottom-right aligned, so the number
// of visible key blocks for a query tile shrinks to
// cdiv((qTile+1)*blockM + seqlenK - seqlenQ, blockN); tiles whose entire row
// range sits above the causal boundary exit early. Causal tiles always route
// at least blockM/blockN trailing blocks through the masked path, plus one
// more when the sequence lengths do not fall on block boundaries.
func planForwardTile(qTile, headQ, z int, m *Meta, headsK, blockM, blockN int) tilePlan {
	p := tilePlan{
		seqlenQ: m.MaxSeqlenQ,
		seqlenK: m.MaxSeqlenK,
		headKV:  kvHead(headQ, headsK),
	}
	if m.Varlen {
		p.cuStartQ = int(m.CuSeqlensQ[z])
		p.seqlenQ = int(m.CuSeqlensQ[z+1]) - p.cuStartQ
		if qTile*blockM > p.seqlenQ {
			p.skip = true
			return p
		}
		p.cuStartK = int(m.CuSeqlensK[z])
		p.seqlenK = int(m.CuSeqlensK[z+1]) - p.cuStartK
	}

	p.nBlocks = cdiv(p.seqlenK, blockN)
	if m.Causal {
		nBlocksVisible := cdiv((qTile+1)*blockM+p.seqlenK-p.seqlenQ, blockN)
		if nBlocksVisible < p.nBlocks {
			p.nBlocks = nBlocksVisible
		}
		if p.nBlocks <= 0 {
			p.nBlocks = 0
			p.earlyExit = true
			return p
		}
	}

	if p.seqlenK < blockN {
		p.nExtraTokens = blockN - p.seqlenK
	} else if p.seqlenK%blockN != 0 {
		p.nExtraTokens = p.seqlenK % blockN
	}

	paddedBlockK := p.nExtraTokens != 0
	isModuloMN := !paddedBlockK && p.seqlenQ%blockM == 0
	if m.Causal {
		p.maskedBlocks = blockM / blockN
		if !isModuloMN {
			p.maskedBlocks++
		}
	} else if paddedBlockK {
		p.maskedBlocks = 1
	}
	if p.maskedBlocks > p.nBlocks {
		p.maskedBlocks = p.nBlocks
	}
	if m.forceMaskAll {
		p.maskedBlocks = p.nBlocks
	}
	p.fullBlocks = p.nBlocks - p.maskedBlocks
	return p
}
