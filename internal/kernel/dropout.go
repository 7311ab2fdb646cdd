package kernel

// dropout holds the per-launch dropout parameters.
//
// The RNG is counter-based: each (seed, offset) pair maps to an independent
// uniform value, with the offset derived purely from the global coordinates of
// a score entry. The forward and backward passes therefore reproduce the
// identical keep mask from coordinates alone, without ever storing it.
type dropout struct {
	p     float32
	scale float32 // 1 / (1 - p)
	seed  uint64
}

func newDropout(p float32, seed uint64) dropout {
	return dropout{p: p, scale: 1 / (1 - p), seed: seed}
}

// dropoutHeadOffset returns the RNG offset base of one (batch, head) score
// matrix. Entry (row, col) of that matrix uses base + row*seqlenK + col.
func dropoutHeadOffset(base uint64, z, headQ, headsQ, seqlenQ, seqlenK int) uint64 {
	return base + uint64(z*headsQ+headQ)*uint64(seqlenQ)*uint64(seqlenK)
}

// keepOff decides whether the attention weight at an absolute RNG offset
// survives: keep iff the uniform draw is strictly above p.
func (d dropout) keepOff(offset uint64) bool {
	return dropoutUniform(d.seed, offset) > d.p
}

// keep decides whether the weight at (row, col) of the score matrix rooted at
// base survives.
func (d dropout) keep(base uint64, row, col, seqlenK int) bool {
	return d.keepOff(base + uint64(row)*uint64(seqlenK) + uint64(col))
}

// dropoutUniform maps (seed, offset) to a uniform float32 in [0, 1).
// splitmix64 over the seed-keyed counter gives full avalanche, so adjacent
// offsets decorrelate.
func dropoutUniform(seed, offset uint64) float32 {
	x := splitmix64(offset + seed*0x9e3779b97f4a7c15)
	// Top 24 bits fill the float32 mantissa exactly.
	return float32(x>>40) * (1.0 / (1 << 24))
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
