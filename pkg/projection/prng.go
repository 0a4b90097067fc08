package projection

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// hmacPRNG is a deterministic HMAC-SHA256 counter generator. The same seed
// always produces the same stream on every platform, which is what makes
// seeded projection matrices reproducible.
type hmacPRNG struct {
	seed    []byte
	counter uint64
	spare   float64
	hasSpar bool
}

func newHMACPRNG(seed []byte) *hmacPRNG {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &hmacPRNG{seed: s}
}

// uint64v returns the next deterministic 64-bit value: HMAC(seed, counter).
func (p *hmacPRNG) uint64v() uint64 {
	p.counter++
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], p.counter)

	h := hmac.New(sha256.New, p.seed)
	h.Write(counterBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// float64v returns the next value in [0, 1).
func (p *hmacPRNG) float64v() float64 {
	return float64(p.uint64v()>>11) / (1 << 53)
}

// normFloat64 returns the next standard-normal value via Box-Muller.
func (p *hmacPRNG) normFloat64() float64 {
	if p.hasSpar {
		p.hasSpar = false
		return p.spare
	}
	var u1 float64
	for u1 == 0 {
		u1 = p.float64v()
	}
	u2 := p.float64v()
	r := math.Sqrt(-2.0 * math.Log(u1))
	theta := 2.0 * math.Pi * u2
	p.spare = r * math.Sin(theta)
	p.hasSpar = true
	return r * math.Cos(theta)
}
