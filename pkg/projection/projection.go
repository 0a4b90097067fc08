// Package projection maps token vectors of arbitrary length onto the fixed
// 1536-dimension manifold every execution baseline lives in. All three
// strategies — pass-through, dense seeded matrix, hash-expand — are fully
// deterministic: the same input dimension and content always produce the
// same projection and metadata.
package projection

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/adaptco/trustplane/pkg/canonicalize"
	"github.com/adaptco/trustplane/pkg/vector"
)

// TargetDim is the manifold dimension all projections land in.
const TargetDim = 1536

// ErrEmptyVector is returned when the input has no components.
var ErrEmptyVector = errors.New("projection: input token vector must contain at least one element")

// Metadata records the provenance of a projection for reproducibility.
type Metadata struct {
	SourceDim int    `json:"source_dim"`
	TargetDim int    `json:"target_dim"`
	Method    string `json:"method"`
	Seed      string `json:"seed"`
}

type cachedMatrix struct {
	rows [][]float64
	seed string
}

// Projector projects vectors to TargetDim, caching seeded matrices per
// (source, target) pair.
type Projector struct {
	mu       sync.Mutex
	matrices map[int]*cachedMatrix
}

// NewProjector creates a projector with an empty matrix cache.
func NewProjector() *Projector {
	return &Projector{matrices: make(map[int]*cachedMatrix)}
}

// Project maps tokens onto the target manifold. Inputs already at the
// target dimension pass through untouched with nil metadata; 16 and 768
// dimension inputs go through the dense seeded matrix; anything else uses
// the hash-expand scheme.
func (p *Projector) Project(tokens vector.Vector) (vector.Vector, *Metadata, error) {
	sourceDim := len(tokens)
	if sourceDim < 1 {
		return nil, nil, ErrEmptyVector
	}

	if sourceDim == TargetDim {
		out := make(vector.Vector, sourceDim)
		copy(out, tokens)
		return out, nil, nil
	}

	if sourceDim == 16 || sourceDim == 768 {
		matrix := p.matrix(sourceDim)
		projected := make(vector.Vector, TargetDim)
		for r := 0; r < TargetDim; r++ {
			row := matrix.rows[r]
			var sum float64
			for c := 0; c < sourceDim; c++ {
				sum += row[c] * tokens[c]
			}
			projected[r] = sum
		}
		return vector.L2Normalize(projected), &Metadata{
			SourceDim: sourceDim,
			TargetDim: TargetDim,
			Method:    "dense-seeded-projection",
			Seed:      matrix.seed,
		}, nil
	}

	projected := hashExpand(tokens, TargetDim)
	return projected, &Metadata{
		SourceDim: sourceDim,
		TargetDim: TargetDim,
		Method:    "hash-expand-v1",
		Seed:      canonicalize.HashText(fmt.Sprintf("%d->%d", sourceDim, TargetDim))[:16],
	}, nil
}

// matrix returns the cached dense projection matrix for sourceDim,
// building it on first use.
func (p *Projector) matrix(sourceDim int) *cachedMatrix {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.matrices[sourceDim]; ok {
		return m
	}

	seedText := fmt.Sprintf("proj-seed:%d->%d", sourceDim, TargetDim)
	seedSum := sha256.Sum256([]byte(seedText))
	rng := newHMACPRNG(seedSum[:])

	rows := make([][]float64, TargetDim)
	for r := range rows {
		row := make([]float64, sourceDim)
		var norm float64
		for c := range row {
			row[c] = rng.normFloat64()
			norm += row[c] * row[c]
		}
		norm = max(math.Sqrt(norm), 1e-12)
		for c := range row {
			row[c] /= norm
		}
		rows[r] = row
	}

	m := &cachedMatrix{rows: rows, seed: canonicalize.HashBytes([]byte(seedText))[:16]}
	p.matrices[sourceDim] = m
	return m
}

// hashExpand fills every output slot from a source component chosen by a
// per-slot hash, with a hash-derived sign bit, then L2-normalizes.
func hashExpand(source vector.Vector, targetDim int) vector.Vector {
	out := make(vector.Vector, targetDim)
	for i := 0; i < targetDim; i++ {
		seed := canonicalize.HashText(fmt.Sprintf("hash-expand:%d:%d", len(source), i))
		index64, _ := strconv.ParseUint(seed[:8], 16, 64)
		index := int(index64) % len(source)
		sign := 1.0
		digit, _ := strconv.ParseUint(seed[8:9], 16, 8)
		if digit%2 == 1 {
			sign = -1.0
		}
		out[i] = source[index] * sign
	}
	return vector.L2Normalize(out)
}
