// Package vector holds the shared vector math used by the projection,
// retrieval, gating and contamination paths.
package vector

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/adaptco/trustplane/pkg/canonicalize"
)

// Vector is a dense float64 embedding.
type Vector []float64

// DimensionError reports a shape mismatch between two vectors.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector: dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// Dot returns the dot product of two equal-length vectors.
func Dot(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionError{Want: len(a), Got: len(b)}
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum, nil
}

// Norm returns the L2 norm of v.
func Norm(v Vector) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// L2Normalize returns a unit-norm copy of v. A zero vector is returned
// unchanged.
func L2Normalize(v Vector) Vector {
	out := make(Vector, len(v))
	norm := Norm(v)
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Cosine returns the cosine similarity of two equal-length vectors.
// Zero-norm inputs score 0.0 rather than erroring, matching retrieval
// semantics where an empty embedding simply never matches.
func Cosine(a, b Vector) (float64, error) {
	dot, err := Dot(a, b)
	if err != nil {
		return 0, err
	}
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (na * nb), nil
}

// Hash returns the SHA-256 hex digest of the little-endian IEEE 754 byte
// image of v. Used to fingerprint query and chunk embeddings.
func Hash(v Vector) string {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
	}
	return canonicalize.HashBytes(buf)
}

// TextEmbedding deterministically embeds text into dim components by mapping
// the SHA-256 digest bytes cyclically into [-1, 1], then L2-normalizing.
// The same text always yields the same embedding.
func TextEmbedding(text string, dim int) Vector {
	digest := sha256.Sum256([]byte(text))
	out := make(Vector, dim)
	for i := 0; i < dim; i++ {
		b := digest[i%len(digest)]
		out[i] = (float64(b)/255.0)*2.0 - 1.0
	}
	return L2Normalize(out)
}
