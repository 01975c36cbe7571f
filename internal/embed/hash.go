package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is the vector length of HashEmbedder when none is
// given.
const DefaultHashDimension = 256

// HashEmbedder is a deterministic local model: it hashes normalised words
// and word bigrams into a fixed number of signed buckets and L2-normalises
// the result. Headlines sharing vocabulary land close together. It needs no
// network and is used for tests and offline runs.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing dims-length vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimension
	}
	return &HashEmbedder{dims: dims}
}

// Available always returns true.
func (e *HashEmbedder) Available() bool { return true }

// Model returns "hash-<dims>".
func (e *HashEmbedder) Model() string { return fmt.Sprintf("hash-%d", e.dims) }

// Embed hashes text into a vector. Text with no letters or digits yields
// a zero vector, which Provider rejects as degenerate.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, e.dims)
	words := normalizeWords(text)
	for i, w := range words {
		e.add(vec, w, 1)
		if i+1 < len(words) {
			e.add(vec, w+" "+words[i+1], 0.5)
		}
	}

	var sq float64
	for _, v := range vec {
		sq += v * v
	}
	out := make([]float32, e.dims)
	if sq == 0 {
		return out, nil
	}
	norm := math.Sqrt(sq)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// EmbedBatch embeds each text in turn.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *HashEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := sum % uint64(e.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

// normalizeWords lowercases text and splits it on anything that is not a
// letter or digit.
func normalizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
