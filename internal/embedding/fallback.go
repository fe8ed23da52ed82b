package embedding

import (
	"hash/fnv"
	"math/rand"
)

// DefaultVector derives a reproducible unit vector for an id that has no
// model embedding yet: the id hashes to an RNG seed, so every process
// produces the same vector for the same id and dimension.
func DefaultVector(id string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(id))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, dims)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return Normalize(v)
}

// FallbackEmbedder serves DefaultVector for every input. It stands in when
// no embedding model is configured, keeping training reproducible.
type FallbackEmbedder struct {
	dims int
}

// NewFallbackEmbedder returns a FallbackEmbedder of the given dimension.
func NewFallbackEmbedder(dims int) *FallbackEmbedder {
	if dims <= 0 {
		dims = DefaultDims
	}
	return &FallbackEmbedder{dims: dims}
}

func (f *FallbackEmbedder) Embed(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = DefaultVector(t, f.dims)
	}
	return out, nil
}

func (f *FallbackEmbedder) Dims() int { return f.dims }

func (f *FallbackEmbedder) Name() string { return "hash-fallback" }
