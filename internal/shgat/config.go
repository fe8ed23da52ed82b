// Package shgat implements attention over the tool/capability
// superhypergraph: tools are vertices, capabilities are hyperedges whose
// members may themselves be capabilities. A forward pass produces tool and
// capability embeddings; K independent attention heads turn an intent vector
// into per-candidate scores.
package shgat

// Config fixes the model dimensions. Zero fields take defaults, except
// Dropout: zero disables dropout and DefaultDropout is not applied.
type Config struct {
	Dims       int     // embedding dimension D
	ScoringDim int     // attention projection dimension d
	Heads      int     // attention heads K
	Layers     int     // message-passing layers
	MaxLevels  int     // deepest capability nesting the params cover
	Dropout    float64 // applied between attention and feed-forward in training
	Seed       int64   // parameter init and dropout RNG seed
}

// Defaults chosen to match the embedding model's dimension.
const (
	DefaultDims       = 1024
	DefaultScoringDim = 64
	DefaultHeads      = 4
	DefaultLayers     = 2
	DefaultMaxLevels  = 4
	DefaultDropout    = 0.1
)

func (c Config) withDefaults() Config {
	if c.Dims <= 0 {
		c.Dims = DefaultDims
	}
	if c.ScoringDim <= 0 {
		c.ScoringDim = DefaultScoringDim
	}
	if c.Heads <= 0 {
		c.Heads = DefaultHeads
	}
	if c.Layers <= 0 {
		c.Layers = DefaultLayers
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = DefaultMaxLevels
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}
