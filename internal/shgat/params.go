package shgat

import (
	"math"
	"math/rand"

	"github.com/casys-ai/toolmind/internal/mathx"
)

// HeadParams holds one attention head for one phase pair: source and target
// projections plus the attention vectors for the V→E and E→V directions.
type HeadParams struct {
	WSource *mathx.Dense // d×D
	WTarget *mathx.Dense // d×D
	AttnVE  []float32    // 2d
	AttnEV  []float32    // 2d
}

// LayerParams holds one message-passing layer: the tool<->capability heads,
// per-level capability<->capability heads, and the feed-forward blocks for
// the edge and vertex updates.
type LayerParams struct {
	Heads      []HeadParams   // V→E / E→V attention
	LevelHeads [][]HeadParams // [level][head] E→E attention, level ≥ 1

	WOutE *mathx.Dense // D×(K·d) feed-forward after edge aggregation
	WOutV *mathx.Dense // D×(K·d) feed-forward after vertex aggregation

	GammaE, BetaE []float32 // layer norm over capability states
	GammaV, BetaV []float32 // layer norm over tool states
}

// FusionMLP is the small network that folds handcrafted per-candidate trace
// features into the attention logit (scorer v2).
type FusionMLP struct {
	W1 *mathx.Dense // hidden×features
	B1 []float32
	W2 *mathx.Dense // 1×hidden
	B2 []float32
}

// FusionFeatureCount is the handcrafted feature vector width: historical
// success rate, recency, usage count, context overlap.
const FusionFeatureCount = 4

const fusionHidden = 8

// Params is the full parameter block. Created by the trainer or imported
// from persistence; mutated only by trainer-owned gradient updates.
type Params struct {
	cfg Config

	WIntent *mathx.Dense   // D×D intent projection
	WQ      []*mathx.Dense // per head d×D
	WK      []*mathx.Dense // per head d×D

	Layers []LayerParams
	Fusion FusionMLP
}

// NewParams initializes a parameter block with Xavier-style scaling from the
// config seed; the same seed always yields the same parameters.
func NewParams(cfg Config) *Params {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	d, dims := cfg.ScoringDim, cfg.Dims

	p := &Params{cfg: cfg}
	p.WIntent = xavier(rng, dims, dims)
	for h := 0; h < cfg.Heads; h++ {
		p.WQ = append(p.WQ, xavier(rng, d, dims))
		p.WK = append(p.WK, xavier(rng, d, dims))
	}

	for l := 0; l < cfg.Layers; l++ {
		layer := LayerParams{
			WOutE:  xavier(rng, dims, cfg.Heads*d),
			WOutV:  xavier(rng, dims, cfg.Heads*d),
			GammaE: ones(dims),
			BetaE:  make([]float32, dims),
			GammaV: ones(dims),
			BetaV:  make([]float32, dims),
		}
		for h := 0; h < cfg.Heads; h++ {
			layer.Heads = append(layer.Heads, newHead(rng, d, dims))
		}
		layer.LevelHeads = make([][]HeadParams, cfg.MaxLevels+1)
		for lvl := 1; lvl <= cfg.MaxLevels; lvl++ {
			for h := 0; h < cfg.Heads; h++ {
				layer.LevelHeads[lvl] = append(layer.LevelHeads[lvl], newHead(rng, d, dims))
			}
		}
		p.Layers = append(p.Layers, layer)
	}

	p.Fusion = FusionMLP{
		W1: xavier(rng, fusionHidden, FusionFeatureCount),
		B1: make([]float32, fusionHidden),
		W2: xavier(rng, 1, fusionHidden),
		B2: make([]float32, 1),
	}
	return p
}

// Config returns the dimensions the params were built for.
func (p *Params) Config() Config { return p.cfg }

func newHead(rng *rand.Rand, d, dims int) HeadParams {
	return HeadParams{
		WSource: xavier(rng, d, dims),
		WTarget: xavier(rng, d, dims),
		AttnVE:  xavierVec(rng, 2*d),
		AttnEV:  xavierVec(rng, 2*d),
	}
}

func xavier(rng *rand.Rand, rows, cols int) *mathx.Dense {
	m := mathx.NewDense(rows, cols)
	scale := float32(math.Sqrt(2.0 / float64(rows+cols)))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	return m
}

func xavierVec(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	scale := float32(math.Sqrt(2.0 / float64(n)))
	for i := range v {
		v[i] = (rng.Float32()*2 - 1) * scale
	}
	return v
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
