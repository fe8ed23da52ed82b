package shgat

import (
	"math"
	"math/rand"

	"github.com/casys-ai/toolmind/internal/embedding"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/mathx"
)

const layerNormEps = 1e-5

// Model couples a parameter block with a non-owning view of the graph
// store's adjacency structure.
type Model struct {
	cfg      Config
	params   *Params
	store    *graph.Store
	training bool
	rng      *rand.Rand
}

// NewModel wraps params over the graph store.
func NewModel(params *Params, store *graph.Store) *Model {
	cfg := params.Config()
	return &Model{
		cfg:    cfg,
		params: params,
		store:  store,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Params exposes the parameter block (trainer-owned mutation only).
func (m *Model) Params() *Params { return m.params }

// SetTraining toggles dropout.
func (m *Model) SetTraining(on bool) { m.training = on }

// attnCache keeps one capability's attention intermediates for backward.
type attnCache struct {
	members []int     // row indices into the source matrix
	z       []float32 // raw logits before leaky ReLU
	alpha   []float32 // softmax weights
}

// phaseCache keeps everything backward needs from the last V→E phase.
type phaseCache struct {
	hIn, eIn  *mathx.Dense
	hSrc      []*mathx.Dense // per head |V|×d
	eTgt      []*mathx.Dense // per head |C|×d
	attn      [][]attnCache  // [head][cap]
	concat    *mathx.Dense   // |C|×(K·d), post dropout
	ffPre     *mathx.Dense   // |C|×D before ELU
	res       *mathx.Dense   // residual sum before layer norm
	normMean  []float32
	normInvSD []float32
}

// ForwardResult carries the final embeddings and the id indexing used to
// read them.
type ForwardResult struct {
	Inc  *graph.MultiLevelIncidence
	HOut *mathx.Dense // |tools|×D
	EOut *mathx.Dense // |caps|×D

	lastVE *phaseCache
}

// CapabilityEmbedding returns the output row for a capability id.
func (r *ForwardResult) CapabilityEmbedding(id string) ([]float32, bool) {
	i, ok := r.Inc.CapIdx[id]
	if !ok {
		return nil, false
	}
	return r.EOut.Row(i), true
}

// ToolEmbedding returns the output row for a tool id.
func (r *ForwardResult) ToolEmbedding(id string) ([]float32, bool) {
	i, ok := r.Inc.ToolIdx[id]
	if !ok {
		return nil, false
	}
	return r.HOut.Row(i), true
}

// EAtLevel returns the output embeddings of the capabilities at one level,
// in the incidence level ordering.
func (r *ForwardResult) EAtLevel(level int) *mathx.Dense {
	if level < 0 || level >= len(r.Inc.Levels) {
		return mathx.NewDense(0, r.EOut.Cols)
	}
	ids := r.Inc.Levels[level]
	out := mathx.NewDense(len(ids), r.EOut.Cols)
	for i, id := range ids {
		copy(out.Row(i), r.EOut.Row(r.Inc.CapIdx[id]))
	}
	return out
}

// Forward runs the full multi-level message pass: V→E, then E→E bottom-up
// per level, then E→V, for each layer. Initial features come from the stored
// embeddings, with the deterministic hash fallback for nodes that have none.
// Identical inputs and seed produce identical outputs on the scalar path.
func (m *Model) Forward() *ForwardResult {
	inc := m.store.BuildMultiLevelIncidence()
	h := m.initialToolFeatures(inc)
	e := m.initialCapFeatures(inc)
	return m.forward(inc, h, e)
}

func (m *Model) forward(inc *graph.MultiLevelIncidence, h, e *mathx.Dense) *ForwardResult {
	res := &ForwardResult{Inc: inc}
	maxLevel := len(inc.Levels) - 1

	for l := range m.params.Layers {
		layer := &m.params.Layers[l]

		// V → E: tools message their owning capabilities.
		eNew, cache := m.vertexToEdge(layer, inc, h, e)

		// E → E: bottom-up through the hierarchy.
		for lvl := 1; lvl <= maxLevel && lvl < len(layer.LevelHeads); lvl++ {
			if inc.CapCap[lvl] == nil || len(inc.Levels[lvl]) == 0 {
				continue
			}
			eNew = m.edgeToEdge(layer, inc, eNew, lvl)
		}

		// E → V: capabilities message their member tools back.
		hNew := m.edgeToVertex(layer, inc, h, eNew)

		h, e = hNew, eNew
		if l == len(m.params.Layers)-1 {
			res.lastVE = cache
		}
	}

	res.HOut, res.EOut = h, e
	return res
}

func (m *Model) initialToolFeatures(inc *graph.MultiLevelIncidence) *mathx.Dense {
	h := mathx.NewDense(len(inc.ToolIDs), m.cfg.Dims)
	for i, id := range inc.ToolIDs {
		tool, _ := m.store.Tool(id)
		vec := tool.Embedding
		if len(vec) != m.cfg.Dims {
			vec = embedding.DefaultVector(id, m.cfg.Dims)
		}
		copy(h.Row(i), vec)
	}
	return h
}

func (m *Model) initialCapFeatures(inc *graph.MultiLevelIncidence) *mathx.Dense {
	e := mathx.NewDense(len(inc.CapIDs), m.cfg.Dims)
	for i, id := range inc.CapIDs {
		c, _ := m.store.Capability(id)
		vec := c.Embedding
		if len(vec) != m.cfg.Dims {
			vec = embedding.DefaultVector(id, m.cfg.Dims)
		}
		copy(e.Row(i), vec)
	}
	return e
}

// vertexToEdge aggregates tool messages into capabilities, one attention
// head at a time, then concatenates heads through the feed-forward block.
func (m *Model) vertexToEdge(layer *LayerParams, inc *graph.MultiLevelIncidence, h, e *mathx.Dense) (*mathx.Dense, *phaseCache) {
	d := m.cfg.ScoringDim
	nCaps := len(inc.CapIDs)

	cache := &phaseCache{hIn: h, eIn: e}
	headOuts := make([]*mathx.Dense, len(layer.Heads))

	for hi := range layer.Heads {
		head := &layer.Heads[hi]
		hSrc := mathx.MatmulTranspose(h, head.WSource) // |V|×d
		eTgt := mathx.MatmulTranspose(e, head.WTarget) // |C|×d

		srcScore := make([]float32, hSrc.Rows)
		for t := 0; t < hSrc.Rows; t++ {
			srcScore[t] = mathx.Dot(head.AttnVE[:d], hSrc.Row(t))
		}
		tgtScore := make([]float32, nCaps)
		for c := 0; c < nCaps; c++ {
			tgtScore[c] = mathx.Dot(head.AttnVE[d:], eTgt.Row(c))
		}

		out := mathx.NewDense(nCaps, d)
		caches := make([]attnCache, nCaps)
		for c := 0; c < nCaps; c++ {
			var members []int
			for t := 0; t < len(inc.ToolIDs); t++ {
				if inc.ToolCap.At(t, c) != 0 {
					members = append(members, t)
				}
			}
			if len(members) == 0 {
				continue
			}
			z := make([]float32, len(members))
			u := make([]float32, len(members))
			for i, t := range members {
				z[i] = srcScore[t] + tgtScore[c]
				u[i] = mathx.LeakyReLUScalar(z[i])
			}
			alpha := mathx.Softmax(u)
			row := out.Row(c)
			for i, t := range members {
				src := hSrc.Row(t)
				for j := range row {
					row[j] += alpha[i] * src[j]
				}
			}
			caches[c] = attnCache{members: members, z: z, alpha: alpha}
		}

		headOuts[hi] = out
		cache.hSrc = append(cache.hSrc, hSrc)
		cache.eTgt = append(cache.eTgt, eTgt)
		cache.attn = append(cache.attn, caches)
	}

	concat := mathx.ConcatHeads(headOuts)
	if m.training && m.cfg.Dropout > 0 {
		concat = mathx.Dropout(concat, m.cfg.Dropout, m.rng)
	}
	cache.concat = concat

	ff := mathx.MatmulTranspose(concat, layer.WOutE) // |C|×D
	cache.ffPre = ff.Clone()
	for i := range ff.Data {
		if ff.Data[i] < 0 {
			ff.Data[i] = float32(math.Exp(float64(ff.Data[i])) - 1)
		}
	}

	res := e.Clone()
	res.AddScaled(ff, 1)
	cache.res = res.Clone()

	out, mean, invSD := layerNorm(res, layer.GammaE, layer.BetaE)
	cache.normMean, cache.normInvSD = mean, invSD
	return out, cache
}

// edgeToEdge runs the same attention shape between capability levels,
// updating only the rows of level-lvl owners.
func (m *Model) edgeToEdge(layer *LayerParams, inc *graph.MultiLevelIncidence, e *mathx.Dense, lvl int) *mathx.Dense {
	d := m.cfg.ScoringDim
	heads := layer.LevelHeads[lvl]
	owners := inc.Levels[lvl]
	ccm := inc.CapCap[lvl]

	headOuts := make([]*mathx.Dense, len(heads))
	for hi := range heads {
		head := &heads[hi]
		src := mathx.MatmulTranspose(e, head.WSource) // |C|×d
		tgt := mathx.MatmulTranspose(e, head.WTarget)

		srcScore := make([]float32, src.Rows)
		for i := 0; i < src.Rows; i++ {
			srcScore[i] = mathx.Dot(head.AttnVE[:d], src.Row(i))
		}

		out := mathx.NewDense(len(owners), d)
		for oi, ownerID := range owners {
			ownerRow := inc.CapIdx[ownerID]
			tgtScore := mathx.Dot(head.AttnVE[d:], tgt.Row(ownerRow))
			var members []int
			for c := 0; c < ccm.Rows; c++ {
				if ccm.At(c, oi) != 0 {
					members = append(members, c)
				}
			}
			if len(members) == 0 {
				continue
			}
			u := make([]float32, len(members))
			for i, c := range members {
				u[i] = mathx.LeakyReLUScalar(srcScore[c] + tgtScore)
			}
			alpha := mathx.Softmax(u)
			row := out.Row(oi)
			for i, c := range members {
				srcRow := src.Row(c)
				for j := range row {
					row[j] += alpha[i] * srcRow[j]
				}
			}
		}
		headOuts[hi] = out
	}

	concat := mathx.ConcatHeads(headOuts)
	if m.training && m.cfg.Dropout > 0 {
		concat = mathx.Dropout(concat, m.cfg.Dropout, m.rng)
	}
	ff := mathx.MatmulTranspose(concat, layer.WOutE) // |owners|×D
	for i := range ff.Data {
		if ff.Data[i] < 0 {
			ff.Data[i] = float32(math.Exp(float64(ff.Data[i])) - 1)
		}
	}

	out := e.Clone()
	for oi, ownerID := range owners {
		rowIdx := inc.CapIdx[ownerID]
		res := make([]float32, e.Cols)
		copy(res, e.Row(rowIdx))
		ffRow := ff.Row(oi)
		for j := range res {
			res[j] += ffRow[j]
		}
		normRowInto(out.Row(rowIdx), res, layer.GammaE, layer.BetaE)
	}
	return out
}

// edgeToVertex mirrors vertexToEdge: capabilities message their member tools.
func (m *Model) edgeToVertex(layer *LayerParams, inc *graph.MultiLevelIncidence, h, e *mathx.Dense) *mathx.Dense {
	d := m.cfg.ScoringDim
	nTools := len(inc.ToolIDs)

	headOuts := make([]*mathx.Dense, len(layer.Heads))
	for hi := range layer.Heads {
		head := &layer.Heads[hi]
		eSrc := mathx.MatmulTranspose(e, head.WSource) // |C|×d
		hTgt := mathx.MatmulTranspose(h, head.WTarget) // |V|×d

		srcScore := make([]float32, eSrc.Rows)
		for c := 0; c < eSrc.Rows; c++ {
			srcScore[c] = mathx.Dot(head.AttnEV[:d], eSrc.Row(c))
		}

		out := mathx.NewDense(nTools, d)
		for t := 0; t < nTools; t++ {
			tgtScore := mathx.Dot(head.AttnEV[d:], hTgt.Row(t))
			var owners []int
			for c := 0; c < len(inc.CapIDs); c++ {
				if inc.ToolCap.At(t, c) != 0 {
					owners = append(owners, c)
				}
			}
			if len(owners) == 0 {
				continue
			}
			u := make([]float32, len(owners))
			for i, c := range owners {
				u[i] = mathx.LeakyReLUScalar(srcScore[c] + tgtScore)
			}
			alpha := mathx.Softmax(u)
			row := out.Row(t)
			for i, c := range owners {
				srcRow := eSrc.Row(c)
				for j := range row {
					row[j] += alpha[i] * srcRow[j]
				}
			}
		}
		headOuts[hi] = out
	}

	concat := mathx.ConcatHeads(headOuts)
	if m.training && m.cfg.Dropout > 0 {
		concat = mathx.Dropout(concat, m.cfg.Dropout, m.rng)
	}
	ff := mathx.MatmulTranspose(concat, layer.WOutV) // |V|×D
	for i := range ff.Data {
		if ff.Data[i] < 0 {
			ff.Data[i] = float32(math.Exp(float64(ff.Data[i])) - 1)
		}
	}

	res := h.Clone()
	res.AddScaled(ff, 1)
	out, _, _ := layerNorm(res, layer.GammaV, layer.BetaV)
	return out
}

// layerNorm normalizes each row to zero mean and unit variance, then applies
// gamma and beta. Returns the per-row mean and 1/σ for backward.
func layerNorm(m *mathx.Dense, gamma, beta []float32) (*mathx.Dense, []float32, []float32) {
	out := mathx.NewDense(m.Rows, m.Cols)
	means := make([]float32, m.Rows)
	invSDs := make([]float32, m.Rows)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		mean, invSD := normRowInto(out.Row(i), row, gamma, beta)
		means[i] = mean
		invSDs[i] = invSD
	}
	return out, means, invSDs
}

func normRowInto(dst, row, gamma, beta []float32) (float32, float32) {
	var mean float32
	for _, v := range row {
		mean += v
	}
	mean /= float32(len(row))
	var variance float32
	for _, v := range row {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float32(len(row))
	invSD := float32(1 / math.Sqrt(float64(variance)+layerNormEps))
	for j, v := range row {
		dst[j] = gamma[j]*(v-mean)*invSD + beta[j]
	}
	return mean, invSD
}
