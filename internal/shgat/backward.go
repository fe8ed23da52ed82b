package shgat

import (
	"math"

	"github.com/casys-ai/toolmind/internal/mathx"
)

// Gradients accumulates parameter gradients across a batch. Only the scoring
// path and the final V→E attention layer are trainable; earlier layers keep
// their initialization and feed the residual stream.
type Gradients struct {
	WIntent *mathx.Dense
	WQ      []*mathx.Dense
	WK      []*mathx.Dense

	WSource []*mathx.Dense // per head, last layer V→E
	WTarget []*mathx.Dense
	AttnVE  [][]float32

	WOutE         *mathx.Dense
	GammaE, BetaE []float32
}

// NewGradients allocates zeroed gradients shaped like p.
func NewGradients(p *Params) *Gradients {
	cfg := p.cfg
	g := &Gradients{
		WIntent: mathx.NewDense(cfg.Dims, cfg.Dims),
		WOutE:   mathx.NewDense(cfg.Dims, cfg.Heads*cfg.ScoringDim),
		GammaE:  make([]float32, cfg.Dims),
		BetaE:   make([]float32, cfg.Dims),
	}
	for h := 0; h < cfg.Heads; h++ {
		g.WQ = append(g.WQ, mathx.NewDense(cfg.ScoringDim, cfg.Dims))
		g.WK = append(g.WK, mathx.NewDense(cfg.ScoringDim, cfg.Dims))
		g.WSource = append(g.WSource, mathx.NewDense(cfg.ScoringDim, cfg.Dims))
		g.WTarget = append(g.WTarget, mathx.NewDense(cfg.ScoringDim, cfg.Dims))
		g.AttnVE = append(g.AttnVE, make([]float32, 2*cfg.ScoringDim))
	}
	return g
}

// Zero clears all accumulated gradients.
func (g *Gradients) Zero() {
	g.WIntent.Zero()
	g.WOutE.Zero()
	zeroVec(g.GammaE)
	zeroVec(g.BetaE)
	for h := range g.WQ {
		g.WQ[h].Zero()
		g.WK[h].Zero()
		g.WSource[h].Zero()
		g.WTarget[h].Zero()
		zeroVec(g.AttnVE[h])
	}
}

// GlobalNorm returns the L2 norm over every gradient element.
func (g *Gradients) GlobalNorm() float64 {
	var sum float64
	add := func(m *mathx.Dense) {
		n := m.FrobeniusNorm()
		sum += n * n
	}
	addVec := func(v []float32) {
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
	}
	add(g.WIntent)
	add(g.WOutE)
	addVec(g.GammaE)
	addVec(g.BetaE)
	for h := range g.WQ {
		add(g.WQ[h])
		add(g.WK[h])
		add(g.WSource[h])
		add(g.WTarget[h])
		addVec(g.AttnVE[h])
	}
	return math.Sqrt(sum)
}

// Clip scales all gradients so the global norm does not exceed maxNorm.
func (g *Gradients) Clip(maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	norm := g.GlobalNorm()
	if norm <= maxNorm {
		return
	}
	f := float32(maxNorm / norm)
	scale := func(m *mathx.Dense) { m.Scale(f) }
	scaleVec := func(v []float32) {
		for i := range v {
			v[i] *= f
		}
	}
	scale(g.WIntent)
	scale(g.WOutE)
	scaleVec(g.GammaE)
	scaleVec(g.BetaE)
	for h := range g.WQ {
		scale(g.WQ[h])
		scale(g.WK[h])
		scale(g.WSource[h])
		scale(g.WTarget[h])
		scaleVec(g.AttnVE[h])
	}
}

// Apply performs one SGD step: p ← p − lr·g.
func (p *Params) Apply(g *Gradients, lr float64) {
	f := float32(-lr)
	p.WIntent.AddScaled(g.WIntent, f)
	last := &p.Layers[len(p.Layers)-1]
	last.WOutE.AddScaled(g.WOutE, f)
	axpyVec(last.GammaE, g.GammaE, f)
	axpyVec(last.BetaE, g.BetaE, f)
	for h := range p.WQ {
		p.WQ[h].AddScaled(g.WQ[h], f)
		p.WK[h].AddScaled(g.WK[h], f)
		last.Heads[h].WSource.AddScaled(g.WSource[h], f)
		last.Heads[h].WTarget.AddScaled(g.WTarget[h], f)
		axpyVec(last.Heads[h].AttnVE, g.AttnVE[h], f)
	}
}

// BackwardExample backpropagates one (intent, candidate, label) sample and
// accumulates into g. The returned td error is score − label. weight is the
// PER importance-sampling weight.
func (m *Model) BackwardExample(fwd *ForwardResult, g *Gradients, intent []float32, candidateID string, label, weight float64) (tdError float64, ok bool) {
	capIdx, isCap := fwd.Inc.CapIdx[candidateID]
	var emb []float32
	if isCap {
		emb = fwd.EOut.Row(capIdx)
	} else if row, found := fwd.ToolEmbedding(candidateID); found {
		emb = row
	} else {
		return 0, false
	}

	d := m.cfg.ScoringDim
	scale := float32(math.Sqrt(float64(d)))
	heads := len(m.params.WQ)

	qTilde := mathx.Matvec(m.params.WIntent, intent)
	dQTilde := make([]float32, len(qTilde))
	dEmb := make([]float32, len(emb))

	var score float64
	type headState struct {
		q, k  []float32
		logit float32
	}
	states := make([]headState, heads)
	for h := 0; h < heads; h++ {
		q := mathx.Matvec(m.params.WQ[h], qTilde)
		k := mathx.Matvec(m.params.WK[h], emb)
		logit := mathx.Dot(q, k) / scale
		states[h] = headState{q: q, k: k, logit: logit}
		score += float64(mathx.Sigmoid(logit))
	}
	score /= float64(heads)
	tdError = score - label

	// Per-head BCE: dL/dlogit_h = w·(σ(logit_h) − y)/K.
	for h := 0; h < heads; h++ {
		st := states[h]
		dLogit := float32(weight) * (mathx.Sigmoid(st.logit) - float32(label)) / float32(heads)

		dQ := make([]float32, d)
		dK := make([]float32, d)
		for i := 0; i < d; i++ {
			dQ[i] = dLogit * st.k[i] / scale
			dK[i] = dLogit * st.q[i] / scale
		}
		mathx.OuterProductAdd(g.WQ[h], dQ, qTilde, 1)
		mathx.OuterProductAdd(g.WK[h], dK, emb, 1)

		up := mathx.MatvecTranspose(m.params.WQ[h], dQ)
		for i := range dQTilde {
			dQTilde[i] += up[i]
		}
		down := mathx.MatvecTranspose(m.params.WK[h], dK)
		for i := range dEmb {
			dEmb[i] += down[i]
		}
	}

	mathx.OuterProductAdd(g.WIntent, dQTilde, intent, 1)

	if isCap && fwd.lastVE != nil {
		m.backwardVE(fwd.lastVE, g, capIdx, dEmb)
	}
	return tdError, true
}

// backwardVE pushes a capability-row gradient through the cached final V→E
// phase: layer norm, residual, ELU, feed-forward, head concat, attention
// softmax and leaky ReLU, down to the head projections.
func (m *Model) backwardVE(c *phaseCache, g *Gradients, capIdx int, dOut []float32) {
	d := m.cfg.ScoringDim
	dims := m.cfg.Dims
	gamma := m.params.Layers[len(m.params.Layers)-1].GammaE

	// Layer norm backward for the single row.
	res := c.res.Row(capIdx)
	mean, invSD := c.normMean[capIdx], c.normInvSD[capIdx]
	xhat := make([]float32, dims)
	for j := 0; j < dims; j++ {
		xhat[j] = (res[j] - mean) * invSD
	}
	var sumG, sumGX float32
	gDy := make([]float32, dims)
	for j := 0; j < dims; j++ {
		g.GammaE[j] += dOut[j] * xhat[j]
		g.BetaE[j] += dOut[j]
		gDy[j] = gamma[j] * dOut[j]
		sumG += gDy[j]
		sumGX += gDy[j] * xhat[j]
	}
	n := float32(dims)
	dRes := make([]float32, dims)
	for j := 0; j < dims; j++ {
		dRes[j] = (gDy[j] - sumG/n - xhat[j]*sumGX/n) * invSD
	}

	// Residual: dRes flows into the ELU(ff) branch (the embedding-table
	// branch is not a trained parameter).
	ffPre := c.ffPre.Row(capIdx)
	dFF := make([]float32, dims)
	for j := 0; j < dims; j++ {
		if ffPre[j] > 0 {
			dFF[j] = dRes[j]
		} else {
			dFF[j] = dRes[j] * float32(math.Exp(float64(ffPre[j])))
		}
	}

	// ff = concat·WOutEᵀ.
	concatRow := c.concat.Row(capIdx)
	mathx.OuterProductAdd(g.WOutE, dFF, concatRow, 1)
	dConcat := mathx.MatvecTranspose(m.params.Layers[len(m.params.Layers)-1].WOutE, dFF)

	for h := range c.hSrc {
		att := c.attn[h][capIdx]
		if len(att.members) == 0 {
			continue
		}
		head := &m.params.Layers[len(m.params.Layers)-1].Heads[h]
		dAgg := dConcat[h*d : (h+1)*d]

		// dα and source-row gradients from the aggregation.
		dAlpha := make([]float32, len(att.members))
		dSrcRows := make([][]float32, len(att.members))
		for i, t := range att.members {
			src := c.hSrc[h].Row(t)
			dAlpha[i] = mathx.Dot(dAgg, src)
			ds := make([]float32, d)
			for j := 0; j < d; j++ {
				ds[j] = att.alpha[i] * dAgg[j]
			}
			dSrcRows[i] = ds
		}

		// Softmax Jacobian: du_i = α_i(dα_i − Σ_j α_j dα_j).
		var dot float32
		for i := range att.alpha {
			dot += att.alpha[i] * dAlpha[i]
		}
		dU := make([]float32, len(att.members))
		for i := range dU {
			dU[i] = att.alpha[i] * (dAlpha[i] - dot)
		}

		// Leaky ReLU backward on the raw logits.
		dZ := make([]float32, len(att.members))
		var dZSum float32
		for i := range dZ {
			if att.z[i] > 0 {
				dZ[i] = dU[i]
			} else {
				dZ[i] = dU[i] * mathx.LeakyReLUSlope
			}
			dZSum += dZ[i]
		}

		// z_i = a_src·hSrc[t_i] + a_tgt·eTgt[c].
		eTgtRow := c.eTgt[h].Row(capIdx)
		for i, t := range att.members {
			src := c.hSrc[h].Row(t)
			for j := 0; j < d; j++ {
				g.AttnVE[h][j] += dZ[i] * src[j]
				dSrcRows[i][j] += dZ[i] * head.AttnVE[j]
			}
		}
		dETgt := make([]float32, d)
		for j := 0; j < d; j++ {
			g.AttnVE[h][d+j] += dZSum * eTgtRow[j]
			dETgt[j] = dZSum * head.AttnVE[d+j]
		}

		// Projections: hSrc = Hin·WSᵀ, eTgt = Ein·WTᵀ.
		for i, t := range att.members {
			mathx.OuterProductAdd(g.WSource[h], dSrcRows[i], c.hIn.Row(t), 1)
		}
		mathx.OuterProductAdd(g.WTarget[h], dETgt, c.eIn.Row(capIdx), 1)
	}
}

func zeroVec(v []float32) {
	for i := range v {
		v[i] = 0
	}
}

func axpyVec(dst, src []float32, f float32) {
	for i := range dst {
		dst[i] += f * src[i]
	}
}
