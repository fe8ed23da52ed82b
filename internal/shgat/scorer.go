package shgat

import (
	"math"
	"sort"

	"github.com/casys-ai/toolmind/internal/mathx"
)

// Candidate is a scored capability or tool.
type Candidate struct {
	ID    string
	Score float64
}

// TraceFeatures are the handcrafted per-candidate stats the v2 scorer fuses
// into the attention logit.
type TraceFeatures struct {
	SuccessRate    float64 // historical success rate in [0,1]
	Recency        float64 // 1 = used just now, 0 = never
	UsageCount     float64 // log-scaled invocation count
	ContextOverlap float64 // member overlap with the running context
}

func (f TraceFeatures) vector() []float32 {
	return []float32{
		float32(f.SuccessRate),
		float32(f.Recency),
		float32(f.UsageCount),
		float32(f.ContextOverlap),
	}
}

// ScoreAllCapabilities ranks every capability against an intent embedding:
// project the intent once, then for each of K heads take the scaled dot
// product with the candidate's key projection; the final score averages the
// per-head sigmoids. Deterministic for fixed params on the scalar path.
func (m *Model) ScoreAllCapabilities(intent []float32) []Candidate {
	fwd := m.Forward()
	return m.scoreRows(intent, fwd.EOut, fwd.Inc.CapIDs, nil)
}

// ScoreAllTools ranks every tool against an intent embedding.
func (m *Model) ScoreAllTools(intent []float32) []Candidate {
	fwd := m.Forward()
	return m.scoreRows(intent, fwd.HOut, fwd.Inc.ToolIDs, nil)
}

// ScoreAllCapabilitiesV2 augments the attention logit with a learned fusion
// of handcrafted per-candidate trace features.
func (m *Model) ScoreAllCapabilitiesV2(intent []float32, features map[string]TraceFeatures) []Candidate {
	fwd := m.Forward()
	return m.scoreRows(intent, fwd.EOut, fwd.Inc.CapIDs, features)
}

// ScoreForwarded scores candidates against an already-computed forward pass;
// the trainer uses it to avoid re-running message passing per example.
func (m *Model) ScoreForwarded(fwd *ForwardResult, intent []float32, candidateID string) (float64, bool) {
	row, ok := fwd.CapabilityEmbedding(candidateID)
	if !ok {
		row, ok = fwd.ToolEmbedding(candidateID)
		if !ok {
			return 0, false
		}
	}
	qTilde := mathx.Matvec(m.params.WIntent, intent)
	var sum float64
	for h := range m.params.WQ {
		q := mathx.Matvec(m.params.WQ[h], qTilde)
		k := mathx.Matvec(m.params.WK[h], row)
		logit := mathx.Dot(q, k) / float32(math.Sqrt(float64(m.cfg.ScoringDim)))
		sum += float64(mathx.Sigmoid(logit))
	}
	return sum / float64(len(m.params.WQ)), true
}

func (m *Model) scoreRows(intent []float32, rows *mathx.Dense, ids []string, features map[string]TraceFeatures) []Candidate {
	qTilde := mathx.Matvec(m.params.WIntent, intent)
	scale := float32(math.Sqrt(float64(m.cfg.ScoringDim)))

	scores := make([]float64, len(ids))
	for h := range m.params.WQ {
		q := mathx.Matvec(m.params.WQ[h], qTilde)
		keys := mathx.MatmulTranspose(rows, m.params.WK[h]) // |ids|×d
		for i := range ids {
			logit := mathx.Dot(q, keys.Row(i)) / scale
			if features != nil {
				if f, ok := features[ids[i]]; ok {
					logit += m.fusionLogit(f)
				}
			}
			scores[i] += float64(mathx.Sigmoid(logit))
		}
	}

	out := make([]Candidate, len(ids))
	for i, id := range ids {
		out[i] = Candidate{ID: id, Score: scores[i] / float64(len(m.params.WQ))}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ScoreBatch scores a batch of intents against all capabilities with one
// projection matmul per head shared across the batch, not one per intent.
func (m *Model) ScoreBatch(intents [][]float32) [][]Candidate {
	if len(intents) == 0 {
		return nil
	}
	fwd := m.Forward()
	ids := fwd.Inc.CapIDs
	scale := float32(math.Sqrt(float64(m.cfg.ScoringDim)))

	intentMat := mathx.NewDense(len(intents), m.cfg.Dims)
	for i, q := range intents {
		copy(intentMat.Row(i), q)
	}
	qTilde := mathx.MatmulTranspose(intentMat, m.params.WIntent) // batch×D

	scores := make([][]float64, len(intents))
	for i := range scores {
		scores[i] = make([]float64, len(ids))
	}
	for h := range m.params.WQ {
		qBatch := mathx.MatmulTranspose(qTilde, m.params.WQ[h])    // batch×d, one matmul per head
		keys := mathx.MatmulTranspose(fwd.EOut, m.params.WK[h])    // |ids|×d, one matmul per head
		logits := mathx.MatmulTranspose(qBatch, keys)              // batch×|ids|
		for i := 0; i < logits.Rows; i++ {
			row := logits.Row(i)
			for j := range row {
				scores[i][j] += float64(mathx.Sigmoid(row[j] / scale))
			}
		}
	}

	out := make([][]Candidate, len(intents))
	for i := range intents {
		cands := make([]Candidate, len(ids))
		for j, id := range ids {
			cands[j] = Candidate{ID: id, Score: scores[i][j] / float64(len(m.params.WQ))}
		}
		sort.SliceStable(cands, func(a, b int) bool {
			if cands[a].Score != cands[b].Score {
				return cands[a].Score > cands[b].Score
			}
			return cands[a].ID < cands[b].ID
		})
		out[i] = cands
	}
	return out
}

func (m *Model) fusionLogit(f TraceFeatures) float32 {
	hidden := mathx.Matvec(m.params.Fusion.W1, f.vector())
	for i := range hidden {
		hidden[i] += m.params.Fusion.B1[i]
		if hidden[i] < 0 {
			hidden[i] *= mathx.LeakyReLUSlope
		}
	}
	out := mathx.Matvec(m.params.Fusion.W2, hidden)
	return out[0] + m.params.Fusion.B2[0]
}
