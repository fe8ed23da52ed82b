package training

import (
	"math/rand"

	"github.com/casys-ai/toolmind/internal/embedding"
	"github.com/casys-ai/toolmind/internal/graph"
)

// Curriculum tier bounds on the previous epoch's accuracy.
const (
	easyAccuracyBelow = 0.35
	hardAccuracyAbove = 0.55
)

// Tier is the difficulty band negatives are drawn from.
type Tier int

const (
	TierEasy Tier = iota
	TierMedium
	TierHard
)

func (t Tier) String() string {
	switch t {
	case TierEasy:
		return "easy"
	case TierMedium:
		return "medium"
	case TierHard:
		return "hard"
	default:
		return "unknown"
	}
}

// TierForAccuracy picks the negative tier from the previous epoch's
// accuracy: struggling models get easy negatives (least similar to the
// positive), confident ones get hard negatives.
func TierForAccuracy(prevAccuracy float64) Tier {
	switch {
	case prevAccuracy < easyAccuracyBelow:
		return TierEasy
	case prevAccuracy > hardAccuracyAbove:
		return TierHard
	default:
		return TierMedium
	}
}

// SampleNegatives draws n negatives for an example. With a full sorted
// negative list the tier selects a third of it (hard = most similar first
// third, easy = last third) and samples uniformly within; otherwise the
// explicit negative list is sampled; an empty pool returns nil.
func SampleNegatives(ex Example, n int, tier Tier, rng *rand.Rand) []string {
	pool := ex.NegativeCandidates
	if len(ex.AllNegativesSorted) > 0 {
		pool = tierSlice(ex.AllNegativesSorted, tier)
	}
	if len(pool) == 0 || n <= 0 {
		return nil
	}
	if n >= len(pool) {
		out := make([]string, len(pool))
		copy(out, pool)
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}
	perm := rng.Perm(len(pool))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = pool[perm[i]]
	}
	return out
}

// BuildNegativePool fills AllNegativesSorted for examples that lack any
// negatives: every other capability, ordered by cosine similarity of its
// embedding to the positive's (descending), so the curriculum tiers have
// meaningful hard/easy ends.
func BuildNegativePool(ex *Example, g *graph.Store, dims int) {
	if len(ex.NegativeCandidates) > 0 || len(ex.AllNegativesSorted) > 0 {
		return
	}
	positive, ok := g.Capability(ex.CandidateID)
	if !ok {
		return
	}
	posVec := positive.Embedding
	if len(posVec) != dims {
		posVec = embedding.DefaultVector(ex.CandidateID, dims)
	}

	var ids []string
	var vecs [][]float32
	for _, id := range g.CapabilityIDs() {
		if id == ex.CandidateID {
			continue
		}
		c, _ := g.Capability(id)
		vec := c.Embedding
		if len(vec) != dims {
			vec = embedding.DefaultVector(id, dims)
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	if len(ids) == 0 {
		return
	}
	for _, match := range embedding.TopN(posVec, vecs, len(vecs)) {
		ex.AllNegativesSorted = append(ex.AllNegativesSorted, ids[match.Index])
	}
}

// tierSlice cuts the similarity-sorted list into thirds. With fewer than
// three entries every tier sees the whole list.
func tierSlice(sorted []string, tier Tier) []string {
	n := len(sorted)
	if n < 3 {
		return sorted
	}
	third := n / 3
	switch tier {
	case TierHard:
		return sorted[:third]
	case TierEasy:
		return sorted[n-third:]
	default:
		return sorted[third : n-third]
	}
}
