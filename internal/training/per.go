// Package training owns the learning loop: the prioritized replay buffer,
// the negative-sampling curriculum, the epoch driver with its held-out
// health check, and the worker-process IPC contract.
package training

import (
	"math"
	"math/rand"
)

// Example is one supervised sample: an intent, the tools already in
// context, a candidate, and whether the candidate satisfied the intent.
type Example struct {
	IntentEmbedding    []float32 `json:"intent_embedding"`
	ContextTools       []string  `json:"context_tools,omitempty"`
	CandidateID        string    `json:"candidate_id"`
	Outcome            int       `json:"outcome"` // 1 success, 0 failure
	NegativeCandidates []string  `json:"negative_candidates,omitempty"`
	// AllNegativesSorted is ordered by similarity to the positive,
	// descending; the curriculum tiers slice it.
	AllNegativesSorted []string `json:"all_negatives_sorted_by_similarity,omitempty"`
}

// PER defaults.
const (
	DefaultAlpha         = 0.6
	DefaultBetaStart     = 0.4
	DefaultBetaEnd       = 1.0
	DefaultPriorityFloor = 0.01
)

// PERBuffer is a prioritized experience replay buffer backed by a Fenwick
// tree over priorities, so sampling and priority updates are O(log n).
type PERBuffer struct {
	alpha    float64
	epsilon  float64
	examples []Example
	prio     []float64 // (|td|+ε)^α, the sampled mass
	tree     []float64 // Fenwick tree of prio
	rng      *rand.Rand
}

// NewPERBuffer returns an empty buffer. The buffer is owned exclusively by
// the training worker for the duration of a run.
func NewPERBuffer(alpha, epsilon float64, seed int64) *PERBuffer {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	if epsilon <= 0 {
		epsilon = DefaultPriorityFloor
	}
	return &PERBuffer{
		alpha:   alpha,
		epsilon: epsilon,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of stored examples.
func (b *PERBuffer) Len() int { return len(b.examples) }

// Add appends an example with priority (|td|+ε)^α.
func (b *PERBuffer) Add(ex Example, tdError float64) {
	b.examples = append(b.examples, ex)
	b.prio = append(b.prio, 0)
	// The new Fenwick node j covers (j−lowbit(j), j]; seed it with the
	// priorities already stored in that range.
	j := len(b.prio)
	var node float64
	for k := j - (j & -j); k < j-1; k++ {
		node += b.prio[k]
	}
	b.tree = append(b.tree, node)
	b.setPriority(j-1, b.priority(tdError))
}

// Sample draws batch examples proportionally to priority and returns them
// with their indices and normalized importance-sampling weights
// w_i = (N·P(i))^(−β) / max_j w_j.
func (b *PERBuffer) Sample(batch int, beta float64) ([]Example, []int, []float64) {
	n := len(b.examples)
	if n == 0 || batch <= 0 {
		return nil, nil, nil
	}
	if batch > n {
		batch = n
	}
	total := b.total()
	examples := make([]Example, batch)
	indices := make([]int, batch)
	weights := make([]float64, batch)

	minPrio := math.Inf(1)
	for _, p := range b.prio {
		if p < minPrio {
			minPrio = p
		}
	}
	// The smallest priority has the largest weight; it normalizes the rest.
	maxWeight := math.Pow(float64(n)*minPrio/total, -beta)

	for i := 0; i < batch; i++ {
		idx := b.find(b.rng.Float64() * total)
		examples[i] = b.examples[idx]
		indices[i] = idx
		prob := b.prio[idx] / total
		weights[i] = math.Pow(float64(n)*prob, -beta) / maxWeight
	}
	return examples, indices, weights
}

// UpdatePriorities rewrites the priorities of sampled indices from fresh TD
// errors. len(indices) must equal len(tdErrors).
func (b *PERBuffer) UpdatePriorities(indices []int, tdErrors []float64) {
	for i, idx := range indices {
		b.setPriority(idx, b.priority(tdErrors[i]))
	}
}

// DecayPriorities multiplies all priorities by factor, clamping at the ε
// floor so no example starves completely.
func (b *PERBuffer) DecayPriorities(factor float64) {
	floor := math.Pow(b.epsilon, b.alpha)
	for i := range b.prio {
		p := b.prio[i] * factor
		if p < floor {
			p = floor
		}
		b.setPriority(i, p)
	}
}

// TotalPriority returns Σ priorities (exposed for the trainer's accounting).
func (b *PERBuffer) TotalPriority() float64 { return b.total() }

func (b *PERBuffer) priority(tdError float64) float64 {
	return math.Pow(math.Abs(tdError)+b.epsilon, b.alpha)
}

// --- Fenwick tree ---

func (b *PERBuffer) setPriority(i int, p float64) {
	delta := p - b.prio[i]
	b.prio[i] = p
	for j := i + 1; j <= len(b.tree); j += j & (-j) {
		b.tree[j-1] += delta
	}
}

func (b *PERBuffer) total() float64 {
	var sum float64
	for j := len(b.tree); j > 0; j -= j & (-j) {
		sum += b.tree[j-1]
	}
	return sum
}

// find returns the smallest index whose prefix sum exceeds mass.
func (b *PERBuffer) find(mass float64) int {
	idx := 0
	bit := 1
	for bit<<1 <= len(b.tree) {
		bit <<= 1
	}
	for ; bit > 0; bit >>= 1 {
		next := idx + bit
		if next <= len(b.tree) && b.tree[next-1] < mass {
			mass -= b.tree[next-1]
			idx = next
		}
	}
	if idx >= len(b.examples) {
		idx = len(b.examples) - 1
	}
	return idx
}
