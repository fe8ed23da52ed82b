package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/toolmind/internal/embedding"
	"github.com/casys-ai/toolmind/internal/graph"
)

func fillBuffer(n int) *PERBuffer {
	b := NewPERBuffer(DefaultAlpha, DefaultPriorityFloor, 7)
	for i := 0; i < n; i++ {
		b.Add(Example{CandidateID: "c", Outcome: 1}, float64(i)*0.1)
	}
	return b
}

// One updated priority per sampled index.
func TestSampleAndUpdateCounts(t *testing.T) {
	b := fillBuffer(50)
	examples, indices, weights := b.Sample(16, 0.5)
	require.Len(t, examples, 16)
	require.Len(t, indices, 16)
	require.Len(t, weights, 16)

	tds := make([]float64, len(indices))
	for i := range tds {
		tds[i] = 0.3
	}
	b.UpdatePriorities(indices, tds)
	want := math.Pow(0.3+DefaultPriorityFloor, DefaultAlpha)
	for _, idx := range indices {
		assert.InDelta(t, want, b.prio[idx], 1e-9)
	}
}

func TestSampleBatchLargerThanBuffer(t *testing.T) {
	b := fillBuffer(3)
	examples, _, _ := b.Sample(10, 1)
	assert.Len(t, examples, 3)
}

func TestSampleEmpty(t *testing.T) {
	b := NewPERBuffer(0, 0, 1)
	examples, indices, weights := b.Sample(4, 0.5)
	assert.Nil(t, examples)
	assert.Nil(t, indices)
	assert.Nil(t, weights)
}

// Importance weights are normalized: all ≤ 1, and the rarest example gets 1.
func TestImportanceWeightsNormalized(t *testing.T) {
	b := fillBuffer(20)
	_, _, weights := b.Sample(20, 1)
	for _, w := range weights {
		assert.LessOrEqual(t, w, 1.0+1e-9)
		assert.Greater(t, w, 0.0)
	}
}

// Decay scales total priority by the factor, modulo the ε floor.
func TestDecayPriorities(t *testing.T) {
	b := NewPERBuffer(DefaultAlpha, DefaultPriorityFloor, 7)
	for i := 0; i < 10; i++ {
		b.Add(Example{CandidateID: "c"}, 1.0) // well above the floor
	}
	before := b.TotalPriority()
	b.DecayPriorities(0.5)
	assert.InDelta(t, before*0.5, b.TotalPriority(), 1e-9)
}

func TestDecayPrioritiesFloor(t *testing.T) {
	b := NewPERBuffer(DefaultAlpha, DefaultPriorityFloor, 7)
	b.Add(Example{CandidateID: "c"}, 0)
	floor := math.Pow(DefaultPriorityFloor, DefaultAlpha)
	for i := 0; i < 50; i++ {
		b.DecayPriorities(0.1)
	}
	assert.InDelta(t, floor, b.TotalPriority(), 1e-9)
}

// High-priority examples are sampled far more often than low-priority ones.
func TestSamplingPrefersHighPriority(t *testing.T) {
	b := NewPERBuffer(DefaultAlpha, DefaultPriorityFloor, 7)
	b.Add(Example{CandidateID: "low"}, 0.001)
	b.Add(Example{CandidateID: "high"}, 10)
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		examples, _, _ := b.Sample(1, 0.4)
		counts[examples[0].CandidateID]++
	}
	assert.Greater(t, counts["high"], counts["low"]*3)
}

// --- Curriculum ---

func TestTierForAccuracy(t *testing.T) {
	assert.Equal(t, TierEasy, TierForAccuracy(0.2))
	assert.Equal(t, TierMedium, TierForAccuracy(0.45))
	assert.Equal(t, TierHard, TierForAccuracy(0.7))
}

func TestSampleNegativesTiers(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ex := Example{
		AllNegativesSorted: []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8", "n9"},
	}
	hard := SampleNegatives(ex, 3, TierHard, rng)
	assert.Subset(t, []string{"n1", "n2", "n3"}, hard)

	easy := SampleNegatives(ex, 3, TierEasy, rng)
	assert.Subset(t, []string{"n7", "n8", "n9"}, easy)

	medium := SampleNegatives(ex, 3, TierMedium, rng)
	assert.Subset(t, []string{"n4", "n5", "n6"}, medium)
}

func TestSampleNegativesFallsBackToExplicitList(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ex := Example{NegativeCandidates: []string{"a", "b"}}
	got := SampleNegatives(ex, 5, TierHard, rng)
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestSampleNegativesEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	assert.Nil(t, SampleNegatives(Example{}, 4, TierMedium, rng))
}

func TestBuildNegativePool(t *testing.T) {
	g := graph.NewStore(graph.Limits{})
	require.NoError(t, g.RegisterTool("t1", nil))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.RegisterCapability(id, graph.CapabilityOptions{
			Members:   []string{"t1"},
			Embedding: embedding.DefaultVector(id, 8),
		}))
	}
	ex := Example{CandidateID: "a", Outcome: 1}
	BuildNegativePool(&ex, g, 8)
	assert.ElementsMatch(t, []string{"b", "c"}, ex.AllNegativesSorted)

	// An example that already has negatives is untouched.
	ex2 := Example{CandidateID: "a", NegativeCandidates: []string{"b"}}
	BuildNegativePool(&ex2, g, 8)
	assert.Empty(t, ex2.AllNegativesSorted)
}
