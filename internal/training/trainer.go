package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/casys-ai/toolmind/internal/embedding"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/logger"
	"github.com/casys-ai/toolmind/internal/shgat"
)

// Config drives one training run.
type Config struct {
	Epochs        int     `json:"epochs" yaml:"epochs"`
	BatchSize     int     `json:"batch_size" yaml:"batch_size"`
	NumNegatives  int     `json:"num_negatives" yaml:"num_negatives"`
	LearningRate  float64 `json:"learning_rate" yaml:"learning_rate"`
	ClipNorm      float64 `json:"clip_norm" yaml:"clip_norm"`
	Alpha         float64 `json:"alpha" yaml:"alpha"`
	BetaStart     float64 `json:"beta_start" yaml:"beta_start"`
	BetaEnd       float64 `json:"beta_end" yaml:"beta_end"`
	Epsilon       float64 `json:"epsilon" yaml:"epsilon"`
	PriorityDecay float64 `json:"priority_decay" yaml:"priority_decay"`
	Seed          int64   `json:"seed" yaml:"seed"`
}

func (c Config) withDefaults() Config {
	if c.Epochs <= 0 {
		c.Epochs = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.NumNegatives <= 0 {
		c.NumNegatives = 4
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.ClipNorm <= 0 {
		c.ClipNorm = 5
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.BetaStart <= 0 {
		c.BetaStart = DefaultBetaStart
	}
	if c.BetaEnd <= 0 {
		c.BetaEnd = DefaultBetaEnd
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultPriorityFloor
	}
	if c.PriorityDecay <= 0 || c.PriorityDecay > 1 {
		c.PriorityDecay = 0.99
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

// Degradation gate: stop early when held-out accuracy drops this far below
// the first epoch's baseline.
const degradationThreshold = 0.15

// Train/test split fraction.
const trainFraction = 0.8

// InvalidTrainingInputError rejects empty or unusable training input before
// any parameter is touched.
type InvalidTrainingInputError struct {
	Reason string
}

func (e *InvalidTrainingInputError) Error() string {
	return "invalid training input: " + e.Reason
}

// HealthCheck is the held-out evaluation summary of a run.
type HealthCheck struct {
	Baseline            float64 `json:"baseline"`
	TestAccuracy        float64 `json:"test_accuracy"`
	DegradationDetected bool    `json:"degradation_detected"`
	EarlyStopEpoch      int     `json:"early_stop_epoch"` // -1 when training ran to completion
}

// Result is the lightweight summary surfaced to the controlling process;
// the parameters themselves go straight to the store.
type Result struct {
	Success       bool        `json:"success"`
	FinalLoss     float64     `json:"final_loss"`
	FinalAccuracy float64     `json:"final_accuracy"`
	TDErrors      []float64   `json:"td_errors"`
	SavedToDB     bool        `json:"saved_to_db"`
	HealthCheck   HealthCheck `json:"health_check"`
}

// Trainer runs the PER-driven epoch loop over a model.
type Trainer struct {
	model *shgat.Model
	store *graph.Store
	cfg   Config
	rng   *rand.Rand

	evalFn func([]Example) float64 // test seam; defaults to evaluate
}

// New builds a trainer. The trainer owns all parameter mutation for the
// duration of Train.
func New(model *shgat.Model, store *graph.Store, cfg Config) *Trainer {
	cfg = cfg.withDefaults()
	t := &Trainer{
		model: model,
		store: store,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	t.evalFn = t.evaluate
	return t
}

// Train runs the full loop: shuffle and split, prioritized batches with
// curriculum negatives, SGD with clipping, per-epoch gradient-free health
// check with pre-training rollback on degradation.
func (t *Trainer) Train(examples []Example) (*Result, error) {
	if len(examples) == 0 {
		return nil, &InvalidTrainingInputError{Reason: "no examples"}
	}
	if len(t.store.CapabilityIDs()) == 0 {
		return nil, &InvalidTrainingInputError{Reason: "no capabilities registered"}
	}
	t.registerUnknownTools(examples)

	shuffled := make([]Example, len(examples))
	copy(shuffled, examples)
	dims := t.model.Params().Config().Dims
	for i := range shuffled {
		BuildNegativePool(&shuffled[i], t.store, dims)
	}
	t.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	split := int(float64(len(shuffled)) * trainFraction)
	if split == 0 {
		split = len(shuffled)
	}
	train, test := shuffled[:split], shuffled[split:]
	if len(test) == 0 {
		test = train
	}

	// Snapshot for degradation rollback: the pre-training parameters.
	preTraining := t.model.Params().Export()

	buffer := NewPERBuffer(t.cfg.Alpha, t.cfg.Epsilon, t.cfg.Seed)
	for _, ex := range train {
		buffer.Add(ex, 1)
	}

	result := &Result{Success: true, HealthCheck: HealthCheck{EarlyStopEpoch: -1}}
	prevAccuracy := 0.5
	lastTD := make(map[string]float64)

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		beta := annealBeta(t.cfg.BetaStart, t.cfg.BetaEnd, epoch, t.cfg.Epochs)
		tier := TierForAccuracy(prevAccuracy)

		var epochLoss float64
		var lossCount int
		batches := (len(train) + t.cfg.BatchSize - 1) / t.cfg.BatchSize

		t.model.SetTraining(true)
		grads := shgat.NewGradients(t.model.Params())
		for b := 0; b < batches; b++ {
			batch, indices, weights := buffer.Sample(t.cfg.BatchSize, beta)
			if len(batch) == 0 {
				break
			}
			fwd := t.model.Forward()
			grads.Zero()
			tds := make([]float64, len(batch))
			for i, ex := range batch {
				td, loss := t.backwardExample(fwd, grads, ex, tier, weights[i])
				tds[i] = td
				lastTD[ex.CandidateID] = td
				epochLoss += loss
				lossCount++
			}
			grads.Clip(t.cfg.ClipNorm)
			t.model.Params().Apply(grads, t.cfg.LearningRate)
			buffer.UpdatePriorities(indices, tds)
		}
		t.model.SetTraining(false)
		buffer.DecayPriorities(t.cfg.PriorityDecay)

		if lossCount > 0 {
			result.FinalLoss = epochLoss / float64(lossCount)
		}

		// Gradient-free held-out evaluation.
		accuracy := t.evalFn(test)
		result.FinalAccuracy = accuracy
		result.HealthCheck.TestAccuracy = accuracy
		prevAccuracy = accuracy

		if epoch == 0 {
			result.HealthCheck.Baseline = accuracy
			continue
		}
		if result.HealthCheck.Baseline-accuracy > degradationThreshold {
			logger.Warn("training degradation detected, rolling back",
				"baseline", result.HealthCheck.Baseline, "accuracy", accuracy, "epoch", epoch)
			result.HealthCheck.DegradationDetected = true
			result.HealthCheck.EarlyStopEpoch = epoch
			if err := t.model.Params().Import(preTraining); err != nil {
				return nil, fmt.Errorf("rollback params: %w", err)
			}
			break
		}
	}

	for _, td := range lastTD {
		result.TDErrors = append(result.TDErrors, td)
	}
	return result, nil
}

// backwardExample accumulates gradients for one positive plus its sampled
// negatives and returns the positive's TD error and the example loss
// -log σ(s₊) − Σ log(1−σ(s₋)), weighted by the importance weight.
func (t *Trainer) backwardExample(fwd *shgat.ForwardResult, grads *shgat.Gradients, ex Example, tier Tier, weight float64) (float64, float64) {
	td, ok := t.model.BackwardExample(fwd, grads, ex.IntentEmbedding, ex.CandidateID, float64(ex.Outcome), weight)
	if !ok {
		return 0, 0
	}
	score := td + float64(ex.Outcome)
	loss := -weight * safeLog(sigmoidish(score, ex.Outcome))

	for _, neg := range SampleNegatives(ex, t.cfg.NumNegatives, tier, t.rng) {
		negTD, ok := t.model.BackwardExample(fwd, grads, ex.IntentEmbedding, neg, 0, weight)
		if !ok {
			continue
		}
		loss += -weight * safeLog(1-negTD) // negTD = s₋ − 0
	}
	return td, loss
}

// evaluate is the gradient-free test pass: a prediction is correct when the
// thresholded score matches the recorded outcome.
func (t *Trainer) evaluate(test []Example) float64 {
	if len(test) == 0 {
		return 0
	}
	fwd := t.model.Forward()
	var correct int
	for _, ex := range test {
		score, ok := t.model.ScoreForwarded(fwd, ex.IntentEmbedding, ex.CandidateID)
		if !ok {
			continue
		}
		if (score >= 0.5) == (ex.Outcome == 1) {
			correct++
		}
	}
	return float64(correct) / float64(len(test))
}

// registerUnknownTools backfills candidate and context ids with the
// deterministic hash embedding so training never fails on a new tool.
func (t *Trainer) registerUnknownTools(examples []Example) {
	dims := t.model.Params().Config().Dims
	ensure := func(id string) {
		if id == "" || t.store.HasNode(id) {
			return
		}
		if err := t.store.RegisterTool(id, embedding.DefaultVector(id, dims)); err != nil {
			logger.Warn("register fallback tool", "id", id, "error", err)
		}
	}
	for _, ex := range examples {
		ensure(ex.CandidateID)
		for _, id := range ex.ContextTools {
			ensure(id)
		}
		for _, id := range ex.NegativeCandidates {
			ensure(id)
		}
		for _, id := range ex.AllNegativesSorted {
			ensure(id)
		}
	}
}

func annealBeta(start, end float64, epoch, epochs int) float64 {
	if epochs <= 1 {
		return end
	}
	f := float64(epoch) / float64(epochs-1)
	return start + (end-start)*f
}

func safeLog(x float64) float64 {
	if x < 1e-7 {
		x = 1e-7
	}
	return math.Log(x)
}

// sigmoidish maps the positive's score into the probability assigned to the
// recorded outcome.
func sigmoidish(score float64, outcome int) float64 {
	if outcome == 1 {
		return score
	}
	return 1 - score
}
