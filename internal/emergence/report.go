package emergence

import "math"

// Trend labels a metric's direction over the recent window.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendFlat    Trend = "flat"
)

// Report is the payload served by the emergence-metrics endpoint: the raw
// measurement, size-adjusted thresholds, per-metric trends, the phase
// verdict, and operator recommendations.
type Report struct {
	Current         Metrics            `json:"current"`
	Thresholds      Thresholds         `json:"thresholds"`
	Trends          map[string]Trend   `json:"trends"`
	Phase           Phase              `json:"phase"`
	PhaseDelta      float64            `json:"phase_delta"`
	EntropyHistory  []float64          `json:"entropy_history"`
	Recommendations []string           `json:"recommendations"`
}

// Thresholds are the size-adjusted gates the verdicts compare against:
// larger graphs tolerate more absolute entropy.
type Thresholds struct {
	HighEntropy  float64 `json:"high_entropy"`
	LowDiversity float64 `json:"low_diversity"`
	LowStability float64 `json:"low_stability"`
}

// SizeAdjustedThresholds scales the entropy gate with log of the node count.
func SizeAdjustedThresholds(nodeCount int) Thresholds {
	scale := 1.0
	if nodeCount > 1 {
		scale = math.Log2(float64(nodeCount))
	}
	return Thresholds{
		HighEntropy:  0.8 * scale,
		LowDiversity: 0.3,
		LowStability: 0.5,
	}
}

// BuildReport assembles the endpoint payload from an analyzer's state and
// its latest measurement.
func BuildReport(a *Analyzer, current Metrics) *Report {
	phase, delta := a.PhaseTransition()
	history := a.History()
	thresholds := SizeAdjustedThresholds(current.NodeCount)

	report := &Report{
		Current:        current,
		Thresholds:     thresholds,
		Phase:          phase,
		PhaseDelta:     delta,
		EntropyHistory: history,
		Trends: map[string]Trend{
			"von_neumann_entropy": trendOf(history),
		},
	}

	if current.VonNeumannEntropy > thresholds.HighEntropy {
		report.Recommendations = append(report.Recommendations,
			"entropy above the size-adjusted gate: consolidate near-duplicate capabilities")
	}
	if current.CapabilityDiversity < thresholds.LowDiversity && current.NodeCount > 4 {
		report.Recommendations = append(report.Recommendations,
			"low community diversity: the graph is collapsing into one cluster")
	}
	if current.ClusterStability < thresholds.LowStability {
		report.Recommendations = append(report.Recommendations,
			"unstable clustering: recent traces are reshaping communities faster than they settle")
	}
	if phase == PhaseExpansion {
		report.Recommendations = append(report.Recommendations,
			"expansion phase: raise the speculation threshold until structure stabilizes")
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = []string{"metrics nominal"}
	}
	return report
}

func trendOf(history []float64) Trend {
	if len(history) < 2 {
		return TrendFlat
	}
	window := movingAvgWindow
	if len(history) < window {
		window = len(history)
	}
	recent := history[len(history)-window:]
	delta := recent[len(recent)-1] - recent[0]
	switch {
	case delta > 0.05:
		return TrendRising
	case delta < -0.05:
		return TrendFalling
	default:
		return TrendFlat
	}
}
