// Package anomaly flags periods whose cost exceeds a trailing baseline.
package anomaly

import (
	"github.com/smallbiznis/clawtrace/internal/pricing"
)

const (
	DefaultThreshold = 0.25
	DefaultWindow    = 7
)

// Result describes the last period of a series against its baseline.
type Result struct {
	Anomalous bool    `json:"is_anomalous"`
	ColdStart bool    `json:"cold_start,omitempty"`
	Baseline  float64 `json:"baseline"`
	Observed  float64 `json:"observed"`
	Deviation float64 `json:"deviation_fraction"`
}

// Detect evaluates the last element of series. The baseline is the mean of
// the `window` most recent earlier periods that carry data; empty (zero)
// periods are skipped, so a gap between uses neither counts as history nor
// drags the baseline to zero. With fewer than `window` such periods nothing
// is flagged. A period is anomalous only when observed > baseline*(1+threshold);
// the comparison is exact decimal arithmetic.
func Detect(series []float64, window int, threshold float64) Result {
	if len(series) == 0 {
		return Result{ColdStart: true}
	}
	if window < 1 {
		window = DefaultWindow
	}

	observed := series[len(series)-1]
	res := Result{Observed: observed}

	history := make([]float64, 0, window)
	for i := len(series) - 2; i >= 0 && len(history) < window; i-- {
		if series[i] > 0 {
			history = append(history, series[i])
		}
	}
	if len(history) < window {
		res.ColdStart = true
		return res
	}

	var sum pricing.Amount
	for _, v := range history {
		sum.Add(v)
	}
	baseline := sum.DivInt(int64(window))
	res.Baseline = baseline.Float64()
	if baseline.IsZero() {
		return res
	}

	obs := pricing.NewAmount(observed)
	res.Anomalous = obs.Cmp(baseline.MulFloat(1+threshold)) > 0
	res.Deviation = obs.Sub(baseline).Div(baseline).Float64()
	return res
}
