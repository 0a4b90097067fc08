package drift

import (
	"errors"
	"fmt"
)

// ErrInvalidThreshold is returned when the p-value threshold is outside (0,1).
var ErrInvalidThreshold = errors.New("drift: pvalue_threshold must be between 0 and 1")

// GateResult records a drift-gate evaluation. Deterministic: no randomness,
// fixed inputs produce a fixed result.
type GateResult struct {
	Passed    bool     `json:"passed"`
	Threshold float64  `json:"threshold"`
	Metric    string   `json:"metric"`
	KS        KSResult `json:"ks"`
	Reason    string   `json:"reason"`
}

// GateError is the refusal returned when the gate fails. The export that
// triggered it is retryable with a different candidate.
type GateError struct {
	Reason string
	PValue float64
}

func (e *GateError) Error() string {
	return "drift: gate failed: " + e.Reason
}

// Gate runs the KS drift gate: pass iff pvalue > pvalueThreshold.
func Gate(baseline, candidate []float64, pvalueThreshold float64) (GateResult, error) {
	if pvalueThreshold <= 0.0 || pvalueThreshold >= 1.0 {
		return GateResult{}, ErrInvalidThreshold
	}

	ks, err := KS2Samp(baseline, candidate)
	if err != nil {
		return GateResult{}, err
	}

	passed := ks.PValue > pvalueThreshold
	var reason string
	if passed {
		reason = fmt.Sprintf("PASS: pvalue %.6f > threshold %.6f", ks.PValue, pvalueThreshold)
	} else {
		reason = fmt.Sprintf("FAIL: pvalue %.6f <= threshold %.6f", ks.PValue, pvalueThreshold)
	}

	return GateResult{
		Passed:    passed,
		Threshold: pvalueThreshold,
		Metric:    "ks_2samp",
		KS:        ks,
		Reason:    reason,
	}, nil
}
