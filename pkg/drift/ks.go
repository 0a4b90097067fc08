// Package drift implements the statistical gate run before any training-data
// export: a two-sample Kolmogorov-Smirnov test between the component-value
// distribution of an execution's audited baseline vector and the candidate
// vector proposed for export.
package drift

import (
	"errors"
	"math"
	"sort"
)

// ErrEmptySample is returned when either sample has no values.
var ErrEmptySample = errors.New("drift: KS test requires non-empty samples")

// ErrNonFiniteSample is returned when a sample contains NaN or Inf.
var ErrNonFiniteSample = errors.New("drift: KS test requires all-finite samples")

// KSResult holds a two-sample KS test outcome.
type KSResult struct {
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"pvalue"`
	N1        int     `json:"n1"`
	N2        int     `json:"n2"`
}

// KSStatistic computes the two-sample Kolmogorov-Smirnov statistic
// D = sup |F1 - F2| over the pooled sample points.
func KSStatistic(x, y []float64) (float64, error) {
	if len(x) == 0 || len(y) == 0 {
		return 0, ErrEmptySample
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, ErrNonFiniteSample
		}
	}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, ErrNonFiniteSample
		}
	}

	xs := append([]float64(nil), x...)
	ys := append([]float64(nil), y...)
	sort.Float64s(xs)
	sort.Float64s(ys)

	pooled := make([]float64, 0, len(xs)+len(ys))
	pooled = append(pooled, xs...)
	pooled = append(pooled, ys...)
	sort.Float64s(pooled)

	var d float64
	for _, point := range pooled {
		cdfX := float64(upperBound(xs, point)) / float64(len(xs))
		cdfY := float64(upperBound(ys, point)) / float64(len(ys))
		if diff := math.Abs(cdfX - cdfY); diff > d {
			d = diff
		}
	}
	return d, nil
}

// upperBound returns the count of values in sorted <= point.
func upperBound(sorted []float64, point float64) int {
	return sort.SearchFloat64s(sorted, math.Nextafter(point, math.Inf(1)))
}

// KSPValue approximates the asymptotic two-sample KS p-value:
//
//	en = sqrt(n1*n2/(n1+n2))
//	p ~= Q_KS((en + 0.12 + 0.11/en) * d)
//	Q_KS(lambda) = 2 * sum_{j>=1} (-1)^{j-1} exp(-2 j^2 lambda^2)
func KSPValue(d float64, n1, n2 int) (float64, error) {
	if d < 0 || d > 1 {
		return 0, errors.New("drift: KS statistic must be in [0,1]")
	}
	if n1 <= 0 || n2 <= 0 {
		return 0, errors.New("drift: sample sizes must be positive")
	}

	en := math.Sqrt(float64(n1) * float64(n2) / float64(n1+n2))
	lam := (en + 0.12 + 0.11/en) * d
	if lam <= 0 {
		return 1.0, nil
	}
	if lam > 10 {
		return 0.0, nil
	}

	var sum float64
	for j := 1; j < 200; j++ {
		term := math.Exp(-2.0 * float64(j*j) * lam * lam)
		if j%2 == 0 {
			term = -term
		}
		sum += term
		if math.Abs(term) < 1e-12 {
			break
		}
	}
	p := 2.0 * sum
	return math.Max(0.0, math.Min(1.0, p)), nil
}

// KS2Samp runs the full two-sample test.
func KS2Samp(x, y []float64) (KSResult, error) {
	d, err := KSStatistic(x, y)
	if err != nil {
		return KSResult{}, err
	}
	p, err := KSPValue(d, len(x), len(y))
	if err != nil {
		return KSResult{}, err
	}
	return KSResult{Statistic: d, PValue: p, N1: len(x), N2: len(y)}, nil
}
