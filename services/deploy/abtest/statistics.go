// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package abtest

import (
	"errors"
	"math"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInsufficientSamples indicates not enough samples for analysis.
	ErrInsufficientSamples = errors.New("insufficient samples for statistical analysis")

	// ErrZeroVariance indicates a sample set has zero variance.
	ErrZeroVariance = errors.New("sample set has zero variance")
)

// -----------------------------------------------------------------------------
// Two-Proportion Test
// -----------------------------------------------------------------------------

// ProportionTestResult holds the outcome of a two-proportion z-test.
type ProportionTestResult struct {
	// ZStatistic is the pooled z value. Positive means p2 > p1.
	ZStatistic float64

	// PValue is the two-tailed p-value.
	PValue float64

	// Significant is true when PValue < SignificanceLevel.
	Significant bool

	// SignificanceLevel is the alpha used.
	SignificanceLevel float64
}

// TwoProportionZTest compares success proportions between two groups.
//
// Description:
//
//	Uses the pooled proportion for the standard error, the standard
//	large-sample test for comparing conversion-style rates.
//
// Inputs:
//   - success1, n1: Successes and trials for group 1. n1 must be > 0.
//   - success2, n2: Successes and trials for group 2. n2 must be > 0.
//   - alpha: Significance level (e.g., 0.05).
//
// Outputs:
//   - *ProportionTestResult: Test results. Z is (p2 - p1) / SE.
//   - error: Non-nil if a group has no trials or variance is zero.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func TwoProportionZTest(success1, n1, success2, n2 int64, alpha float64) (*ProportionTestResult, error) {
	if n1 <= 0 || n2 <= 0 {
		return nil, ErrInsufficientSamples
	}

	p1 := float64(success1) / float64(n1)
	p2 := float64(success2) / float64(n2)
	pooled := float64(success1+success2) / float64(n1+n2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return nil, ErrZeroVariance
	}

	z := (p2 - p1) / se
	pValue := 2 * (1 - normalCDF(math.Abs(z)))

	return &ProportionTestResult{
		ZStatistic:        z,
		PValue:            pValue,
		Significant:       pValue < alpha,
		SignificanceLevel: alpha,
	}, nil
}

// -----------------------------------------------------------------------------
// Two-Sample t-Test
// -----------------------------------------------------------------------------

// TTestResult holds the outcome of a two-sample t-test.
type TTestResult struct {
	// TStatistic is the t value. Positive means mean2 > mean1.
	TStatistic float64

	// PValue is the two-tailed p-value.
	PValue float64

	// DegreesOfFreedom from the Welch-Satterthwaite equation.
	DegreesOfFreedom float64

	// Significant is true when PValue < SignificanceLevel.
	Significant bool

	// SignificanceLevel is the alpha used.
	SignificanceLevel float64
}

// WelchTTest compares the means of two samples without assuming equal
// variances.
//
// Inputs:
//   - samples1: First sample set. Must have at least 2 samples.
//   - samples2: Second sample set. Must have at least 2 samples.
//   - alpha: Significance level (e.g., 0.05 for 95% confidence).
//
// Outputs:
//   - *TTestResult: Test results with t-statistic, p-value, and significance.
//   - error: Non-nil if samples are insufficient.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func WelchTTest(samples1, samples2 []float64, alpha float64) (*TTestResult, error) {
	if len(samples1) < 2 || len(samples2) < 2 {
		return nil, ErrInsufficientSamples
	}

	mean1 := mean(samples1)
	mean2 := mean(samples2)

	var1 := sampleVariance(samples1, mean1)
	var2 := sampleVariance(samples2, mean2)

	n1 := float64(len(samples1))
	n2 := float64(len(samples2))

	se := math.Sqrt(var1/n1 + var2/n2)
	if se == 0 {
		return nil, ErrZeroVariance
	}

	tStat := (mean2 - mean1) / se

	// Welch-Satterthwaite degrees of freedom
	num := math.Pow(var1/n1+var2/n2, 2)
	denom := math.Pow(var1/n1, 2)/(n1-1) + math.Pow(var2/n2, 2)/(n2-1)
	if denom == 0 {
		return nil, ErrZeroVariance
	}
	df := num / denom

	pValue := tDistributionPValue(math.Abs(tStat), df)

	return &TTestResult{
		TStatistic:        tStat,
		PValue:            pValue,
		DegreesOfFreedom:  df,
		Significant:       pValue < alpha,
		SignificanceLevel: alpha,
	}, nil
}

// ConfidenceInterval represents a statistical confidence interval.
type ConfidenceInterval struct {
	// Lower is the lower bound.
	Lower float64

	// Upper is the upper bound.
	Upper float64

	// Level is the confidence level (e.g., 0.95).
	Level float64

	// Center is the point estimate.
	Center float64
}

// Contains returns true if the interval contains the value.
func (ci *ConfidenceInterval) Contains(v float64) bool {
	return v >= ci.Lower && v <= ci.Upper
}

// Width returns the interval width.
func (ci *ConfidenceInterval) Width() float64 {
	return ci.Upper - ci.Lower
}

// DifferenceCI calculates a confidence interval for mean2 - mean1 using
// Welch's method.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func DifferenceCI(samples1, samples2 []float64, level float64) (*ConfidenceInterval, error) {
	if len(samples1) < 2 || len(samples2) < 2 {
		return nil, ErrInsufficientSamples
	}

	mean1 := mean(samples1)
	mean2 := mean(samples2)
	diff := mean2 - mean1

	var1 := sampleVariance(samples1, mean1)
	var2 := sampleVariance(samples2, mean2)
	n1 := float64(len(samples1))
	n2 := float64(len(samples2))

	se := math.Sqrt(var1/n1 + var2/n2)
	if se == 0 {
		return &ConfidenceInterval{Lower: diff, Upper: diff, Level: level, Center: diff}, nil
	}

	z := zScore(1 - (1-level)/2)
	margin := z * se
	return &ConfidenceInterval{
		Lower:  diff - margin,
		Upper:  diff + margin,
		Level:  level,
		Center: diff,
	}, nil
}

// -----------------------------------------------------------------------------
// Sample Sizing
// -----------------------------------------------------------------------------

// baselineRate is the assumed baseline success proportion for sizing.
const baselineRate = 0.95

// RequiredSampleSize calculates the per-variant sample floor for a
// proportion comparison.
//
// Description:
//
//	Uses the standard two-proportion formula
//
//	    n = (z_alpha + z_beta)^2 * 2 * p * (1 - p) / delta^2
//
//	where p is the assumed baseline rate and delta the minimum
//	detectable effect. The result shrinks as delta grows.
//
// Inputs:
//   - mde: Minimum detectable effect as an absolute proportion. Must be > 0.
//   - confidence: Confidence level (e.g., 0.95).
//   - power: Desired power (e.g., 0.8).
//
// Outputs:
//   - int: Required samples per variant.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func RequiredSampleSize(mde, confidence, power float64) int {
	if mde <= 0 {
		return math.MaxInt32
	}

	zAlpha := zScore(1 - (1-confidence)/2) // two-tailed
	zBeta := zScore(power)

	n := math.Pow(zAlpha+zBeta, 2) * 2 * baselineRate * (1 - baselineRate) / (mde * mde)
	return int(math.Ceil(n))
}

// -----------------------------------------------------------------------------
// Helper Functions
// -----------------------------------------------------------------------------

// mean calculates the arithmetic mean.
func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// sampleVariance calculates the n-1 variance.
func sampleVariance(samples []float64, mean float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		diff := s - mean
		sumSq += diff * diff
	}
	return sumSq / float64(len(samples)-1)
}

// normalCDF approximates the standard normal CDF.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt(2)))
}

// zScore returns the z-score for a given percentile.
func zScore(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	// For p in (0,1): z = sqrt(2) * erfinv(2p - 1)
	return math.Sqrt(2) * math.Erfinv(2*p-1)
}

// tDistributionPValue approximates the two-tailed p-value.
func tDistributionPValue(t, df float64) float64 {
	if df <= 0 {
		return 1
	}

	// For large df, use normal approximation
	if df >= 30 {
		return 2 * (1 - normalCDF(t))
	}

	// Adjust t-statistic to approximate the heavier tails
	adjustedT := t * math.Sqrt(df/(df-2+0.001))
	pValue := 2 * (1 - normalCDF(adjustedT))

	if pValue < 0 {
		pValue = 0
	}
	if pValue > 1 {
		pValue = 1
	}
	return pValue
}
