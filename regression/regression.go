/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package regression implements the estimators behind source statistics:
weighted least squares, a robust median-slope fit and the runs-of-sign
residual test used to shed stale samples after a frequency change.
*/
package regression

import (
	"math"
)

// MaxPoints bounds the number of samples any regression works on
const MaxPoints = 128

// MinSamples is the smallest data set a least-squares fit accepts
const MinSamples = 3

// Result holds a weighted least-squares fit. B0 is the intercept, B1
// the slope, S2 the residual variance, SB0/SB1 the standard errors of
// intercept and slope.
type Result struct {
	B0  float64
	B1  float64
	S2  float64
	SB0 float64
	SB1 float64
}

// WeightedRegression fits y = b0 + b1*x with inverse-variance weights.
// w holds per-sample variances, so larger w means less influence.
// Needs at least MinSamples points.
func WeightedRegression(x, y, w []float64) (Result, bool) {
	n := len(x)
	if n < MinSamples || len(y) != n || len(w) != n {
		return Result{}, false
	}

	var U, W, P float64
	for i := 0; i < n; i++ {
		U += x[i] / w[i]
		W += 1.0 / w[i]
		P += y[i] / w[i]
	}
	u := U / W

	var Q, V float64
	for i := 0; i < n; i++ {
		ui := x[i] - u
		Q += y[i] * ui / w[i]
		V += ui * ui / w[i]
	}

	b1 := Q / V
	b0 := P/W - b1*u

	var s2 float64
	for i := 0; i < n; i++ {
		d := y[i] - b0 - b1*x[i]
		s2 += d * d / w[i]
	}
	s2 /= float64(n - 2)

	sb1 := math.Sqrt(s2 / V)
	sb0 := math.Sqrt(s2/W + u*u*sb1*sb1)

	return Result{B0: b0, B1: b1, S2: s2, SB0: sb0, SB1: sb1}, true
}

// critical10 holds the 10% one-sided critical values for the number
// of runs of same-sign residuals, indexed by sample count. Too few
// runs means the residuals are serially dependent and the oldest
// samples should go.
var critical10 [MaxPoints + 1]int

func init() {
	for n := 4; n <= MaxPoints; n++ {
		n1 := n / 2
		n2 := n - n1
		mean := 1.0 + 2.0*float64(n1)*float64(n2)/float64(n)
		v := 2.0 * float64(n1) * float64(n2) * (2.0*float64(n1)*float64(n2) - float64(n)) /
			(float64(n) * float64(n) * float64(n-1))
		c := int(math.Floor(mean - 1.2816*math.Sqrt(v)))
		if c < 0 {
			c = 0
		}
		critical10[n] = c
	}
}

// CriticalRuns returns the 10% critical number of runs for n residuals
func CriticalRuns(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxPoints {
		n = MaxPoints
	}
	return critical10[n]
}

func countRuns(resid []float64) int {
	runs := 1
	for i := 1; i < len(resid); i++ {
		if (resid[i] >= 0) != (resid[i-1] >= 0) {
			runs++
		}
	}
	return runs
}

// FindBestRegression fits the newest samples, dropping the oldest one
// at a time while the residual runs test rejects the fit. The test is
// skipped at or below 3 samples. Returns the fit, the index of the
// first sample used and the degrees of freedom.
func FindBestRegression(x, y, w []float64) (Result, int, int, bool) {
	n := len(x)
	start := 0
	for {
		m := n - start
		if m < MinSamples {
			return Result{}, 0, 0, false
		}
		res, ok := WeightedRegression(x[start:], y[start:], w[start:])
		if !ok {
			return Result{}, 0, 0, false
		}
		if m <= 3 {
			return res, start, m - 2, true
		}
		resid := make([]float64, m)
		for i := 0; i < m; i++ {
			resid[i] = y[start+i] - res.B0 - res.B1*x[start+i]
		}
		if countRuns(resid) > CriticalRuns(m) {
			return res, start, m - 2, true
		}
		start++
	}
}

// median of vals, destructive on the slice order
func median(vals []float64) float64 {
	n := len(vals)
	k := n / 2
	if n%2 == 1 {
		return SelectKth(vals, k)
	}
	lo := SelectKth(vals, k-1)
	hi := SelectKth(vals, k)
	return (lo + hi) / 2.0
}

// SelectKth returns the k-th smallest value (0-based), reordering vals
func SelectKth(vals []float64, k int) float64 {
	lo, hi := 0, len(vals)-1
	for lo < hi {
		pivot := vals[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for vals[i] < pivot {
				i++
			}
			for vals[j] > pivot {
				j--
			}
			if i <= j {
				vals[i], vals[j] = vals[j], vals[i]
				i++
				j--
			}
		}
		if k <= j {
			hi = j
		} else if k >= i {
			lo = i
		} else {
			break
		}
	}
	return vals[k]
}

// Median returns the median without disturbing the input
func Median(vals []float64) float64 {
	tmp := make([]float64, len(vals))
	copy(tmp, vals)
	return median(tmp)
}

// residual sum of x_i * sign(y_i - a - b*x_i) at slope b, with a the
// median of y_i - b*x_i
func robustResidual(x, y, tmp []float64, b float64) float64 {
	for i := range x {
		tmp[i] = y[i] - b*x[i]
	}
	a := median(tmp)
	var s float64
	for i := range x {
		d := y[i] - a - b*x[i]
		switch {
		case d > 0:
			s += x[i]
		case d < 0:
			s -= x[i]
		}
	}
	return s
}

// RobustRegression fits y = a + b*x by bisecting the slope to a root
// of the signed residual sum. The bracket starts at the least-squares
// estimate plus and minus three standard errors and its half-width
// doubles until the signs differ. Used where outliers are expected.
func RobustRegression(x, y []float64, tol float64) (a, b float64, ok bool) {
	n := len(x)
	if n < MinSamples {
		return 0, 0, false
	}

	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0
	}
	ls, ok := WeightedRegression(x, y, w)
	if !ok {
		return 0, 0, false
	}

	step := 3.0 * ls.SB1
	if step < 3.0*tol || math.IsNaN(step) {
		step = 3.0 * tol
	}

	tmp := make([]float64, n)
	blo, bhi := ls.B1-step, ls.B1+step
	flo := robustResidual(x, y, tmp, blo)
	fhi := robustResidual(x, y, tmp, bhi)
	for i := 0; flo*fhi > 0; i++ {
		if i > 60 {
			return 0, 0, false
		}
		step *= 2.0
		blo = ls.B1 - step
		bhi = ls.B1 + step
		flo = robustResidual(x, y, tmp, blo)
		fhi = robustResidual(x, y, tmp, bhi)
	}

	for bhi-blo > tol {
		mid := (blo + bhi) / 2.0
		fmid := robustResidual(x, y, tmp, mid)
		if fmid == 0.0 {
			blo, bhi = mid, mid
			break
		}
		if fmid*flo < 0 {
			bhi = mid
		} else {
			blo = mid
			flo = fmid
		}
	}

	b = (blo + bhi) / 2.0
	for i := range x {
		tmp[i] = y[i] - b*x[i]
	}
	a = median(tmp)
	return a, b, true
}

// MeanAndVariance returns the sample mean and variance (n-1 divisor)
func MeanAndVariance(vals []float64) (mean, variance float64) {
	n := len(vals)
	if n == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(n)
	if n < 2 {
		return mean, 0
	}
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	return mean, variance
}
