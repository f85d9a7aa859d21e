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

package regression

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWeightedRegressionExactLine(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4, 5}
	y := make([]float64, len(x))
	w := make([]float64, len(x))
	for i := range x {
		y[i] = 0.001 + 0.0001*x[i]
		w[i] = 1.0
	}
	res, ok := WeightedRegression(x, y, w)
	require.True(t, ok)
	require.InDelta(t, 0.001, res.B0, 1e-12)
	require.InDelta(t, 0.0001, res.B1, 1e-12)
	require.InDelta(t, 0.0, res.S2, 1e-15)
}

func TestWeightedRegressionWeights(t *testing.T) {
	// the outlier carries a huge variance, so it barely moves the fit
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{0.0, 1.0, 2.0, 3.0, 100.0}
	w := []float64{1e-6, 1e-6, 1e-6, 1e-6, 1e6}
	res, ok := WeightedRegression(x, y, w)
	require.True(t, ok)
	require.InDelta(t, 1.0, res.B1, 1e-3)
	require.InDelta(t, 0.0, res.B0, 1e-2)
}

func TestWeightedRegressionTooFew(t *testing.T) {
	_, ok := WeightedRegression([]float64{1, 2}, []float64{1, 2}, []float64{1, 1})
	require.False(t, ok)
}

func TestCriticalRuns(t *testing.T) {
	require.Equal(t, 0, CriticalRuns(0))
	require.Equal(t, 0, CriticalRuns(-5))
	// pinned values from the one-sided 10% normal approximation
	require.Equal(t, 3, CriticalRuns(8))
	require.Equal(t, 4, CriticalRuns(10))
	require.Equal(t, 27, CriticalRuns(64))
	// table saturates at MaxPoints
	require.Equal(t, CriticalRuns(MaxPoints), CriticalRuns(MaxPoints+50))
}

func TestFindBestRegressionDropsSerialResiduals(t *testing.T) {
	// a frequency change halfway through: the first half sits well
	// below the line fitted to the whole set, so runs are few and the
	// old samples get shed
	n := 16
	x := make([]float64, n)
	y := make([]float64, n)
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(i)
		w[i] = 1.0
		if i < n/2 {
			y[i] = 0.0
		} else {
			y[i] = 1.0 + 0.5*float64(i-n/2)
		}
	}
	res, start, dof, ok := FindBestRegression(x, y, w)
	require.True(t, ok)
	require.Greater(t, start, 0)
	require.Equal(t, n-start-2, dof)
	require.InDelta(t, 0.5, res.B1, 0.1)
}

func TestFindBestRegressionCleanData(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	y := make([]float64, len(x))
	w := make([]float64, len(x))
	for i := range x {
		// alternate small residuals so runs stay plentiful
		y[i] = 0.5*x[i] + 0.001*float64(1-2*(i%2))
		w[i] = 1.0
	}
	res, start, dof, ok := FindBestRegression(x, y, w)
	require.True(t, ok)
	require.Equal(t, 0, start)
	require.Equal(t, len(x)-2, dof)
	require.InDelta(t, 0.5, res.B1, 1e-3)
}

func TestSelectKth(t *testing.T) {
	vals := []float64{9, 1, 8, 2, 7, 3, 6, 4, 5}
	require.Equal(t, 1.0, SelectKth(append([]float64(nil), vals...), 0))
	require.Equal(t, 5.0, SelectKth(append([]float64(nil), vals...), 4))
	require.Equal(t, 9.0, SelectKth(append([]float64(nil), vals...), 8))
}

func TestMedian(t *testing.T) {
	require.Equal(t, 3.0, Median([]float64{5, 1, 3, 2, 4}))
	require.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
}

func TestRobustRegressionOutliers(t *testing.T) {
	x := make([]float64, 15)
	y := make([]float64, 15)
	for i := range x {
		x[i] = float64(i)
		y[i] = 2.0 + 0.25*x[i]
	}
	// poison a few samples
	y[3] += 50.0
	y[7] -= 80.0
	a, b, ok := RobustRegression(x, y, 1e-6)
	require.True(t, ok)
	require.InDelta(t, 0.25, b, 0.02)
	require.InDelta(t, 2.0, a, 0.5)
}

func TestRobustRegressionTooFew(t *testing.T) {
	_, _, ok := RobustRegression([]float64{1, 2}, []float64{1, 2}, 1e-6)
	require.False(t, ok)
}

func TestMeanAndVariance(t *testing.T) {
	mean, variance := MeanAndVariance([]float64{1, 2, 3, 4})
	require.InDelta(t, 2.5, mean, 1e-12)
	require.InDelta(t, 5.0/3.0, variance, 1e-12)

	mean, variance = MeanAndVariance([]float64{7})
	require.Equal(t, 7.0, mean)
	require.Equal(t, 0.0, variance)
}

func TestRobustResidualSignCount(t *testing.T) {
	// perfectly fitted line leaves a zero residual sum
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2, 4, 6, 8, 10}
	tmp := make([]float64, len(x))
	require.Equal(t, 0.0, robustResidual(x, y, tmp, 2.0))
	require.Less(t, robustResidual(x, y, tmp, 3.0), 0.0)
	require.Greater(t, robustResidual(x, y, tmp, 1.0), 0.0)
}

func TestCriticalRunsMonotone(t *testing.T) {
	for n := 5; n <= MaxPoints; n++ {
		require.GreaterOrEqual(t, CriticalRuns(n), CriticalRuns(n-1), "n=%d", n)
		require.Less(t, CriticalRuns(n), n)
	}
	require.False(t, math.IsNaN(float64(CriticalRuns(MaxPoints))))
}
