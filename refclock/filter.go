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

package refclock

import (
	"math"
	"sort"

	"github.com/facebook/ntsync/regression"
	"github.com/facebook/ntsync/timemath"
)

// FilterSample is one refclock measurement
type FilterSample struct {
	Offset     float64
	Dispersion float64
	Time       timemath.Timestamp
}

// avgVarGate caps the pseudo degrees of freedom of the long-term
// variance average; past it the average decays exponentially
const avgVarGate = 50

// MedianFilter is a ring of recent samples feeding the per-source
// statistics. It keeps an exponential moving average of the sample
// variance to stabilise the dispersion reported from short windows.
type MedianFilter struct {
	length        int
	used          int
	index         int // write head
	last          int // most recent sample
	maxDispersion float64
	avgVar        float64
	avgVarN       int
	samples       []FilterSample
}

// NewMedianFilter allocates a filter of the given capacity; samples
// with a dispersion above maxDispersion are rejected outright
func NewMedianFilter(length int, maxDispersion float64) *MedianFilter {
	if length < 1 {
		length = 1
	}
	return &MedianFilter{
		length:        length,
		maxDispersion: maxDispersion,
		samples:       make([]FilterSample, length),
	}
}

// Reset empties the filter without freeing storage
func (f *MedianFilter) Reset() {
	f.used = 0
	f.index = 0
	f.last = 0
}

// Used returns the number of samples currently held
func (f *MedianFilter) Used() int {
	return f.used
}

// AddSample stores a sample, overwriting the oldest once the ring is
// full. Samples above the dispersion bound are dropped.
func (f *MedianFilter) AddSample(t timemath.Timestamp, offset, dispersion float64) bool {
	if f.maxDispersion > 0 && dispersion > f.maxDispersion {
		return false
	}
	f.index = (f.index + 1) % f.length
	f.last = f.index
	if f.used < f.length {
		f.used++
	}
	f.samples[f.index] = FilterSample{Offset: offset, Dispersion: dispersion, Time: t}
	return true
}

// LastSample returns the most recent sample
func (f *MedianFilter) LastSample() (FilterSample, bool) {
	if f.used == 0 {
		return FilterSample{}, false
	}
	return f.samples[f.last], true
}

// chronological index of the i-th oldest held sample
func (f *MedianFilter) nth(i int) int {
	return (f.last - f.used + 1 + i + 2*f.length) % f.length
}

// GetSample runs the selection and estimation over the held samples:
// trim by dispersion, trim the offset tails, then regress or average
// depending on how many samples survive. The result is referenced to
// the time of the newest sample.
func (f *MedianFilter) GetSample() (FilterSample, bool) {
	n := f.used
	if (f.length >= 4 && n < 4) || (f.length < 4 && n < f.length) {
		return FilterSample{}, false
	}

	sel := make([]int, 0, n)
	for i := 0; i < n; i++ {
		sel = append(sel, f.nth(i))
	}

	// with enough samples, keep only those close to the minimum
	// dispersion, unless that leaves too few
	if n > 4 {
		minDisp := f.samples[sel[0]].Dispersion
		for _, i := range sel[1:] {
			if d := f.samples[i].Dispersion; d < minDisp {
				minDisp = d
			}
		}
		kept := make([]int, 0, n)
		for _, i := range sel {
			if f.samples[i].Dispersion <= 1.5*minDisp {
				kept = append(kept, i)
			}
		}
		if len(kept) >= 4 {
			sel = kept
		}
	}

	// sort by offset and cut 20% from each tail, at least one from
	// each end when more than two remain
	sort.Slice(sel, func(a, b int) bool {
		return f.samples[sel[a]].Offset < f.samples[sel[b]].Offset
	})
	if m := len(sel); m > 2 {
		d := m / 5
		if d < 1 {
			d = 1
		}
		sel = sel[d : m-d]
	}

	// back to chronological order for the regression
	sort.Slice(sel, func(a, b int) bool {
		return f.samples[sel[a]].Time.Before(f.samples[sel[b]].Time)
	})

	lastTime := f.samples[f.last].Time
	m := len(sel)

	var offset, disp, v float64
	var dof int
	switch {
	case m >= 4:
		x := make([]float64, m)
		y := make([]float64, m)
		w := make([]float64, m)
		for i, si := range sel {
			x[i] = f.samples[si].Time.Sub(lastTime)
			y[i] = f.samples[si].Offset
			w[i] = f.samples[si].Dispersion
		}
		res, ok := regression.WeightedRegression(x, y, w)
		if !ok {
			return FilterSample{}, false
		}
		offset = res.B0
		disp = res.SB0
		v = res.S2
		dof = m - 2
	case m >= 2:
		y := make([]float64, m)
		for i, si := range sel {
			y[i] = f.samples[si].Offset
		}
		var mean float64
		mean, v = regression.MeanAndVariance(y)
		offset = mean
		disp = math.Sqrt(v)
		dof = m - 1
	default:
		offset = f.samples[sel[0]].Offset
		v = f.avgVar
		disp = math.Sqrt(v)
		dof = 1
	}

	if v < 1e-20 {
		v = 1e-20
	}

	if f.avgVarN > 0 {
		// a fit can get lucky on a short window; when its variance
		// is improbably small against the long-term average, scale
		// the dispersion back up to it
		if v*float64(dof)/chi2Quantile90(dof) < f.avgVar {
			disp = math.Sqrt(f.avgVar) * disp / math.Sqrt(v)
		}
		mdof := f.avgVarN
		if mdof > avgVarGate {
			mdof = avgVarGate
		}
		f.avgVar = (f.avgVar*float64(mdof) + v*float64(dof)) / (float64(mdof) + float64(dof))
		if f.avgVarN < avgVarGate {
			f.avgVarN += dof
		}
	} else {
		f.avgVar = v
		f.avgVarN = dof
	}

	// never report less than the average dispersion of what went in
	var e float64
	for _, si := range sel {
		e += f.samples[si].Dispersion
	}
	e /= float64(m)
	if disp < e {
		disp = e
	}

	return FilterSample{Offset: offset, Dispersion: disp, Time: lastTime}, true
}

// chi2Quantile90 approximates the 90% quantile of the chi-square
// distribution with k degrees of freedom (Wilson-Hilferty)
func chi2Quantile90(k int) float64 {
	fk := float64(k)
	t := 1.0 - 2.0/(9.0*fk) + 1.2816*math.Sqrt(2.0/(9.0*fk))
	return fk * t * t * t
}
