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
Package sourcestats turns streams of (time, offset, dispersion)
samples from one time source into offset/frequency/skew estimates via
the regression package. One Stats instance per source.
*/
package sourcestats

import (
	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntsync/regression"
	"github.com/facebook/ntsync/timemath"
)

// Estimate is the regression outcome for a source
type Estimate struct {
	// Offset is the estimated offset at Time, seconds
	Offset float64
	// OffsetSD is the standard deviation of the offset estimate
	OffsetSD float64
	// Freq is the estimated frequency error in s/s
	Freq float64
	// Skew is the standard deviation of the frequency estimate
	Skew float64
	// Time is the reference point of the estimate (newest sample)
	Time timemath.Timestamp
	// NSamples is how many samples survived into the fit
	NSamples int
}

// Stats accumulates samples for one source, bounded by
// regression.MaxPoints; the oldest samples fall off the front
type Stats struct {
	times   []timemath.Timestamp
	offsets []float64
	disps   []float64
}

// New creates empty statistics
func New() *Stats {
	return &Stats{}
}

// NSamples returns the number of held samples
func (s *Stats) NSamples() int {
	return len(s.times)
}

// Reset drops all samples
func (s *Stats) Reset() {
	s.times = s.times[:0]
	s.offsets = s.offsets[:0]
	s.disps = s.disps[:0]
}

// AccumulateSample appends a sample, shedding the oldest when full
func (s *Stats) AccumulateSample(t timemath.Timestamp, offset, dispersion float64) {
	if len(s.times) == regression.MaxPoints {
		s.times = s.times[1:]
		s.offsets = s.offsets[1:]
		s.disps = s.disps[1:]
	}
	s.times = append(s.times, t)
	s.offsets = append(s.offsets, offset)
	s.disps = append(s.disps, dispersion)
}

// GetStats fits the held samples. The runs test inside the regression
// may shed old samples; those are dropped from the store too, so a
// frequency change does not haunt later fits.
func (s *Stats) GetStats() (Estimate, bool) {
	n := len(s.times)
	if n < regression.MinSamples {
		return Estimate{}, false
	}

	last := s.times[n-1]
	x := make([]float64, n)
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = s.times[i].Sub(last)
		w[i] = s.disps[i]
	}

	res, start, _, ok := regression.FindBestRegression(x, s.offsets, w)
	if !ok {
		return Estimate{}, false
	}
	if start > 0 {
		log.Debugf("dropping %d stale samples after runs test", start)
		s.times = s.times[start:]
		s.offsets = s.offsets[start:]
		s.disps = s.disps[start:]
	}

	return Estimate{
		Offset:   res.B0,
		OffsetSD: res.SB0,
		Freq:     res.B1,
		Skew:     res.SB1,
		Time:     last,
		NSamples: n - start,
	}, true
}
