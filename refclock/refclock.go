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
Package refclock feeds local hardware time references (SHM, SOCK, PPS,
PHC) through a median filter into per-source statistics. Drivers
submit raw samples or PPS pulses; the poll entry point distils them
into one sample for the selection machinery.
*/
package refclock

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntsync/localclock"
	"github.com/facebook/ntsync/reference"
	"github.com/facebook/ntsync/sourcestats"
	"github.com/facebook/ntsync/timemath"
)

// Driver is the adapter for one refclock kind. Poll is called each
// time the RefClock is polled and submits samples through the RefClock.
type Driver interface {
	Init(rc *RefClock) error
	Finalise()
	Poll(rc *RefClock)
}

// Options configures one refclock source
type Options struct {
	Driver        string  `yaml:"driver"`
	Param         string  `yaml:"param"`
	RefID         uint32  `yaml:"refid"`
	Poll          int     `yaml:"poll"` // log2 seconds
	FilterLength  int     `yaml:"filter"`
	Rate          int     `yaml:"rate"` // PPS pulses per second
	MaxDispersion float64 `yaml:"max_dispersion"`
	Offset        float64 `yaml:"offset"`
	Delay         float64 `yaml:"delay"`
	Precision     float64 `yaml:"precision"`
	PulseWidth    float64 `yaml:"pulse_width"`
	Lock          string  `yaml:"lock"`
}

// Leap status submitted by drivers alongside samples
const (
	LeapNormal = 0
	LeapInsert = 1
	LeapDelete = -1
)

// RefClock is one reference clock source
type RefClock struct {
	lcl      *localclock.LocalClock
	tracking *reference.Reference
	opts     Options
	driver   Driver
	filter   *MedianFilter
	stats    *sourcestats.Stats
	lock     *RefClock
	leap     int
}

// New wires a refclock source to its driver. The filter defaults to 64
// samples, the rate to 1 and the precision to the local clock quantum.
// Poll has no default: an unset Poll is poll 0, accepting samples up
// to 2 seconds old.
func New(lcl *localclock.LocalClock, tracking *reference.Reference, opts Options, driver Driver) (*RefClock, error) {
	if opts.FilterLength <= 0 {
		opts.FilterLength = 64
	}
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.Precision <= 0 {
		_, quantum := lcl.Precision()
		opts.Precision = quantum
	}
	rc := &RefClock{
		lcl:      lcl,
		tracking: tracking,
		opts:     opts,
		driver:   driver,
		filter:   NewMedianFilter(opts.FilterLength, opts.MaxDispersion),
		stats:    sourcestats.New(),
	}
	if driver != nil {
		if err := driver.Init(rc); err != nil {
			return nil, fmt.Errorf("initialising %s driver: %w", opts.Driver, err)
		}
	}
	return rc, nil
}

// SetLockRef points a PPS source at the refclock its pulses are
// numbered by
func (rc *RefClock) SetLockRef(lock *RefClock) {
	rc.lock = lock
}

// RefID returns the source's reference ID
func (rc *RefClock) RefID() uint32 {
	return rc.opts.RefID
}

// Leap returns the last leap status a driver submitted
func (rc *RefClock) Leap() int {
	return rc.leap
}

// Finalise releases the driver
func (rc *RefClock) Finalise() {
	if rc.driver != nil {
		rc.driver.Finalise()
	}
}

// maximum cooked age of an acceptable sample
func (rc *RefClock) maxAge() float64 {
	return math.Pow(2.0, float64(rc.opts.Poll+1))
}

func (rc *RefClock) validateTime(cooked timemath.Timestamp) bool {
	now, _ := rc.lcl.CookTime(rc.lcl.ReadRawTime())
	age := now.Sub(cooked)
	if age < 0.0 {
		log.Debugf("refclock sample from the future rejected")
		return false
	}
	if age > rc.maxAge() {
		log.Debugf("refclock sample too old (%.3fs) rejected", age)
		return false
	}
	if last, ok := rc.filter.LastSample(); ok && !last.Time.Before(cooked) {
		log.Debugf("refclock sample not monotonic, rejected")
		return false
	}
	return true
}

// AddSample submits one absolute measurement: sampleTime is the raw
// local time of the measurement and offset how far the local clock is
// ahead of the reference
func (rc *RefClock) AddSample(sampleTime timemath.Timestamp, offset float64, leap int) bool {
	if math.IsNaN(offset) || math.IsInf(offset, 0) {
		return false
	}
	cooked, _ := rc.lcl.CookTime(sampleTime)
	if !rc.validateTime(cooked) {
		return false
	}
	rc.leap = leap
	return rc.filter.AddSample(cooked, offset-rc.opts.Offset, rc.opts.Precision)
}

// AddPulse submits one PPS edge: second is the sub-second fraction of
// the local receive time. The pulse carries no absolute time, so the
// offset is aligned either to the locked refclock or to the system
// clock, and pulses that cannot be aligned confidently are dropped.
func (rc *RefClock) AddPulse(pulseTime timemath.Timestamp, second float64) bool {
	if math.IsNaN(second) || math.IsInf(second, 0) {
		return false
	}
	cooked, _ := rc.lcl.CookTime(pulseTime)
	if !rc.validateTime(cooked) {
		return false
	}

	rate := float64(rc.opts.Rate)
	disp := rc.opts.Precision

	offset := -second + rc.opts.Offset
	// fold into [-0.5/rate, 0.5/rate)
	offset -= math.Round(offset*rate) / rate
	if offset < -0.5/rate {
		offset += 1.0 / rate
	} else if offset >= 0.5/rate {
		offset -= 1.0 / rate
	}

	if w := rc.opts.PulseWidth; w > 0.0 {
		maxErr := math.Min(w, 1.0/rate-w) / 2.0
		if math.Abs(offset) > maxErr || rc.distance(cooked) > maxErr {
			log.Debugf("pulse edge outside +-%.6fs window, rejected", maxErr)
			return false
		}
	}

	if rc.lock != nil {
		ref, ok := rc.lock.filter.LastSample()
		if !ok {
			log.Debugf("pulse dropped, lock reference has no samples")
			return false
		}
		// move by whole pulse periods onto the reference's offset
		offset += math.Round((ref.Offset-offset)*rate) / rate
		if math.Abs(offset-ref.Offset)+ref.Dispersion+disp >= 0.2/rate {
			log.Debugf("pulse too far from lock reference, rejected")
			return false
		}
		rc.leap = rc.lock.leap
	} else {
		if !rc.tracking.IsSynchronised() {
			log.Debugf("pulse dropped, system clock not synchronised")
			return false
		}
		if rc.distance(cooked) >= 0.5/rate {
			log.Debugf("pulse dropped, system clock error too large")
			return false
		}
	}

	return rc.filter.AddSample(cooked, offset, disp)
}

// distance is the error bound of the system clock at the given time
func (rc *RefClock) distance(t timemath.Timestamp) float64 {
	p := rc.tracking.GetReferenceParams(t)
	if !p.IsSynchronised {
		return math.Inf(1)
	}
	return p.RootDelay/2.0 + p.RootDispersion
}

// Poll lets the driver fetch pending measurements and distils the
// filter into one statistics sample
func (rc *RefClock) Poll() {
	if rc.driver != nil {
		rc.driver.Poll(rc)
	}
	sample, ok := rc.filter.GetSample()
	if !ok {
		return
	}
	rc.stats.AccumulateSample(sample.Time, sample.Offset, sample.Dispersion)
	log.Debugf("refclock %s sample offset %.9f dispersion %.9f",
		timemath.RefIDString(rc.opts.RefID), sample.Offset, sample.Dispersion)
}

// GetEstimate fits the accumulated statistics samples
func (rc *RefClock) GetEstimate() (sourcestats.Estimate, bool) {
	return rc.stats.GetStats()
}

// RootDelay is the configured path delay of the source
func (rc *RefClock) RootDelay() float64 {
	return rc.opts.Delay
}
