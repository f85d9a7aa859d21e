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
Package reference keeps the daemon's tracking state: which source we
follow, how good it is and what we report to clients. A selected
source update comes in here and leaves as frequency and offset
commands to the local clock, a drift file write and a tracking log
record.
*/
package reference

import (
	"fmt"
	"math"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntsync/localclock"
	"github.com/facebook/ntsync/timemath"
)

// Leap is the two-bit NTP leap indicator
type Leap uint8

// Leap indicator values
const (
	LeapNormal Leap = iota
	LeapInsertSecond
	LeapDeleteSecond
	LeapUnsynchronised
)

// localRefID is the reference ID reported in local (orphan) mode
const localRefID = 0x7f7f0101

// trackingHeaderInterval is how many records go between headers
const trackingHeaderInterval = 32

// Config holds the tracking parameters. Frequencies and skews are
// dimensionless (seconds per second) unless the name says ppm.
type Config struct {
	MaxUpdateSkew       float64 // s/s; updates with a larger skew only slew the offset
	DriftFile           string
	TrackingLogFile     string
	LogChangeThreshold  float64 // warn when an update moves the clock more than this
	MailChangeThreshold float64
	MailProgram         string
	LocalStratum        uint8
	CorrectionTimeRatio float64
}

// Params is what the NTP outbound layer reports to clients
type Params struct {
	IsSynchronised bool
	Leap           Leap
	Stratum        uint8
	RefID          uint32
	RefTime        timemath.Timestamp
	RootDelay      float64
	RootDispersion float64
}

// Reference is the tracking state singleton
type Reference struct {
	lcl *localclock.LocalClock
	cfg Config

	synchronised   bool
	stratum        uint8
	leap           Leap
	refID          uint32
	refTime        timemath.Timestamp
	offset         float64
	frequency      float64
	skew           float64
	residualFreq   float64
	rootDelay      float64
	rootDispersion float64

	localEnabled bool
	localStratum uint8

	trackingLog *LogFile
}

// New creates the tracking state, loads the drift file if present and
// installs the remembered frequency
func New(lcl *localclock.LocalClock, cfg Config) *Reference {
	if cfg.MaxUpdateSkew <= 0 {
		cfg.MaxUpdateSkew = 1000.0e-6
	}
	r := &Reference{
		lcl:     lcl,
		cfg:     cfg,
		leap:    LeapUnsynchronised,
		stratum: 16,
		skew:    1.0e6,
	}
	if cfg.DriftFile != "" {
		if freqPPM, skewPPM, err := ReadDriftFile(cfg.DriftFile); err != nil {
			log.Warningf("could not read drift file %s: %v", cfg.DriftFile, err)
		} else {
			r.skew = skewPPM * 1e-6
			if err := lcl.SetAbsoluteFrequency(freqPPM); err != nil {
				log.Fatalf("could not set initial frequency: %v", err)
			}
			log.Infof("frequency %.3f ppm read from %s", freqPPM, cfg.DriftFile)
		}
	}
	if cfg.TrackingLogFile != "" {
		r.trackingLog = NewLogFile(cfg.TrackingLogFile, trackingHeader, trackingHeaderInterval)
	}
	return r
}

// IsSynchronised reports whether we currently follow a source
func (r *Reference) IsSynchronised() bool {
	return r.synchronised
}

// Skew returns the current skew estimate in s/s
func (r *Reference) Skew() float64 {
	return r.skew
}

// ResidualFreq returns the residual frequency in s/s
func (r *Reference) ResidualFreq() float64 {
	return r.residualFreq
}

// SetReference applies an update from the selected source. offset,
// frequency and skew are in seconds and s/s; stratum is the source's
// own stratum. Returns false when the update was rejected.
func (r *Reference) SetReference(stratum uint8, leap Leap, refID uint32, refTime timemath.Timestamp,
	offset, frequency, skew, rootDelay, rootDispersion float64) bool {
	// non-finite skew makes the weighted combination meaningless;
	// the (skew+skew)/skew probe catches NaN and the infinities
	if !(math.Abs((skew+skew)/skew-2.0) < 1e-9) {
		log.Warningf("rejecting reference update with invalid skew %v", skew)
		return false
	}

	prevSkew := r.skew

	r.synchronised = true
	r.stratum = stratum + 1
	r.leap = leap
	r.refID = refID
	r.refTime = refTime
	r.offset = offset
	r.frequency = frequency
	r.skew = skew
	r.rootDelay = rootDelay
	r.rootDispersion = rootDispersion

	if math.Abs(skew) < r.cfg.MaxUpdateSkew {
		// combine the new frequency with the previous
		// delta-frequency, which is always zero after the last
		// update was absorbed; this deliberately biases the
		// smoother toward the new measurement
		previousFreq := 0.0
		weight1 := 1.0 / (prevSkew * prevSkew)
		weight2 := 3.0 / (skew * skew)
		sumWeight := weight1 + weight2
		combinedFreq := (previousFreq*weight1 + frequency*weight2) / sumWeight
		delta1 := previousFreq - combinedFreq
		delta2 := frequency - combinedFreq
		r.skew = math.Sqrt((delta1*delta1*weight1+delta2*delta2*weight2)/sumWeight) +
			(prevSkew*weight1+skew*weight2)/sumWeight
		r.residualFreq = frequency - combinedFreq
		r.lcl.AccumulateFrequencyAndOffset(combinedFreq, offset, r.correctionRate(offset))
	} else {
		r.lcl.AccumulateOffset(offset, r.correctionRate(offset))
		r.residualFreq = frequency
	}

	r.maybeLogChange(offset)

	// the update is absorbed into the clock now
	r.frequency = 0.0
	r.offset = 0.0

	r.lcl.SetSyncStatus(true, math.Abs(offset), rootDelay/2.0+rootDispersion)
	r.lcl.SetLeap(leapToDriver(leap))

	r.writeDrift()
	r.logTracking(offset)
	return true
}

func (r *Reference) correctionRate(offset float64) float64 {
	ratio := r.cfg.CorrectionTimeRatio
	if ratio <= 0 {
		return 0.0
	}
	return ratio * 0.5 * math.Abs(offset)
}

func leapToDriver(leap Leap) int {
	switch leap {
	case LeapInsertSecond:
		return 1
	case LeapDeleteSecond:
		return -1
	}
	return 0
}

func (r *Reference) maybeLogChange(offset float64) {
	a := math.Abs(offset)
	if r.cfg.LogChangeThreshold > 0 && a > r.cfg.LogChangeThreshold {
		log.Warningf("system clock wrong by %.6f seconds, adjustment started", -offset)
	}
	if r.cfg.MailChangeThreshold > 0 && a > r.cfg.MailChangeThreshold && r.cfg.MailProgram != "" {
		cmd := exec.Command(r.cfg.MailProgram, fmt.Sprintf("%.6f", -offset))
		if err := cmd.Start(); err != nil {
			log.Errorf("could not spawn %s: %v", r.cfg.MailProgram, err)
		}
	}
}

func (r *Reference) writeDrift() {
	if r.cfg.DriftFile == "" {
		return
	}
	freqPPM := r.lcl.ReadAbsoluteFrequency()
	if err := WriteDriftFile(r.cfg.DriftFile, freqPPM, r.skew*1e6); err != nil {
		log.Warningf("could not write drift file %s: %v", r.cfg.DriftFile, err)
	}
}

var trackingHeader = fmt.Sprintf("%-26s %-10s %2s %10s %10s %12s",
	"Date (UTC) Time", "Ref ID", "St", "Freq ppm", "Skew ppm", "Offset")

func (r *Reference) logTracking(offset float64) {
	if r.trackingLog == nil {
		return
	}
	now := r.lcl.ReadRawTime().Time().UTC()
	r.trackingLog.WriteRecord(fmt.Sprintf("%-26s %-10s %2d %10.3f %10.3f %12.3e",
		now.Format("2006-01-02 15:04:05"),
		timemath.RefIDString(r.refID),
		r.stratum,
		r.lcl.ReadAbsoluteFrequency(),
		r.skew*1e6,
		offset))
}

// CycleLogFiles closes and reopens the tracking log (for logrotate)
func (r *Reference) CycleLogFiles() {
	if r.trackingLog != nil {
		r.trackingLog.Cycle()
	}
}

// SetUnsynchronised drops the synchronised state; the reported
// parameters fall back to unsynchronised or local mode
func (r *Reference) SetUnsynchronised() {
	r.synchronised = false
	r.lcl.SetSyncStatus(false, 0.0, 0.0)
}

// EnableLocal turns on the local reference mode with the given stratum
func (r *Reference) EnableLocal(stratum uint8) {
	r.localEnabled = true
	r.localStratum = stratum
}

// DisableLocal turns off the local reference mode
func (r *Reference) DisableLocal() {
	r.localEnabled = false
}

// GetReferenceParams reports the current reference for the NTP
// outbound layer, extrapolating dispersion to localTime
func (r *Reference) GetReferenceParams(localTime timemath.Timestamp) Params {
	if r.synchronised {
		elapsed := localTime.Sub(r.refTime)
		return Params{
			IsSynchronised: true,
			Leap:           r.leap,
			Stratum:        r.stratum,
			RefID:          r.refID,
			RefTime:        r.refTime,
			RootDelay:      r.rootDelay,
			RootDispersion: r.rootDispersion + (r.skew+math.Abs(r.residualFreq))*elapsed,
		}
	}
	if r.localEnabled {
		_, quantum := r.lcl.Precision()
		return Params{
			IsSynchronised: true,
			Leap:           LeapNormal,
			Stratum:        r.localStratum,
			RefID:          localRefID,
			RefTime:        localTime.Add(-1.0),
			RootDelay:      0.0,
			RootDispersion: quantum,
		}
	}
	return Params{
		IsSynchronised: false,
		Leap:           LeapUnsynchronised,
		Stratum:        16,
	}
}
