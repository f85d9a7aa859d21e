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
Package localclock holds the single authoritative view of the system
clock. Every subsystem that adjusts or reads adjusted time goes
through here; the actual kernel calls are behind the Driver
capability, so tests and exotic platforms can swap them out.
*/
package localclock

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntsync/timemath"
)

// ChangeType tells observers what kind of clock change happened
type ChangeType int

// Clock change kinds
const (
	// ChangeAdjust is a gradual frequency/offset adjustment
	ChangeAdjust ChangeType = iota
	// ChangeStep is a step this daemon applied itself
	ChangeStep
	// ChangeUnknownStep is a step some outside actor applied
	ChangeUnknownStep
)

// Driver is the OS clock-steering capability. SetFrequency returns
// the frequency actually installed after the kernel's rounding.
// Offset reports, for a raw timestamp, the correction still to be
// applied to cook it and an error bound on that correction.
type Driver interface {
	ReadFrequency() float64
	SetFrequency(freqPPM float64) (float64, error)
	AccrueOffset(offset, corrRate float64) error
	ApplyStepOffset(offset float64) error
	Offset(raw timemath.Timestamp) (correction, errBound float64)
	SetLeap(leap int) error
	SetSyncStatus(synchronised bool, estError, maxError float64) error
}

// ParameterChangeFunc observes clock parameter changes. cooked is the
// adjusted time at the moment of the change; for steps it is the time
// before the step was applied.
type ParameterChangeFunc func(raw, cooked timemath.Timestamp, dfreq, doffset float64, change ChangeType)

// DispersionNotifyFunc observes extra dispersion injected by steps
type DispersionNotifyFunc func(dispersion float64)

// HandlerID identifies a registered observer for removal
type HandlerID int

type paramHandler struct {
	id HandlerID
	fn ParameterChangeFunc
}

type dispHandler struct {
	id HandlerID
	fn DispersionNotifyFunc
}

// NITERS is how many positive clock increments the precision
// calibration collects before picking the minimum
const NITERS = 100

const minPrecisionLog = -30

// LocalClock is the process-wide clock state: the current absolute
// frequency in ppm (uncompensated), temperature compensation and the
// observer chains. Mutated only from scheduler callbacks.
type LocalClock struct {
	driver  Driver
	nowFunc func() time.Time

	freqPPM     float64 // uncompensated absolute frequency
	tempCompPPM float64
	maxFreqPPM  float64

	precisionLog     int
	precisionQuantum float64

	nextID       HandlerID
	paramChain   []paramHandler
	dispChain    []dispHandler
	paramCookies map[any]HandlerID
	dispCookies  map[any]HandlerID
}

// New creates the clock state, calibrates the clock reading precision
// and reads the initial frequency from the driver
func New(driver Driver) *LocalClock {
	lcl := &LocalClock{
		driver:       driver,
		nowFunc:      time.Now,
		maxFreqPPM:   500.0,
		paramCookies: map[any]HandlerID{},
		dispCookies:  map[any]HandlerID{},
	}
	lcl.freqPPM = lcl.uncompensate(driver.ReadFrequency())
	lcl.precisionLog, lcl.precisionQuantum = calibratePrecision(lcl.ReadRawTime)
	log.Debugf("system clock precision %.9fs (2^%d), frequency %.3f ppm",
		lcl.precisionQuantum, lcl.precisionLog, lcl.freqPPM)
	return lcl
}

// calibratePrecision samples the clock until NITERS strictly positive
// increments are seen, then rounds the minimum down to a power of two
func calibratePrecision(read func() timemath.Timestamp) (int, float64) {
	best := math.Inf(1)
	prev := read()
	for seen := 0; seen < NITERS; {
		cur := read()
		if d := cur.Sub(prev); d > 0.0 {
			if d < best {
				best = d
			}
			seen++
		}
		prev = cur
	}
	quantum := 1.0
	logq := 0
	for quantum > best && logq > minPrecisionLog {
		quantum /= 2.0
		logq--
	}
	return logq, quantum
}

// Precision returns the measured clock precision as a log2 integer
// and a quantum in seconds
func (lcl *LocalClock) Precision() (int, float64) {
	return lcl.precisionLog, lcl.precisionQuantum
}

// ReadRawTime reads the unadjusted system clock
func (lcl *LocalClock) ReadRawTime() timemath.Timestamp {
	return timemath.TimestampFromTime(lcl.nowFunc())
}

// CookTime applies the driver's outstanding sub-update correction to
// a raw timestamp and returns the error bound of the correction
func (lcl *LocalClock) CookTime(raw timemath.Timestamp) (timemath.Timestamp, float64) {
	corr, errBound := lcl.driver.Offset(raw)
	return raw.Add(corr), errBound
}

// temperature compensation: the driver sees the compensated value,
// observers and the drift file the uncompensated one
func (lcl *LocalClock) compensate(uncomp float64) float64 {
	return uncomp*(1.0-1.0e-6*lcl.tempCompPPM) - lcl.tempCompPPM
}

func (lcl *LocalClock) uncompensate(comp float64) float64 {
	return (comp + lcl.tempCompPPM) / (1.0 - 1.0e-6*lcl.tempCompPPM)
}

// ReadAbsoluteFrequency returns the current uncompensated absolute
// frequency in ppm
func (lcl *LocalClock) ReadAbsoluteFrequency() float64 {
	return lcl.freqPPM
}

// SetAbsoluteFrequency installs an absolute frequency (e.g. from the
// drift file at startup) without notifying observers of a delta
func (lcl *LocalClock) SetAbsoluteFrequency(freqPPM float64) error {
	installed, err := lcl.driver.SetFrequency(lcl.compensate(freqPPM))
	if err != nil {
		return err
	}
	lcl.freqPPM = lcl.uncompensate(installed)
	return nil
}

func (lcl *LocalClock) clampFreq(freq float64) float64 {
	if freq > lcl.maxFreqPPM {
		return lcl.maxFreqPPM
	}
	if freq < -lcl.maxFreqPPM {
		return -lcl.maxFreqPPM
	}
	return freq
}

// AccumulateFrequencyAndOffset folds a delta frequency (the gradient
// of offset versus local time) and an offset into the clock. The
// driver call happens first; observers then see the dfreq actually
// achieved after the driver's rounding.
func (lcl *LocalClock) AccumulateFrequencyAndOffset(dfreq, doffset, corrRate float64) {
	oldFreq := lcl.freqPPM
	newFreq := lcl.clampFreq(oldFreq + dfreq*(1.0e6-oldFreq))

	raw := lcl.ReadRawTime()
	cooked, _ := lcl.CookTime(raw)

	installed, err := lcl.driver.SetFrequency(lcl.compensate(newFreq))
	if err != nil {
		log.Fatalf("failed to set clock frequency: %v", err)
	}
	lcl.freqPPM = lcl.uncompensate(installed)

	if err := lcl.driver.AccrueOffset(doffset, corrRate); err != nil {
		log.Fatalf("failed to accrue clock offset: %v", err)
	}

	achieved := (lcl.freqPPM - oldFreq) / (1.0e6 - oldFreq)
	lcl.invokeParameterChange(raw, cooked, achieved, doffset, ChangeAdjust)
}

// AccumulateOffset slews out an offset without touching the frequency
func (lcl *LocalClock) AccumulateOffset(doffset, corrRate float64) {
	lcl.AccumulateFrequencyAndOffset(0.0, doffset, corrRate)
}

// ApplyStepOffset steps the clock. Observers see the cooked time from
// before the step. Returns false if the driver refused the step.
func (lcl *LocalClock) ApplyStepOffset(offset float64) bool {
	raw := lcl.ReadRawTime()
	cooked, _ := lcl.CookTime(raw)

	if err := lcl.driver.ApplyStepOffset(offset); err != nil {
		log.Errorf("failed to step clock: %v", err)
		return false
	}
	lcl.invokeParameterChange(raw, cooked, 0.0, offset, ChangeStep)
	return true
}

// NotifyExternalTimeStep reports a clock jump made by an outside
// actor: observers get a ChangeUnknownStep and then the dispersion
// chain gets the step magnitude
func (lcl *LocalClock) NotifyExternalTimeStep(raw, cooked timemath.Timestamp, offset, dispersion float64) {
	lcl.invokeParameterChange(raw, cooked, 0.0, offset, ChangeUnknownStep)
	for _, h := range lcl.dispChain {
		h.fn(dispersion)
	}
}

// SetTempComp updates the temperature compensation, keeping the
// compensated frequency the driver sees consistent
func (lcl *LocalClock) SetTempComp(compPPM float64) {
	uncomp := lcl.freqPPM
	lcl.tempCompPPM = compPPM
	if _, err := lcl.driver.SetFrequency(lcl.compensate(uncomp)); err != nil {
		log.Fatalf("failed to set clock frequency: %v", err)
	}
}

// SetLeap forwards the leap indicator to the driver
func (lcl *LocalClock) SetLeap(leap int) {
	if err := lcl.driver.SetLeap(leap); err != nil {
		log.Errorf("failed to set leap status: %v", err)
	}
}

// SetSyncStatus forwards the synchronisation status to the driver
func (lcl *LocalClock) SetSyncStatus(synchronised bool, estError, maxError float64) {
	if err := lcl.driver.SetSyncStatus(synchronised, estError, maxError); err != nil {
		log.Errorf("failed to set sync status: %v", err)
	}
}

func (lcl *LocalClock) invokeParameterChange(raw, cooked timemath.Timestamp, dfreq, doffset float64, change ChangeType) {
	// registration order
	for _, h := range lcl.paramChain {
		h.fn(raw, cooked, dfreq, doffset, change)
	}
}

// AddParameterChangeHandler registers an observer. The cookie
// identifies the registration; registering the same cookie twice is a
// programmer error.
func (lcl *LocalClock) AddParameterChangeHandler(cookie any, fn ParameterChangeFunc) HandlerID {
	if _, ok := lcl.paramCookies[cookie]; ok {
		panic("parameter change handler registered twice")
	}
	lcl.nextID++
	id := lcl.nextID
	lcl.paramCookies[cookie] = id
	lcl.paramChain = append(lcl.paramChain, paramHandler{id: id, fn: fn})
	return id
}

// RemoveParameterChangeHandler removes a registration; removing an
// absent one is a programmer error
func (lcl *LocalClock) RemoveParameterChangeHandler(cookie any) {
	id, ok := lcl.paramCookies[cookie]
	if !ok {
		panic("removing unregistered parameter change handler")
	}
	delete(lcl.paramCookies, cookie)
	for i, h := range lcl.paramChain {
		if h.id == id {
			lcl.paramChain = append(lcl.paramChain[:i], lcl.paramChain[i+1:]...)
			return
		}
	}
}

// AddDispersionNotifyHandler registers a dispersion observer
func (lcl *LocalClock) AddDispersionNotifyHandler(cookie any, fn DispersionNotifyFunc) HandlerID {
	if _, ok := lcl.dispCookies[cookie]; ok {
		panic("dispersion notify handler registered twice")
	}
	lcl.nextID++
	id := lcl.nextID
	lcl.dispCookies[cookie] = id
	lcl.dispChain = append(lcl.dispChain, dispHandler{id: id, fn: fn})
	return id
}

// RemoveDispersionNotifyHandler removes a dispersion observer
func (lcl *LocalClock) RemoveDispersionNotifyHandler(cookie any) {
	id, ok := lcl.dispCookies[cookie]
	if !ok {
		panic("removing unregistered dispersion notify handler")
	}
	delete(lcl.dispCookies, cookie)
	for i, h := range lcl.dispChain {
		if h.id == id {
			lcl.dispChain = append(lcl.dispChain[:i], lcl.dispChain[i+1:]...)
			return
		}
	}
}
