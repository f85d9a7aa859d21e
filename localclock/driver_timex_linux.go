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

package localclock

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/ntsync/timemath"
)

// adjtimex modes from usr/include/linux/timex.h
const (
	// time offset
	AdjOffset uint32 = 0x0001
	// frequency offset
	AdjFrequency uint32 = 0x0002
	// maximum time error
	AdjMaxError uint32 = 0x0004
	// estimated time error
	AdjEstError uint32 = 0x0008
	// clock status
	AdjStatus uint32 = 0x0010
	// add 'time' to current time
	AdjSetOffset uint32 = 0x0100
	// select nanosecond resolution
	AdjNano uint32 = 0x2000
)

// clock status bits from usr/include/linux/timex.h
const (
	StaIns    = 0x0010
	StaDel    = 0x0020
	StaUnsync = 0x0040
	StaNano   = 0x2000
)

// timeWait is the adjtimex return state after a leap second occurred
const timeWait = 4

// FreqScale converts ppm to the kernel frequency unit: the kernel
// keeps ppm with a 16-bit fractional part and the opposite sign of
// our convention (positive frequency means the clock gains time)
const FreqScale = -(1 << 16)

// MaxSyncError caps the est/max error values written to the kernel
const MaxSyncError = 16.0

const timexMaxFreqPPM = 500.0

// TimexDriver steers the system clock through the kernel PLL
// (adjtimex). It is the default driver on Linux.
type TimexDriver struct{}

// NewTimexDriver probes the kernel PLL with a read-only adjtimex call;
// it does not change the kernel's resolution mode
func NewTimexDriver() (*TimexDriver, error) {
	d := &TimexDriver{}
	tx := &unix.Timex{}
	if _, err := unix.Adjtimex(tx); err != nil {
		return nil, fmt.Errorf("probing kernel PLL: %w", err)
	}
	return d, nil
}

// ReadFrequency reads the current kernel frequency in ppm
func (d *TimexDriver) ReadFrequency() float64 {
	tx := &unix.Timex{}
	if _, err := unix.Adjtimex(tx); err != nil {
		log.Fatalf("adjtimex failed: %v", err)
	}
	return float64(tx.Freq) / FreqScale
}

// SetFrequency installs a frequency in ppm, clamped to the kernel's
// +-500 ppm range, and returns the value the kernel rounded it to
func (d *TimexDriver) SetFrequency(freqPPM float64) (float64, error) {
	if freqPPM > timexMaxFreqPPM {
		freqPPM = timexMaxFreqPPM
	} else if freqPPM < -timexMaxFreqPPM {
		freqPPM = -timexMaxFreqPPM
	}
	tx := &unix.Timex{
		Modes: AdjFrequency,
		Freq:  int64(freqPPM * FreqScale),
	}
	if _, err := unix.Adjtimex(tx); err != nil {
		return 0, fmt.Errorf("setting kernel frequency: %w", err)
	}
	return float64(tx.Freq) / FreqScale, nil
}

// AccrueOffset hands an offset to the kernel PLL to slew out
func (d *TimexDriver) AccrueOffset(offset, corrRate float64) error {
	tx := &unix.Timex{
		Modes:  AdjOffset | AdjNano,
		Offset: int64(-offset * 1e9),
	}
	if _, err := unix.Adjtimex(tx); err != nil {
		return fmt.Errorf("accruing kernel offset: %w", err)
	}
	return nil
}

// ApplyStepOffset steps the clock backwards by offset seconds
func (d *TimexDriver) ApplyStepOffset(offset float64) error {
	step := -offset
	sign := 1.0
	if step < 0 {
		sign = -1.0
		step = -step
	}
	tx := &unix.Timex{
		Modes: AdjSetOffset | AdjNano,
	}
	tx.Time.Sec = int64(sign * step)
	tx.Time.Usec = int64(sign * (step - float64(int64(step))) * 1e9)
	// the value of a timeval is the sum of its fields, but the
	// field tv_usec must always be non-negative
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	if _, err := unix.Adjtimex(tx); err != nil {
		return fmt.Errorf("stepping clock: %w", err)
	}
	return nil
}

// Offset reports the correction the PLL still has to apply and an
// error bound from the kernel's own estimate
func (d *TimexDriver) Offset(raw timemath.Timestamp) (float64, float64) {
	tx := &unix.Timex{}
	if _, err := unix.Adjtimex(tx); err != nil {
		log.Fatalf("adjtimex failed: %v", err)
	}
	scale := 1e-6
	if tx.Status&StaNano != 0 {
		scale = 1e-9
	}
	return -float64(tx.Offset) * scale, float64(tx.Esterror) * 1e-6
}

// SetLeap arms or disarms a leap second. Insert and delete are
// mutually exclusive; the kernel reporting TIME_WAIT counts as the
// leap having been applied.
func (d *TimexDriver) SetLeap(leap int) error {
	tx := &unix.Timex{}
	state, err := unix.Adjtimex(tx)
	if err != nil {
		return fmt.Errorf("reading clock status: %w", err)
	}
	status := tx.Status &^ (StaIns | StaDel)
	switch leap {
	case 1:
		status |= StaIns
	case -1:
		status |= StaDel
	}
	tx = &unix.Timex{
		Modes:  AdjStatus,
		Status: status,
	}
	if state, err = unix.Adjtimex(tx); err != nil {
		return fmt.Errorf("setting leap status: %w", err)
	}
	if state == timeWait {
		log.Debugf("kernel reports leap second as applied")
	}
	return nil
}

// SetSyncStatus sets or clears STA_UNSYNC and writes the error
// estimates, clamped at MaxSyncError seconds
func (d *TimexDriver) SetSyncStatus(synchronised bool, estError, maxError float64) error {
	if estError > MaxSyncError {
		estError = MaxSyncError
	}
	if maxError >= MaxSyncError {
		maxError = MaxSyncError
		synchronised = false
	}
	tx := &unix.Timex{}
	if _, err := unix.Adjtimex(tx); err != nil {
		return fmt.Errorf("reading clock status: %w", err)
	}
	status := tx.Status
	if synchronised {
		status &^= StaUnsync
	} else {
		status |= StaUnsync
	}
	tx = &unix.Timex{
		Modes:    AdjStatus | AdjEstError | AdjMaxError,
		Status:   status,
		Esterror: int64(estError * 1e6),
		Maxerror: int64(maxError * 1e6),
	}
	if _, err := unix.Adjtimex(tx); err != nil {
		return fmt.Errorf("setting sync status: %w", err)
	}
	return nil
}
