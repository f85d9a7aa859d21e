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

	"golang.org/x/sys/unix"

	"github.com/facebook/ntsync/timemath"
)

// adjtime() compatibility modes, usr/include/linux/timex.h
const (
	adjOffsetSingleshot uint32 = 0x8001
	adjOffsetSSRead     uint32 = 0xa001
)

// MaxAdjtimeSlewRate is the slew rate of adjtime() in ppm
const MaxAdjtimeSlewRate = 500.0

// AdjtimeUpdateInterval is how often the residual adjustment is
// refreshed, in seconds
const AdjtimeUpdateInterval = 1.0

// AdjtimeDriver is the minimal fallback driver built on the old
// adjtime() interface: offsets are summed into the kernel's residual
// adjustment and frequency is only emulated in memory. Used where the
// kernel PLL is unusable.
type AdjtimeDriver struct {
	freqPPM float64
}

// NewAdjtimeDriver creates the fallback driver
func NewAdjtimeDriver() *AdjtimeDriver {
	return &AdjtimeDriver{}
}

// ReadFrequency returns the emulated frequency
func (d *AdjtimeDriver) ReadFrequency() float64 {
	return d.freqPPM
}

// SetFrequency stores the frequency; adjtime has no rounding so the
// installed value is the requested one
func (d *AdjtimeDriver) SetFrequency(freqPPM float64) (float64, error) {
	d.freqPPM = freqPPM
	return freqPPM, nil
}

func (d *AdjtimeDriver) readResidual() (float64, error) {
	tx := &unix.Timex{Modes: adjOffsetSSRead}
	if _, err := unix.Adjtimex(tx); err != nil {
		return 0, fmt.Errorf("reading residual adjustment: %w", err)
	}
	return float64(tx.Offset) * 1e-6, nil
}

// AccrueOffset adds -offset to whatever residual adjustment the
// kernel still holds: read the previous remainder, sum, write back
func (d *AdjtimeDriver) AccrueOffset(offset, corrRate float64) error {
	prev, err := d.readResidual()
	if err != nil {
		return err
	}
	total := prev - offset
	tx := &unix.Timex{
		Modes:  adjOffsetSingleshot,
		Offset: int64(total * 1e6),
	}
	if _, err := unix.Adjtimex(tx); err != nil {
		return fmt.Errorf("writing residual adjustment: %w", err)
	}
	return nil
}

// ApplyStepOffset cancels the pending slew and steps the clock with
// settimeofday
func (d *AdjtimeDriver) ApplyStepOffset(offset float64) error {
	tx := &unix.Timex{Modes: adjOffsetSingleshot}
	if _, err := unix.Adjtimex(tx); err != nil {
		return fmt.Errorf("cancelling residual adjustment: %w", err)
	}
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return fmt.Errorf("reading clock: %w", err)
	}
	ts := timemath.Timestamp{Sec: tv.Sec, Nsec: int64(tv.Usec) * 1000}.Add(-offset)
	tv = unix.Timeval{Sec: ts.Sec, Usec: ts.Nsec / 1000}
	if err := unix.Settimeofday(&tv); err != nil {
		return fmt.Errorf("stepping clock: %w", err)
	}
	return nil
}

// Offset reports the remaining residual adjustment; while it is
// non-zero the error bound is the worst slew error adjtime can make
// between updates
func (d *AdjtimeDriver) Offset(raw timemath.Timestamp) (float64, float64) {
	remaining, err := d.readResidual()
	if err != nil || remaining == 0.0 {
		return 0.0, 0.0
	}
	return remaining, 1.0e-6 * MaxAdjtimeSlewRate / AdjtimeUpdateInterval
}

// SetLeap is not supported by this driver
func (d *AdjtimeDriver) SetLeap(leap int) error {
	return nil
}

// SetSyncStatus is not supported by this driver
func (d *AdjtimeDriver) SetSyncStatus(synchronised bool, estError, maxError float64) error {
	return nil
}
