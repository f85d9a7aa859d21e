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

package reference

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ntsync/localclock"
	"github.com/facebook/ntsync/timemath"
)

type fakeDriver struct {
	freq     float64
	accrued  []float64
	dfreqSet []float64
}

func (d *fakeDriver) ReadFrequency() float64 { return d.freq }

func (d *fakeDriver) SetFrequency(freqPPM float64) (float64, error) {
	d.freq = freqPPM
	d.dfreqSet = append(d.dfreqSet, freqPPM)
	return freqPPM, nil
}

func (d *fakeDriver) AccrueOffset(offset, corrRate float64) error {
	d.accrued = append(d.accrued, offset)
	return nil
}

func (d *fakeDriver) ApplyStepOffset(offset float64) error { return nil }

func (d *fakeDriver) Offset(raw timemath.Timestamp) (float64, float64) { return 0, 0 }

func (d *fakeDriver) SetLeap(leap int) error { return nil }

func (d *fakeDriver) SetSyncStatus(synchronised bool, estError, maxError float64) error {
	return nil
}

func newTestRef(t *testing.T, cfg Config) (*Reference, *fakeDriver) {
	t.Helper()
	drv := &fakeDriver{}
	lcl := localclock.New(drv)
	return New(lcl, cfg), drv
}

func TestSetReferenceRejectsInsaneSkew(t *testing.T) {
	dir := t.TempDir()
	drift := filepath.Join(dir, "drift")
	r, _ := newTestRef(t, Config{DriftFile: drift})
	prevSkew := r.Skew()

	for _, skew := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0.0} {
		ok := r.SetReference(2, LeapNormal, 0x0a000001, timemath.Timestamp{Sec: 1000},
			0.001, 1e-6, skew, 0.01, 0.001)
		require.False(t, ok, "skew=%v", skew)
	}
	require.Equal(t, prevSkew, r.Skew())
	require.False(t, r.IsSynchronised())
	_, err := os.Stat(drift)
	require.True(t, os.IsNotExist(err))
}

func TestSetReferenceCombinesFrequency(t *testing.T) {
	r, drv := newTestRef(t, Config{MaxUpdateSkew: 1000e-6})
	prevSkew := r.Skew()

	freq := 5e-6
	skew := 2e-6
	ok := r.SetReference(1, LeapNormal, 0x0a000001, timemath.Timestamp{Sec: 1000},
		0.0015, freq, skew, 0.01, 0.001)
	require.True(t, ok)
	require.True(t, r.IsSynchronised())

	w1 := 1.0 / (prevSkew * prevSkew)
	w2 := 3.0 / (skew * skew)
	combined := (freq * w2) / (w1 + w2)
	require.InDelta(t, freq-combined, r.ResidualFreq(), 1e-12)

	d1 := -combined
	d2 := freq - combined
	wantSkew := math.Sqrt((d1*d1*w1+d2*d2*w2)/(w1+w2)) + (prevSkew*w1+skew*w2)/(w1+w2)
	require.InDelta(t, wantSkew, r.Skew(), 1e-12)

	// the offset went to the driver
	require.Equal(t, []float64{0.0015}, drv.accrued)
}

func TestSetReferenceLargeSkewOnlySlews(t *testing.T) {
	r, drv := newTestRef(t, Config{MaxUpdateSkew: 1e-6})
	freqBefore := drv.freq

	freq := 7e-6
	ok := r.SetReference(1, LeapNormal, 0x0a000001, timemath.Timestamp{Sec: 1000},
		0.002, freq, 5e-6, 0.01, 0.001)
	require.True(t, ok)
	// residual frequency equals the input frequency
	require.Equal(t, freq, r.ResidualFreq())
	// offset accumulated, frequency untouched beyond the zero dfreq path
	require.Equal(t, []float64{0.002}, drv.accrued)
	require.InDelta(t, freqBefore, drv.freq, 1e-9)
	// reported skew is the input skew
	require.Equal(t, 5e-6, r.Skew())
}

func TestSetReferenceStratumIncrement(t *testing.T) {
	r, _ := newTestRef(t, Config{})
	r.SetReference(3, LeapNormal, 1, timemath.Timestamp{Sec: 1000}, 0, 1e-9, 1e-6, 0, 0)
	p := r.GetReferenceParams(timemath.Timestamp{Sec: 1000})
	require.Equal(t, uint8(4), p.Stratum)
}

func TestSetUnsynchronisedIdempotent(t *testing.T) {
	r, _ := newTestRef(t, Config{})
	r.SetReference(1, LeapNormal, 1, timemath.Timestamp{Sec: 1000}, 0, 1e-9, 1e-6, 0, 0)
	require.True(t, r.IsSynchronised())

	r.SetUnsynchronised()
	p := r.GetReferenceParams(timemath.Timestamp{Sec: 2000})
	require.False(t, p.IsSynchronised)
	require.Equal(t, LeapUnsynchronised, p.Leap)
	require.Equal(t, uint8(16), p.Stratum)

	r.SetUnsynchronised()
	require.False(t, r.GetReferenceParams(timemath.Timestamp{Sec: 3000}).IsSynchronised)
}

func TestGetReferenceParamsExtrapolatesDispersion(t *testing.T) {
	r, _ := newTestRef(t, Config{})
	refTime := timemath.Timestamp{Sec: 1000}
	r.SetReference(1, LeapNormal, 1, refTime, 0, 1e-9, 1e-6, 0.01, 0.001)

	p0 := r.GetReferenceParams(refTime)
	p10 := r.GetReferenceParams(refTime.Add(10.0))
	want := (r.Skew() + math.Abs(r.ResidualFreq())) * 10.0
	require.InDelta(t, want, p10.RootDispersion-p0.RootDispersion, 1e-12)
}

func TestLocalMode(t *testing.T) {
	r, _ := newTestRef(t, Config{})
	r.EnableLocal(8)
	now := timemath.Timestamp{Sec: 5000, Nsec: 100}
	p := r.GetReferenceParams(now)
	require.True(t, p.IsSynchronised)
	require.Equal(t, uint8(8), p.Stratum)
	require.Equal(t, uint32(0x7f7f0101), p.RefID)
	require.InDelta(t, -1.0, p.RefTime.Sub(now), 1e-9)
	require.Equal(t, 0.0, p.RootDelay)
	// root dispersion is the clock reading quantum
	require.Greater(t, p.RootDispersion, 0.0)
	require.LessOrEqual(t, p.RootDispersion, 1.0)

	r.DisableLocal()
	require.False(t, r.GetReferenceParams(now).IsSynchronised)
}

func TestDriftFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drift")
	require.NoError(t, WriteDriftFile(path, -12.3456, 0.789))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "            -12.3456               0.7890\n", string(b))

	freq, skew, err := ReadDriftFile(path)
	require.NoError(t, err)
	require.InDelta(t, -12.3456, freq, 1e-9)
	require.InDelta(t, 0.789, skew, 1e-9)

	// tmp file is gone after the rename
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestDriftFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drift")
	require.NoError(t, os.WriteFile(path, []byte("bogus\n"), 0644))
	_, _, err := ReadDriftFile(path)
	require.Error(t, err)
}

func TestSetReferenceWritesDrift(t *testing.T) {
	dir := t.TempDir()
	drift := filepath.Join(dir, "drift")
	r, _ := newTestRef(t, Config{DriftFile: drift})
	ok := r.SetReference(1, LeapNormal, 1, timemath.Timestamp{Sec: 1000}, 0.001, 1e-6, 2e-6, 0, 0)
	require.True(t, ok)
	freq, skew, err := ReadDriftFile(drift)
	require.NoError(t, err)
	require.InDelta(t, r.Skew()*1e6, skew, 1e-3)
	_ = freq
}

func TestTrackingLogHeaderEvery32(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracking.log")
	lf := NewLogFile(path, "HEADER", 32)
	for i := 0; i < 33; i++ {
		lf.WriteRecord("record")
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(b), "HEADER"))
	require.Equal(t, 33, strings.Count(string(b), "record"))

	lf.Cycle()
	lf.WriteRecord("record")
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 34, strings.Count(string(b), "record"))
}
