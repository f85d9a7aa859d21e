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
Package timemath provides the time primitives shared by the clock
discipline code: a high resolution timestamp, the NTP 64-bit fixed
point wire format and the compact 32-bit float used for wire values
like root delay and root dispersion.
*/
package timemath

import (
	"encoding/binary"
	"fmt"
	"time"
)

// JAN1970 is the offset between the NTP epoch (1900) and the Unix epoch (1970) in seconds
const JAN1970 = 0x83aa7e80

const nsecPerSec = 1000000000

// Timestamp is a cooked system time, seconds plus nanoseconds.
// Seconds are signed and 64-bit wide, so values past 2038 are fine.
type Timestamp struct {
	Sec  int64
	Nsec int64
}

// TimestampFromTime converts a time.Time to a Timestamp
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Time converts a Timestamp to a time.Time
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// IsZero reports whether the timestamp is the reserved "unknown" value
func (ts Timestamp) IsZero() bool {
	return ts.Sec == 0 && ts.Nsec == 0
}

// Normalise reduces Nsec to [0, 1e9) carrying whole seconds
func (ts Timestamp) Normalise() Timestamp {
	ts.Sec += ts.Nsec / nsecPerSec
	ts.Nsec %= nsecPerSec
	if ts.Nsec < 0 {
		ts.Nsec += nsecPerSec
		ts.Sec--
	}
	return ts
}

// Add returns the timestamp shifted by a real number of seconds
func (ts Timestamp) Add(seconds float64) Timestamp {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * nsecPerSec)
	return Timestamp{Sec: ts.Sec + sec, Nsec: ts.Nsec + nsec}.Normalise()
}

// Sub returns ts - other as a real number of seconds
func (ts Timestamp) Sub(other Timestamp) float64 {
	return float64(ts.Sec-other.Sec) + float64(ts.Nsec-other.Nsec)/nsecPerSec
}

// Before reports whether ts is strictly earlier than other
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.Sec < other.Sec || (ts.Sec == other.Sec && ts.Nsec < other.Nsec)
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", ts.Sec, ts.Nsec)
}

// Ntp64 is the NTP 64-bit fixed point timestamp: seconds above the
// NTP epoch in the high word, fractional seconds in the low word.
// The all-zero value is reserved to mean "unknown".
type Ntp64 struct {
	Seconds  uint32
	Fraction uint32
}

// IsZero reports whether the value is the reserved "unknown" timestamp
func (n Ntp64) IsZero() bool {
	return n.Seconds == 0 && n.Fraction == 0
}

// Ntp64FromTimestamp converts a cooked timestamp to NTP wire format.
// The fraction is usec * (2^32 / 10^6) approximated in integers as
// 4295*usec - (usec>>5) - (usec>>9), worst case error about 0.1 usec.
// fuzz randomises the fraction bits below the microsecond resolution
// of the conversion so the low bits don't leak clock readings.
func Ntp64FromTimestamp(ts Timestamp, fuzz uint32) Ntp64 {
	if ts.IsZero() {
		return Ntp64{}
	}
	usec := uint32(ts.Nsec / 1000)
	frac := 4295*usec - (usec >> 5) - (usec >> 9)
	frac += fuzz % 4294
	return Ntp64{
		Seconds:  uint32(ts.Sec + JAN1970),
		Fraction: frac,
	}
}

// TimestampFromNtp64 converts an NTP wire timestamp back to a cooked
// timestamp. The era is pinned by treating seconds as unsigned offsets
// from the 1900 epoch, which holds until 2036.
func TimestampFromNtp64(n Ntp64) Timestamp {
	if n.IsZero() {
		return Timestamp{}
	}
	nsec := int64((uint64(n.Fraction) * nsecPerSec) >> 32)
	return Timestamp{
		Sec:  int64(n.Seconds) - JAN1970,
		Nsec: nsec,
	}.Normalise()
}

// EncodeNtp64 packs the timestamp as two big-endian 32-bit words
func EncodeNtp64(n Ntp64, b []byte) {
	binary.BigEndian.PutUint32(b[0:4], n.Seconds)
	binary.BigEndian.PutUint32(b[4:8], n.Fraction)
}

// DecodeNtp64 unpacks two big-endian 32-bit words
func DecodeNtp64(b []byte) Ntp64 {
	return Ntp64{
		Seconds:  binary.BigEndian.Uint32(b[0:4]),
		Fraction: binary.BigEndian.Uint32(b[4:8]),
	}
}
