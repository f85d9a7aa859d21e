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

package timemath

import (
	"encoding/binary"
	"math"
)

// Float is the compact 32-bit floating point wire format: a signed
// 7-bit exponent in the top bits and a signed 25-bit coefficient
// below it, value = coef * 2^(exp - 25).
type Float uint32

const (
	floatExpBits  = 7
	floatExpMin   = -(1 << (floatExpBits - 1))
	floatExpMax   = -floatExpMin - 1
	floatCoefBits = 32 - floatExpBits
	floatCoefMin  = -(1 << (floatCoefBits - 1))
	floatCoefMax  = -floatCoefMin - 1
)

// FloatFromDouble converts a double to the compact wire format,
// saturating at the largest representable magnitude
func FloatFromDouble(x float64) Float {
	var exp, coef int32
	neg := int32(0)

	if x < 0.0 {
		x = -x
		neg = 1
	}

	switch {
	case x < 1.0e-100:
		exp, coef = 0, 0
	case x > 1.0e100:
		exp = floatExpMax
		coef = floatCoefMax + neg
	default:
		exp = int32(math.Log2(x)) + 1
		coef = int32(x*math.Pow(2.0, float64(-exp+floatCoefBits)) + 0.5)

		// may need to shift up to two bits down
		for coef > floatCoefMax+neg {
			coef >>= 1
			exp++
		}

		if exp > floatExpMax {
			// overflow
			exp = floatExpMax
			coef = floatCoefMax + neg
		} else if exp < floatExpMin {
			// underflow
			if exp+floatCoefBits >= floatExpMin {
				coef >>= uint(floatExpMin - exp)
				exp = floatExpMin
			} else {
				exp, coef = 0, 0
			}
		}
	}

	// negate back, relying on two's-complement truncation to
	// reintegrate the sign into the 25-bit field
	if neg != 0 {
		coef = int32(uint32(-coef) << floatExpBits >> floatExpBits)
	}

	return Float(uint32(exp)<<floatCoefBits | uint32(coef)&(1<<floatCoefBits-1))
}

// Double converts the compact wire format back to a double
func (f Float) Double() float64 {
	x := uint32(f)

	exp := int32(x >> floatCoefBits)
	if exp >= 1<<(floatExpBits-1) {
		exp -= 1 << floatExpBits
	}
	exp -= floatCoefBits

	coef := int32(x % (1 << floatCoefBits))
	if coef >= 1<<(floatCoefBits-1) {
		coef -= 1 << floatCoefBits
	}

	return float64(coef) * math.Pow(2.0, float64(exp))
}

// EncodeFloat packs the value as one big-endian 32-bit word
func EncodeFloat(f Float, b []byte) {
	binary.BigEndian.PutUint32(b[0:4], uint32(f))
}

// DecodeFloat unpacks one big-endian 32-bit word
func DecodeFloat(b []byte) Float {
	return Float(binary.BigEndian.Uint32(b[0:4]))
}
