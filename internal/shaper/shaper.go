// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shaper converts shaper rates and bucket sizes to and from the
// hardware's mantissa/exponent floating point fields.
//
// Bursts are mantissa << exponent bytes with 4 bit fields.  Rates carry a
// 10 bit mantissa and 4 bit exponent counting refill units per 80 core clock
// periods; packet rate shapers double the exponent in hardware.
package shaper

import (
	"fmt"
	"strings"

	"github.com/platinasystems/tm/elib"
)

const (
	BurstMantissaMax = 15
	BurstExponentMax = 15
	MaxBurst         = BurstMantissaMax << BurstExponentMax

	RateMantissaMax = 1023
	RateExponentMax = 15
	// Before halving.
	packetExponentMax = 2 * RateExponentMax

	// Clocks per refill.
	refillClocks = 80

	// 1.35 GHz core clock.
	DefaultClockKHz = 1350000
)

// Policy selects how precision lost to the mantissa is rounded.
type Policy int

const (
	Truncate Policy = iota
	// Round up so the shaper never under provisions.
	Upper
	// Nearest of the two bracketing encodings.
	MinError
)

var policyNames = [...]string{
	Truncate: "truncate",
	Upper:    "upper",
	MinError: "min-error",
}

func (p Policy) String() string { return elib.Stringer(policyNames[:], int(p)) }

func ParsePolicy(s string) (Policy, error) {
	for i, n := range policyNames {
		if strings.EqualFold(s, n) {
			return Policy(i), nil
		}
	}
	return Truncate, fmt.Errorf("shaper: unknown policy %q", s)
}

// EncodeBurst returns the largest mantissa << exponent not exceeding bytes;
// bytes beyond MaxBurst saturate.
func EncodeBurst(bytes uint32) (m, e uint32) {
	if bytes > MaxBurst {
		bytes = MaxBurst
	}
	if n := elib.NBits(elib.Word(bytes)); n > 4 {
		e = uint32(n - 4)
	}
	m = bytes >> e
	return
}

func DecodeBurst(m, e uint32) uint32 { return m << e }

// BurstEquivalent reports whether a and b program the same bucket size.
func BurstEquivalent(a, b uint32) bool {
	am, ae := EncodeBurst(a)
	bm, be := EncodeBurst(b)
	return am == bm && ae == be
}

// Codec encodes rates for a given core clock.  Bit rates are in kbps and
// packet rates in packets per second.
type Codec struct {
	ClockKHz uint64
}

// fraction returns the rate in refill units per 80 clocks as n/d.
func (c Codec) fraction(rate uint64, pps bool) (n, d uint64) {
	n = rate * refillClocks
	if pps {
		d = 1000 * c.ClockKHz
	} else {
		d = 8 * c.ClockKHz
	}
	return
}

func (c Codec) tooFast(rate uint64, pps bool) bool {
	n, d := c.fraction(rate, pps)
	return rate > (^uint64(0))/refillClocks || n > RateMantissaMax*d
}

func shift(pps bool, e uint32) uint32 {
	if pps {
		return 2 * e
	}
	return e
}

// EncodeRate returns the rate's (mantissa, exponent).  Rates above the
// representable ceiling and non-zero rates too slow for the largest
// exponent both give (0, 0); see Saturated.
func (c Codec) EncodeRate(rate uint64, pps bool, p Policy) (m, e uint32) {
	if rate == 0 || c.ClockKHz == 0 || c.tooFast(rate, pps) {
		return
	}
	n, d := c.fraction(rate, pps)
	max := uint32(RateExponentMax)
	if pps {
		max = packetExponentMax
	}
	for n<<e < d && e < max {
		e++
	}
	if n<<e < d {
		return 0, 0
	}
	for (n<<e)%d != 0 && (n<<e)/d < 512 && e < max {
		e++
	}
	if pps {
		// Hardware doubles the exponent; odd exponents drop a mantissa bit.
		e >>= 1
	}
	t := n << shift(pps, e)
	m = uint32(t / d)
	if t%d != 0 && m < RateMantissaMax {
		switch p {
		case Upper:
			m++
		case MinError:
			if uint64(m+1)*d-t < t-uint64(m)*d {
				m++
			}
		}
	}
	return
}

// DecodeRate returns the rate programmed by (m, e), rounded down.
func (c Codec) DecodeRate(m, e uint32, pps bool) uint64 {
	_, d := c.fraction(0, pps)
	return uint64(m) * d / (refillClocks << shift(pps, e))
}

// Saturated reports whether EncodeRate gives (0, 0) for a non-zero rate.
func (c Codec) Saturated(rate uint64, pps bool) bool {
	if rate == 0 {
		return false
	}
	m, _ := c.EncodeRate(rate, pps, Truncate)
	return m == 0
}

// Equivalent reports whether a and b program the same rate.  Exact
// equality does not survive the lossy encoding so restore paths compare
// with this.
func (c Codec) Equivalent(a, b uint64, pps bool) bool {
	am, ae := c.EncodeRate(a, pps, Truncate)
	bm, be := c.EncodeRate(b, pps, Truncate)
	return am == bm && ae == be
}

// EncodeRateAdv encodes rate so its refill mantissa does not exceed the
// burst mantissa, then picks the mantissa within that bound whose rate is
// closest to the request.
func (c Codec) EncodeRateAdv(rate uint64, burst uint32, pps bool, p Policy) (m, e uint32) {
	if m, e = c.EncodeRate(rate, pps, p); m == 0 {
		return
	}
	limit, _ := EncodeBurst(burst)
	if limit == 0 {
		limit = 1
	}
	step := shift(pps, 1)
	for m > limit && e > 0 {
		m >>= step
		e--
	}
	if m > limit {
		m = limit
	}
	if m == 0 {
		m = 1
	}
	// Deviation from the request scaled by the refill period.
	n, d := c.fraction(rate, pps)
	t := n << shift(pps, e)
	dev := func(m uint32) uint64 {
		x := uint64(m) * d
		if x > t {
			return x - t
		}
		return t - x
	}
	best, bestDev := m, dev(m)
	for cand := m + 1; cand <= limit && cand <= RateMantissaMax; cand++ {
		if v := dev(cand); v < bestDev {
			best, bestDev = cand, v
		}
	}
	for cand := m - 1; cand >= 1; cand-- {
		if v := dev(cand); v < bestDev {
			best, bestDev = cand, v
		}
	}
	m = best
	return
}
