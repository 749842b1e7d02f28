// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tm

import (
	"github.com/platinasystems/tm/internal/hyst"
)

const (
	PortsPerPipe  = 34
	PGsPerPort    = 8
	QueuesPerPort = 10

	// Width of a hysteresis profile entry.
	profileMask = 0xfff
)

// regArray is a run of identically laid out registers or memory entries
// selected by index.
type regArray struct {
	base   uint64
	stride uint64
	n      int
}

func (r regArray) offset(i int) uint64 { return r.base + uint64(i)*r.stride }
func (r regArray) valid(i int) bool    { return i >= 0 && i < r.n }

var (
	// Ingress (WAC) and egress (QAC) resume offset profiles, 32 per pipe.
	wacResumeProfile = regArray{base: 0x10000, stride: 4, n: MaxPipes * hyst.Slots}
	qacResumeProfile = regArray{base: 0x11000, stride: 4, n: MaxPipes * hyst.Slots}

	// Per port priority group admission config.
	pgConfig = regArray{base: 0x1000000, stride: 8, n: MaxPipes * PortsPerPipe * PGsPerPort}
	// Per queue admission config.
	queueConfig = regArray{base: 0x2000000, stride: 8, n: MaxPipes * PortsPerPipe * QueuesPerPort}
	// Per port egress shaper bucket.
	portShaper = regArray{base: 0x3000000, stride: 4, n: MaxPipes * PortsPerPipe}
)

// Admission config entry: profile index in [4:0], limit in cells above it.
const (
	admitIndexBits = 5
	admitIndexMask = 1<<admitIndexBits - 1
	admitLimitMask = 1<<19 - 1
	admitBytes     = 8
)

func admitEntry(index int, limitCells uint32) uint64 {
	return uint64(index)&admitIndexMask | uint64(limitCells&admitLimitMask)<<admitIndexBits
}

func admitFields(v uint64) (index int, limitCells uint32) {
	return int(v & admitIndexMask), uint32(v>>admitIndexBits) & admitLimitMask
}

// Port shaper entry fields.
const (
	shaperRateMantissaShift  = 0
	shaperRateExponentShift  = 10
	shaperBurstMantissaShift = 14
	shaperBurstExponentShift = 18
	shaperPacketMode         = 1 << 22
	shaperEnable             = 1 << 23
	shaperBytes              = 4
)

type shaperEntry struct {
	rateMantissa, rateExponent   uint32
	burstMantissa, burstExponent uint32
	pps, enable                  bool
}

func (s *shaperEntry) encode() (v uint32) {
	v = s.rateMantissa&0x3ff<<shaperRateMantissaShift |
		s.rateExponent&0xf<<shaperRateExponentShift |
		s.burstMantissa&0xf<<shaperBurstMantissaShift |
		s.burstExponent&0xf<<shaperBurstExponentShift
	if s.pps {
		v |= shaperPacketMode
	}
	if s.enable {
		v |= shaperEnable
	}
	return
}

func (s *shaperEntry) decode(v uint32) {
	s.rateMantissa = v >> shaperRateMantissaShift & 0x3ff
	s.rateExponent = v >> shaperRateExponentShift & 0xf
	s.burstMantissa = v >> shaperBurstMantissaShift & 0xf
	s.burstExponent = v >> shaperBurstExponentShift & 0xf
	s.pps = v&shaperPacketMode != 0
	s.enable = v&shaperEnable != 0
}

// PowerOnValue gives the reset value of a register for simulation targets.
func PowerOnValue(cfg *Config, offset uint32) uint32 {
	for _, r := range []regArray{wacResumeProfile, qacResumeProfile} {
		o := uint64(offset)
		if o < r.base || (o-r.base)%r.stride != 0 {
			continue
		}
		if i := int((o - r.base) / r.stride); r.valid(i) {
			if i%hyst.Slots == 0 {
				return cfg.Hysteresis.Minimum
			}
			return cfg.Hysteresis.ResetValue
		}
	}
	return 0
}
