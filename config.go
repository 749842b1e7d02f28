// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tm

import (
	"fmt"
	"os"

	"github.com/platinasystems/tm/internal/hyst"
	"github.com/platinasystems/tm/internal/shaper"
	"github.com/platinasystems/tm/internal/wlist"

	"go.yaml.in/yaml/v3"
)

const MaxPipes = 4

type HysteresisConfig struct {
	// Power on minimum and unused slot marker in 8 cell units.
	Minimum    uint32 `yaml:"minimum"`
	ResetValue uint32 `yaml:"reset_value"`
}

type Config struct {
	Device    int `yaml:"device"`
	Subdevice int `yaml:"subdevice"`

	// Core clock in kHz.
	ClockKHz uint64 `yaml:"clock_khz"`
	// False on simulation targets.
	ASIC  bool  `yaml:"asic"`
	Pipes []int `yaml:"pipes"`

	// Route every write through the write list, not only inside
	// BeginBatch/EndBatch.
	BatchMode    bool   `yaml:"batch_mode"`
	ShaperPolicy string `yaml:"shaper_policy"`

	Hysteresis HysteresisConfig `yaml:"hysteresis"`
	WriteList  wlist.Config     `yaml:"write_list"`
}

func DefaultConfig() Config {
	h := hyst.DefaultConfig("")
	return Config{
		ClockKHz:     shaper.DefaultClockKHz,
		ASIC:         true,
		Pipes:        []int{0, 1, 2, 3},
		ShaperPolicy: shaper.Upper.String(),
		Hysteresis: HysteresisConfig{
			Minimum:    h.Minimum,
			ResetValue: h.ResetValue,
		},
		WriteList: wlist.DefaultConfig(),
	}
}

// ParseConfig overlays yaml onto DefaultConfig.
func ParseConfig(b []byte) (cfg Config, err error) {
	cfg = DefaultConfig()
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("tm: config: %w", err)
	}
	err = cfg.Validate()
	return
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func (c *Config) Validate() error {
	if c.ClockKHz == 0 {
		return fmt.Errorf("tm: config: zero clock")
	}
	if len(c.Pipes) == 0 {
		return fmt.Errorf("tm: config: no pipes")
	}
	var seen [MaxPipes]bool
	for _, p := range c.Pipes {
		if p < 0 || p >= MaxPipes {
			return fmt.Errorf("tm: config: pipe %d out of range", p)
		}
		if seen[p] {
			return fmt.Errorf("tm: config: pipe %d repeated", p)
		}
		seen[p] = true
	}
	if _, err := shaper.ParsePolicy(c.ShaperPolicy); err != nil {
		return fmt.Errorf("tm: config: %w", err)
	}
	if c.Hysteresis.Minimum > profileMask || c.Hysteresis.ResetValue > profileMask {
		return fmt.Errorf("tm: config: hysteresis values exceed %#x", profileMask)
	}
	if err := c.WriteList.Validate(); err != nil {
		return fmt.Errorf("tm: config: %w", err)
	}
	return nil
}
