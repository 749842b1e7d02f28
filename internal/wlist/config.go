// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wlist

import (
	"fmt"
	"time"
)

type Config struct {
	// Bytes per DMA buffer.
	BufferSize uint `yaml:"buffer_size"`
	// Bytes reserved for the device's DMA pool.
	PoolSize uint `yaml:"pool_size"`
	// Maximum number of buffers allocated at once.
	MaxBuffers uint `yaml:"max_buffers"`

	// Transmit ring full retries before a flush gives up.
	RingFullRetries int `yaml:"ring_full_retries"`
	// Sleep between ring full retries.
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	// Completions requested from hardware before each retry.
	DrainPerRetry int `yaml:"drain_per_retry"`
	// Log ring full progress every this many attempts.
	ProgressEvery int `yaml:"progress_every"`

	// Flush and drain rounds a write makes when the pool is exhausted.
	ExhaustedRetries int `yaml:"exhausted_retries"`
	// Drain rounds at teardown before remaining buffers are purged.
	CloseDrainRetries int `yaml:"close_drain_retries"`
}

func DefaultConfig() Config {
	return Config{
		BufferSize:        4096,
		PoolSize:          1 << 20,
		MaxBuffers:        128,
		RingFullRetries:   500,
		RetryInterval:     200 * time.Microsecond,
		MaxRetryInterval:  200 * time.Microsecond,
		DrainPerRetry:     4,
		ProgressEvery:     100,
		ExhaustedRetries:  8,
		CloseDrainRetries: 500,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.BufferSize < AddressBytes+MaxUnit:
		return fmt.Errorf("write list: buffer size %d smaller than one %d byte entry", c.BufferSize, AddressBytes+MaxUnit)
	case c.MaxBuffers == 0:
		return fmt.Errorf("write list: max buffers must be non-zero")
	case c.PoolSize != 0 && c.PoolSize < c.BufferSize:
		return fmt.Errorf("write list: pool size %d smaller than buffer size %d", c.PoolSize, c.BufferSize)
	case c.RingFullRetries < 0, c.ExhaustedRetries < 0, c.CloseDrainRetries < 0:
		return fmt.Errorf("write list: negative retry budget")
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Microsecond
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 100
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = c.RetryInterval
	}
	return nil
}
