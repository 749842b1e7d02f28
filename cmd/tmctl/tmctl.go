// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Tmctl encodes shaper fields and exercises the traffic manager write path
// against a simulated device.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/platinasystems/tm"
	"github.com/platinasystems/tm/internal/shaper"
	"github.com/platinasystems/tm/internal/sim"

	"github.com/mattn/go-isatty"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"
	"github.com/rcrowley/go-metrics"
)

type Command struct {
	w      io.Writer
	header bool
}

func (Command) String() string { return "tmctl" }

func (Command) Usage() string {
	return `tmctl burst BYTES...
tmctl rate [-pps] [-policy POLICY] [-clock KHZ] RATE...
tmctl rate-adv [-pps] [-policy POLICY] [-clock KHZ] RATE BURST
tmctl sim [-config FILE] [-n WRITES] [-v]`
}

func (Command) Apropos() string {
	return "traffic manager shaper and write list utility"
}

func (Command) Man() string {
	return `
DESCRIPTION
	burst	print the bucket encoding of each BYTES value

	rate	print the refill encoding of each RATE, in kbps or with
		-pps in packets per second

	rate-adv
		encode RATE bounded by the mantissa of BURST

	sim	program hysteresis profiles and port shapers of a simulated
		device through the write list then print pool statistics

OPTIONS
	-policy	truncate, upper (default) or min-error
	-clock	core clock in kHz
	-config	yaml device configuration
	-n	admission entries to program (default 64)
	-v	print write list metrics`
}

func main() {
	c := Command{
		w:      os.Stdout,
		header: isatty.IsTerminal(os.Stdout.Fd()),
	}
	if err := c.Main(os.Args[1:]...); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
		os.Exit(1)
	}
}

func (c Command) Main(args ...string) error {
	if len(args) == 0 {
		return fmt.Errorf("COMMAND: missing\nusage:\n%s", c.Usage())
	}
	switch args[0] {
	case "burst":
		return c.burst(args[1:])
	case "rate":
		return c.rate(args[1:], false)
	case "rate-adv":
		return c.rate(args[1:], true)
	case "sim":
		return c.sim(args[1:])
	case "-h", "-help", "--help", "help":
		fmt.Fprintln(c.w, c.Usage())
		fmt.Fprintln(c.w, c.Man())
		return nil
	}
	return fmt.Errorf("%s: unknown", args[0])
}

func parseUint(name, s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", name, err)
	}
	return v, nil
}

func (c Command) burst(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("BYTES: missing")
	}
	if c.header {
		fmt.Fprintf(c.w, "%12s %8s %8s %12s\n", "bytes", "mantissa", "exponent", "programmed")
	}
	for _, s := range args {
		b, err := parseUint("BYTES", s, 32)
		if err != nil {
			return err
		}
		m, e := shaper.EncodeBurst(uint32(b))
		fmt.Fprintf(c.w, "%12d %8d %8d %12d\n", b, m, e, shaper.DecodeBurst(m, e))
	}
	return nil
}

func (c Command) rate(args []string, adv bool) error {
	flag, args := flags.New(args, "-pps")
	parm, args := parms.New(args, "-policy", "-clock")
	codec := shaper.Codec{ClockKHz: shaper.DefaultClockKHz}
	if s := parm.ByName["-clock"]; len(s) > 0 {
		v, err := parseUint("-clock", s, 64)
		if err != nil {
			return err
		}
		codec.ClockKHz = v
	}
	policy := shaper.Upper
	if s := parm.ByName["-policy"]; len(s) > 0 {
		p, err := shaper.ParsePolicy(s)
		if err != nil {
			return err
		}
		policy = p
	}
	pps := flag.ByName["-pps"]
	if len(args) == 0 {
		return fmt.Errorf("RATE: missing")
	}
	var burst uint32
	if adv {
		if len(args) != 2 {
			return fmt.Errorf("rate-adv: want RATE BURST, got %q", args)
		}
		b, err := parseUint("BURST", args[1], 32)
		if err != nil {
			return err
		}
		burst = uint32(b)
		args = args[:1]
	}
	if c.header {
		fmt.Fprintf(c.w, "%14s %8s %8s %14s\n", "rate", "mantissa", "exponent", "programmed")
	}
	for _, s := range args {
		r, err := parseUint("RATE", s, 64)
		if err != nil {
			return err
		}
		var m, e uint32
		if adv {
			m, e = codec.EncodeRateAdv(r, burst, pps, policy)
		} else {
			m, e = codec.EncodeRate(r, pps, policy)
		}
		fmt.Fprintf(c.w, "%14d %8d %8d %14d", r, m, e, codec.DecodeRate(m, e, pps))
		if codec.Saturated(r, pps) {
			fmt.Fprint(c.w, " saturated")
		}
		fmt.Fprintln(c.w)
	}
	return nil
}

func (c Command) sim(args []string) error {
	flag, args := flags.New(args, "-v")
	parm, args := parms.New(args, "-config", "-n")
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected", args)
	}
	cfg := tm.DefaultConfig()
	cfg.ASIC = false
	if fn := parm.ByName["-config"]; len(fn) > 0 {
		var err error
		if cfg, err = tm.LoadConfig(fn); err != nil {
			return err
		}
	}
	n := uint64(64)
	if s := parm.ByName["-n"]; len(s) > 0 {
		var err error
		if n, err = parseUint("-n", s, 32); err != nil {
			return err
		}
	}

	hw := sim.New(sim.Config{
		PoolSize:      cfg.WriteList.PoolSize,
		RegisterReset: func(offset uint32) uint32 { return tm.PowerOnValue(&cfg, offset) },
	})
	stop := make(chan struct{})
	done := hw.RunCompletions(stop, 50*time.Microsecond)
	defer func() {
		close(stop)
		<-done
	}()

	d, err := tm.New(cfg, hw, hw, hw)
	if err != nil {
		return err
	}
	if err = d.ColdBoot(); err != nil {
		return err
	}
	start := time.Now()
	d.BeginBatch()
	for i := 0; i < int(n); i++ {
		pipe := cfg.Pipes[i%len(cfg.Pipes)]
		port := i / len(cfg.Pipes) % tm.PortsPerPipe
		hystCells := uint32(8 * (16 + i%24))
		if err = d.SetPGHysteresis(pipe, port, i%tm.PGsPerPort, 4096, hystCells); err != nil {
			break
		}
		if err = d.SetQueueHysteresis(pipe, port, i%tm.QueuesPerPort, 2048, hystCells); err != nil {
			break
		}
		if err = d.SetPortShaper(pipe, port, uint64(1000*(i+1)), 9216, false); err != nil {
			break
		}
	}
	if eerr := d.EndBatch(); err == nil {
		err = eerr
	}
	if err != nil {
		return err
	}
	if err = d.Pool().CompleteOperations(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	if err = d.VerifyHysteresis(); err != nil {
		return err
	}

	s := d.Stats()
	hc := hw.Counters()
	fmt.Fprintf(c.w, "%s: %d entries in %v\n", d.Name, n, elapsed)
	fmt.Fprintf(c.w, "pool: %s\n", s.String())
	fmt.Fprintf(c.w, "buffers: allocated %d pushed %d kicks %d ring-full %d completed %d\n",
		s.Allocated, s.Pushed, s.Kicks, s.RingFull, s.Completed)
	fmt.Fprintf(c.w, "device: submits %d entries %d register writes %d memory writes %d\n",
		hc.Submits, hc.Entries, hc.RegisterWrites, hc.MemoryWrites)
	if flag.ByName["-v"] {
		metrics.WriteOnce(d.Pool().Registry(), c.w)
	}
	return d.Remove()
}
