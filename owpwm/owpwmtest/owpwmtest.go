// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owpwmtest simulates the two-channel pulse timer and a 1-wire bus
// with virtual slave devices, so owpwm and drivers built on top of it can be
// tested without hardware.
//
// Bus implements owpwm.PulseTimer synchronously: Start decodes every period
// into a protocol slot, folds the attached slaves' answers into the
// wired-AND line level and runs the whole pulse train to completion on the
// caller's goroutine. The decoder classifies slots against the protocol's
// standard widths, so it is not suitable for exotic timing overrides.
package owpwmtest

import (
	"encoding/binary"
	"time"

	"github.com/GermanBionicSystems/onewire/owpwm"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Decoder thresholds: anything longer than a write-0 low pulse is a reset.
const (
	resetThreshold = 400 * time.Microsecond
	zeroThreshold  = 30 * time.Microsecond
)

// Bus is a simulated 1-wire bus and the pulse timer driving it.
//
// It is not safe for concurrent use; the pulse train runs synchronously
// inside Start.
type Bus struct {
	// Slaves are the devices attached to the simulated wire.
	Slaves []Slave
	// MasterChannel and SampleChannel identify how the driver is configured.
	// Leave both zero and call Opts to use the defaults.
	MasterChannel int
	SampleChannel int
	// MaxSlots guards against a runaway pulse train; 0 means 1<<20.
	MaxSlots int

	// Slots counts every simulated timeslot, Resets every reset pulse seen.
	Slots  int
	Resets int
	// Pullups records strong pull-up activity: true for assert, false for
	// release.
	Pullups []bool

	period   time.Duration
	widths   map[int]time.Duration
	notify   map[int]func()
	boundary func()
	running  bool
	line     gpio.Level
}

// Opts returns driver options wired to the simulated bus. It must be called
// before the bus is used so the channel assignment is settled.
func (b *Bus) Opts() *owpwm.Opts {
	if b.SampleChannel == b.MasterChannel {
		b.SampleChannel = b.MasterChannel + 1
	}
	o := owpwm.DefaultOpts
	o.MasterChannel = b.MasterChannel
	o.SampleChannel = b.SampleChannel
	o.ReadBit = b.LineLevel
	o.PullupAssert = b.PullupAssert
	o.PullupRelease = b.PullupRelease
	return &o
}

// LineLevel reports the simulated line level at the most recent sampling
// window. It is the line-read capability to wire into owpwm.Opts.
func (b *Bus) LineLevel() gpio.Level {
	return b.line
}

// PullupAssert records a strong pull-up assertion.
func (b *Bus) PullupAssert() {
	b.Pullups = append(b.Pullups, true)
}

// PullupRelease records a strong pull-up release.
func (b *Bus) PullupRelease() {
	b.Pullups = append(b.Pullups, false)
}

func (b *Bus) String() string {
	return "owpwmtest"
}

// Start implements owpwm.PulseTimer. It returns once the driver stops the
// pulse train from a notification.
func (b *Bus) Start(period time.Duration, boundary func()) error {
	b.period = period
	b.boundary = boundary
	b.running = true
	max := b.MaxSlots
	if max == 0 {
		max = 1 << 20
	}
	for n := 0; b.running; n++ {
		if n > max {
			panic("owpwmtest: pulse train did not terminate")
		}
		b.Slots++
		b.step()
	}
	return nil
}

// Stop implements owpwm.PulseTimer.
func (b *Bus) Stop() {
	b.running = false
}

// SetPeriod implements owpwm.PulseTimer.
func (b *Bus) SetPeriod(period time.Duration) {
	b.period = period
}

// SetWidth implements owpwm.PulseTimer.
func (b *Bus) SetWidth(ch int, width time.Duration) {
	if b.widths == nil {
		b.widths = map[int]time.Duration{}
	}
	b.widths[ch] = width
}

// Notify implements owpwm.PulseTimer.
func (b *Bus) Notify(ch int, fn func()) {
	if b.notify == nil {
		b.notify = map[int]func(){}
	}
	b.notify[ch] = fn
}

// step simulates one period of the pulse train: it classifies the slot from
// the programmed widths, lets the slaves react and delivers the channel
// notifications in offset order.
func (b *Bus) step() {
	mw := b.widths[b.MasterChannel]
	sw := b.widths[b.SampleChannel]
	sfn := b.notify[b.SampleChannel]
	switch {
	case mw >= resetThreshold:
		b.Resets++
		b.line = gpio.High
		for _, s := range b.Slaves {
			s.Reset()
			b.line = gpio.Low // every attached slave answers with presence
		}
		b.sample(sw, sfn)
	case sw > 0:
		// A short master pulse with the sample channel armed is a read
		// slot: the line carries the wired-AND of the slaves' answers.
		b.line = gpio.High
		for _, s := range b.Slaves {
			if s.ReadBit() {
				b.line = gpio.Low
			}
		}
		b.sample(sw, sfn)
	default:
		bit := uint8(1)
		if mw >= zeroThreshold {
			bit = 0
		}
		for _, s := range b.Slaves {
			s.WriteBit(bit)
		}
	}
	if b.boundary != nil {
		b.boundary()
	}
}

func (b *Bus) sample(sw time.Duration, sfn func()) {
	if sw > 0 && sfn != nil {
		sfn()
	}
}

// Address assembles a ROM code from a family code and a 48-bit serial
// number, appending the CRC check byte the way real devices are provisioned.
func Address(family byte, serial uint64) onewire.Address {
	var b [8]byte
	b[0] = family
	for i := 0; i < 6; i++ {
		b[1+i] = byte(serial >> (8 * i))
	}
	b[7] = owpwm.CRC8(b[:7])
	return onewire.Address(binary.LittleEndian.Uint64(b[:]))
}

var _ owpwm.PulseTimer = &Bus{}
