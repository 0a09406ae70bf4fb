// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package swtimer provides a software implementation of owpwm.PulseTimer
// driven by the host clock and a single open-drain GPIO pin.
//
// Timeslot accuracy is at the mercy of the scheduler, so this is only
// suitable for rigs that tolerate relaxed timing. Production buses should
// back the driver with a hardware PWM peripheral instead.
package swtimer

import (
	"errors"
	"sync"
	"time"

	"github.com/GermanBionicSystems/onewire/owpwm"
	"periph.io/x/conn/v3/gpio"
)

// MasterChannel and SampleChannel are the fixed channel assignment of this
// timer: channel 0 shapes the master's low pulses on the pin, channel 1 is
// the sampling offset.
const (
	MasterChannel = 0
	SampleChannel = 1
)

// New returns a pulse timer bit-banging the given pin.
func New(pin gpio.PinIO) *Timer {
	return &Timer{pin: pin}
}

// Timer implements owpwm.PulseTimer in software. The pulse train runs on its
// own goroutine; the pin is driven low for the master channel's width at the
// start of every period and released to a pull-up idle afterwards.
type Timer struct {
	pin gpio.PinIO

	mu       sync.Mutex
	period   time.Duration
	widths   [2]time.Duration
	sample   func()
	boundary func()
	running  bool
	gen      uint // invalidates the pulse train goroutine of a previous Start
}

// Opts returns driver options wired to this timer.
func (t *Timer) Opts() *owpwm.Opts {
	o := owpwm.DefaultOpts
	o.MasterChannel = MasterChannel
	o.SampleChannel = SampleChannel
	o.ReadBit = t.ReadLine
	return &o
}

// ReadLine reads the line level from the pin. It is the line-read capability
// to wire into owpwm.Opts.
func (t *Timer) ReadLine() gpio.Level {
	return t.pin.Read()
}

func (t *Timer) String() string {
	return "swtimer{" + t.pin.Name() + "}"
}

// Start implements owpwm.PulseTimer.
func (t *Timer) Start(period time.Duration, boundary func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("swtimer: already started")
	}
	t.period = period
	t.boundary = boundary
	t.running = true
	t.gen++
	go t.run(t.gen)
	return nil
}

// Stop implements owpwm.PulseTimer. When called from a notification, no
// further notification is delivered once it returns.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// SetPeriod implements owpwm.PulseTimer.
func (t *Timer) SetPeriod(period time.Duration) {
	t.mu.Lock()
	t.period = period
	t.mu.Unlock()
}

// SetWidth implements owpwm.PulseTimer.
func (t *Timer) SetWidth(ch int, width time.Duration) {
	if ch != MasterChannel && ch != SampleChannel {
		return
	}
	t.mu.Lock()
	t.widths[ch] = width
	t.mu.Unlock()
}

// Notify implements owpwm.PulseTimer. Only the sample channel raises
// notifications; the master channel's expiry releases the pin.
func (t *Timer) Notify(ch int, fn func()) {
	if ch != SampleChannel {
		return
	}
	t.mu.Lock()
	t.sample = fn
	t.mu.Unlock()
}

func (t *Timer) run(gen uint) {
	for {
		t.mu.Lock()
		if !t.running || t.gen != gen {
			t.mu.Unlock()
			return
		}
		period := t.period
		mw := t.widths[MasterChannel]
		sw := t.widths[SampleChannel]
		sample := t.sample
		boundary := t.boundary
		t.mu.Unlock()

		start := time.Now()
		if mw > 0 {
			t.pin.Out(gpio.Low)
			sleepUntil(start.Add(mw))
			t.pin.In(gpio.PullUp, gpio.NoEdge)
		}
		if sw > 0 && sample != nil {
			sleepUntil(start.Add(sw))
			if t.alive(gen) {
				sample()
			}
		}
		sleepUntil(start.Add(period))
		if boundary != nil && t.alive(gen) {
			boundary()
		}
	}
}

func (t *Timer) alive(gen uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && t.gen == gen
}

var sleepUntil = func(deadline time.Time) {
	time.Sleep(time.Until(deadline))
}

var _ owpwm.PulseTimer = &Timer{}
