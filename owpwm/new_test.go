// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpwm

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
)

type nopTimer struct{}

func (nopTimer) Start(time.Duration, func()) error { return nil }
func (nopTimer) Stop()                             {}
func (nopTimer) SetPeriod(time.Duration)           {}
func (nopTimer) SetWidth(int, time.Duration)       {}
func (nopTimer) Notify(int, func())                {}

func TestNew_fail(t *testing.T) {
	readBit := func() gpio.Level { return gpio.High }
	var tests = []struct {
		name  string
		timer PulseTimer
		opts  *Opts
	}{
		{"nil timer", nil, &Opts{SampleChannel: 1, ReadBit: readBit}},
		{"nil opts", nopTimer{}, nil},
		{"missing ReadBit", nopTimer{}, &Opts{SampleChannel: 1}},
		{"same channels", nopTimer{}, &Opts{ReadBit: readBit}},
		{"half pull-up", nopTimer{}, &Opts{SampleChannel: 1, ReadBit: readBit, PullupAssert: func() {}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(st *testing.T) {
			if d, err := New(test.timer, test.opts); d != nil || err == nil {
				st.Fatal("expected construction to fail")
			}
		})
	}
}

func TestOpts_timings(t *testing.T) {
	o := DefaultOpts
	tm := o.timings()
	if tm.slot != 70*time.Microsecond {
		t.Errorf("expected the standard 70μs slot, got %s", tm.slot)
	}
	if tm.resetSample != 550*time.Microsecond {
		t.Errorf("expected the presence sample at 550μs, got %s", tm.resetSample)
	}
	if tm.resetSlot != 960*time.Microsecond {
		t.Errorf("expected a 960μs reset slot, got %s", tm.resetSlot)
	}

	o.Write0Low = 64 * time.Microsecond
	o.Write0Recovery = 5 * time.Microsecond
	tm = o.timings()
	if tm.slot != 69*time.Microsecond {
		t.Errorf("expected the overridden 69μs slot, got %s", tm.slot)
	}
}
