// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpwm

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

// PulseTimer is the two-channel periodic pulse generator that paces the bus,
// typically backed by a hardware PWM peripheral. The channel wired as the
// master pulse drives the line low from the start of every period for its
// programmed width; further channels raise notifications when their width
// expires within the period.
//
// Notifications run in the timer's completion context: they must not block
// and must return within a bounded time. Width and period changes made from
// a notification take effect with the next period. Stop may be called from
// notification context; no notifications are delivered once it returns.
type PulseTimer interface {
	// Start arms the pulse train with the given period. boundary is invoked
	// at every period boundary, in the timer's completion context.
	Start(period time.Duration, boundary func()) error
	// Stop halts the pulse train.
	Stop()
	// SetPeriod changes the period starting with the next cycle.
	SetPeriod(period time.Duration)
	// SetWidth programs channel ch's pulse width. Width 0 parks the channel
	// inactive for the period.
	SetWidth(ch int, width time.Duration)
	// Notify arranges for fn to be called when channel ch's width expires
	// within a period. nil disables the notification.
	Notify(ch int, fn func())
}

// timings is the per-instance slot budget, derived once from Opts.
type timings struct {
	slot        time.Duration // write/read slot period, including recovery
	write0Low   time.Duration
	write1Low   time.Duration
	sampleAt    time.Duration // read sample offset from slot start
	resetLow    time.Duration
	resetSample time.Duration // presence sample offset from slot start
	resetSlot   time.Duration // reset slot period
}

const (
	stdResetLow       = 480 * time.Microsecond
	stdPresenceDetect = 70 * time.Microsecond
	stdWrite0Low      = 60 * time.Microsecond
	stdWrite0Recovery = 10 * time.Microsecond
	stdWrite1Low      = 6 * time.Microsecond
	stdReadSample     = 15 * time.Microsecond
)

func (o *Opts) timings() timings {
	resetLow := o.ResetLow
	if resetLow == 0 {
		resetLow = stdResetLow
	}
	presence := o.PresenceDetect
	if presence == 0 {
		presence = stdPresenceDetect
	}
	w0 := o.Write0Low
	if w0 == 0 {
		w0 = stdWrite0Low
	}
	rec := o.Write0Recovery
	if rec == 0 {
		rec = stdWrite0Recovery
	}
	return timings{
		slot:        w0 + rec,
		write0Low:   w0,
		write1Low:   stdWrite1Low,
		sampleAt:    stdReadSample,
		resetLow:    resetLow,
		resetSample: resetLow + presence,
		resetSlot:   2 * resetLow,
	}
}

// busActive arms the pulse train for one transaction. The channel widths for
// the first slot must already be programmed.
func (d *Dev) busActive(period time.Duration) error {
	d.timer.Notify(d.opts.SampleChannel, d.sampleExpired)
	return d.timer.Start(period, d.masterExpired)
}

// startWriteSlot programs the master channel for one write timeslot. The
// pulse width encodes the bit: a long low pulse writes a 0, a short one a 1.
// The slave samples the line while the long pulse would still be low.
func (d *Dev) startWriteSlot(bit uint8) {
	if bit == 0 {
		d.timer.SetWidth(d.opts.MasterChannel, d.t.write0Low)
	} else {
		d.timer.SetWidth(d.opts.MasterChannel, d.t.write1Low)
	}
	d.timer.SetWidth(d.opts.SampleChannel, 0)
}

// startReadSlot programs a short master pulse, releasing the line for the
// addressed slave, and arms the sample channel at the protocol's read
// offset.
func (d *Dev) startReadSlot() {
	d.timer.SetWidth(d.opts.MasterChannel, d.t.write1Low)
	d.timer.SetWidth(d.opts.SampleChannel, d.t.sampleAt)
}

// sampleExpired runs in the timer's completion context when the sample
// channel's offset elapses. It reads the line exactly once for the slot and
// stores the result.
func (d *Dev) sampleExpired() {
	level := d.opts.ReadBit()
	switch d.mode {
	case txReset:
		// A presence pulse holds the line low after the master released it.
		d.reg.slavePresent = level == gpio.Low
	case txRead:
		if level == gpio.High {
			d.buf[0] |= 1 << d.reg.bit
		}
	case txSearch:
		d.search.sample(level)
	}
}

// masterExpired runs in the timer's completion context at every slot
// boundary. It advances the transaction by one slot, or completes it.
func (d *Dev) masterExpired() {
	switch d.mode {
	case txReset:
		d.complete()
	case txRead, txWrite:
		d.byteSlotDone()
	case txSearch:
		d.searchSlotDone()
	}
}

// byteSlotDone advances the byte and bit counters past the slot that just
// ended and programs the next one.
func (d *Dev) byteSlotDone() {
	d.reg.bit++
	if d.reg.bit == 8 {
		d.reg.bit = 0
		d.reg.bytes--
		if d.reg.bytes > 0 {
			d.buf = d.buf[1:]
		}
	}
	if d.reg.finalSlot {
		d.complete()
		return
	}
	d.nextByteSlot()
}

// nextByteSlot programs the slot for the current bit of the current byte,
// raising the final timeslot flag before the last slot of the transaction.
func (d *Dev) nextByteSlot() {
	if d.reg.bytes == 1 && d.reg.bit == 7 {
		d.reg.finalSlot = true
	}
	if d.mode == txRead {
		d.startReadSlot()
	} else {
		d.startWriteSlot(d.buf[0] >> d.reg.bit & 1)
	}
}

// complete halts the pulse train and performs the single completion handoff
// to the blocked caller. Runs in the timer's completion context.
func (d *Dev) complete() {
	d.timer.Stop()
	if d.reg.needPullup {
		d.reg.needPullup = false
		d.opts.PullupAssert()
	}
	d.mode = txNone
	d.buf = nil
	d.done <- struct{}{}
}
