// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpwm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// ROM commands understood by every 1-wire slave device. They are sent as the
// first byte of a transaction, right after the reset pulse.
const (
	CmdReadROM        byte = 0x33 // read the ROM code, single-device bus only
	CmdSearchROM      byte = 0xF0 // begin a device-discovery pass
	CmdSearchROMAlarm byte = 0xEC // discovery pass over alarming devices only
	CmdMatchROM       byte = 0x55 // address one device by its ROM code
	CmdSkipROM        byte = 0xCC // address all devices at once
	CmdConvertTemp    byte = 0x44 // device-specific: trigger a measurement
	CmdReadScratchpad byte = 0xBE // device-specific: read the result buffer
)

var (
	// ErrInvalidState is returned when a bus operation is attempted on a
	// device that has not been started, or has been halted.
	ErrInvalidState = errors.New("owpwm: device not started")
	// ErrCapacityExceeded is returned by Discover when the bus holds more
	// devices than the output buffer: the buffer is filled and the count is
	// valid, but at least one device remains undiscovered.
	ErrCapacityExceeded = errors.New("owpwm: more devices on bus than output buffer can hold")
)

// Opts contains options to pass to the constructor.
//
// ReadBit is mandatory. It is invoked from the timer's completion context
// once per sampling window, must not block and must return within a bounded
// time. PullupAssert and PullupRelease are optional but must be provided
// together; they switch an external low-impedance driver onto the line for
// current-hungry device operations.
//
// The timing fields follow the protocol's standard budget when left zero.
type Opts struct {
	MasterChannel int // timer channel shaping the master's low pulses
	SampleChannel int // timer channel pacing the line sampling

	ReadBit       func() gpio.Level // synchronous single-bit line read
	PullupAssert  func()            // switch the strong pull-up onto the line
	PullupRelease func()            // restore the open-drain idle state

	// PullupHold is the strong pull-up hold used by Tx with
	// onewire.StrongPullup. Write takes an explicit hold instead.
	PullupHold time.Duration

	ResetLow       time.Duration // reset low time, standard 480μs
	PresenceDetect time.Duration // presence sample delay after release, standard 70μs
	Write0Low      time.Duration // write zero low time, standard 60μs
	Write0Recovery time.Duration // line recovery after a slot, standard 10μs
}

// DefaultOpts is the recommended default options. ReadBit must still be set
// before use.
var DefaultOpts = Opts{
	SampleChannel: 1,
	PullupHold:    750 * time.Millisecond,
}

// New returns a 1-wire bus master built on the given pulse timer.
//
// The returned device is ready: bus operations may be issued immediately.
// It implements onewire.Bus and can be handed to 1-wire device drivers.
func New(t PulseTimer, opts *Opts) (*Dev, error) {
	if t == nil {
		return nil, errors.New("owpwm: nil timer")
	}
	if opts == nil {
		return nil, errors.New("owpwm: nil options")
	}
	if opts.ReadBit == nil {
		return nil, errors.New("owpwm: ReadBit is required")
	}
	if opts.MasterChannel == opts.SampleChannel {
		return nil, errors.New("owpwm: master and sample channels must differ")
	}
	if (opts.PullupAssert == nil) != (opts.PullupRelease == nil) {
		return nil, errors.New("owpwm: pull-up assert and release must be provided together")
	}
	d := &Dev{
		timer: t,
		opts:  *opts,
		t:     opts.timings(),
		done:  make(chan struct{}, 1),
	}
	d.reg.state = stateReady
	return d, nil
}

// Dev is a software 1-wire bus master. It implements onewire.Bus.
//
// Exactly one transaction is in flight at a time; public operations
// serialize on the embedded mutex. While a transaction is in flight the only
// mutator of driver state is the timer's completion logic, and the issuing
// goroutine is blocked until the single completion handoff.
type Dev struct {
	sync.Mutex
	timer  PulseTimer
	opts   Opts
	t      timings
	reg    reg
	buf    []byte // I/O buffer, owned by the in-flight transaction
	search searchROM
	mode   txMode
	done   chan struct{} // completion handoff, one signal per transaction
}

// reg is the driver status register: small fields mutated only by the timer
// callbacks while a transaction is in flight.
type reg struct {
	state        state
	slavePresent bool  // at least one device answered the last reset
	bit          uint8 // bit index in the active byte, 0..7
	finalSlot    bool  // no further slot may be programmed
	bytes        int   // bytes left in the active transaction
	needPullup   bool  // assert the strong pull-up after the final bit
}

type state uint8

const (
	stateUninit state = iota
	stateStopped
	stateReady
	statePullUp
)

type txMode uint8

const (
	txNone txMode = iota
	txReset
	txRead
	txWrite
	txSearch
)

func (d *Dev) String() string {
	if s, ok := d.timer.(fmt.Stringer); ok {
		return "owpwm{" + s.String() + "}"
	}
	return "owpwm"
}

// Halt implements conn.Resource. A halted device fails all bus operations
// with ErrInvalidState until Start is called again.
func (d *Dev) Halt() error {
	d.Lock()
	defer d.Unlock()
	if d.reg.state == stateUninit {
		return ErrInvalidState
	}
	d.reg.state = stateStopped
	return nil
}

// Start re-enables a halted device.
func (d *Dev) Start() error {
	d.Lock()
	defer d.Unlock()
	if d.reg.state == stateUninit {
		return ErrInvalidState
	}
	d.reg.state = stateReady
	return nil
}

// Close implements onewire.BusCloser.
func (d *Dev) Close() error {
	return d.Halt()
}

// Reset issues a reset pulse on the bus and reports whether at least one
// device answered with a presence pulse. An empty bus is a normal false
// result, not an error.
func (d *Dev) Reset() (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.reset()
}

// Read performs len(buf) byte-wide read slots, storing the results in buf.
func (d *Dev) Read(buf []byte) error {
	d.Lock()
	defer d.Unlock()
	return d.read(buf)
}

// Write performs len(buf) byte-wide write slots from buf.
//
// If pullup is greater than zero and the strong pull-up callbacks are
// configured, the pull-up is asserted immediately after the last bit and
// held for the given duration before Write returns. The line is back in its
// open-drain idle state by the time Write returns.
func (d *Dev) Write(buf []byte, pullup time.Duration) error {
	d.Lock()
	defer d.Unlock()
	return d.write(buf, pullup)
}

// Tx performs a bus transaction, implementing onewire.Bus: a reset pulse
// followed by sending w and receiving into r.
//
// With onewire.StrongPullup the line is powered for the configured
// PullupHold after the final written bit. This master applies the strong
// pull-up only after writes, so strong pull-up combined with a read phase is
// rejected.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	if power == onewire.StrongPullup && len(r) > 0 {
		return errors.New("owpwm: strong pull-up requires a write-only transaction")
	}
	d.Lock()
	defer d.Unlock()
	present, err := d.reset()
	if err != nil {
		return err
	}
	if !present {
		return busError("owpwm: no device present")
	}
	if len(w) > 0 {
		var hold time.Duration
		if power == onewire.StrongPullup {
			hold = d.opts.PullupHold
		}
		if err := d.write(w, hold); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		return d.read(r)
	}
	return nil
}

// ReadROM reads the ROM code of the only device on the bus using the Read
// ROM command. On a multi-device bus the wired-AND of several codes corrupts
// the read; the CRC check catches that.
func (d *Dev) ReadROM() (onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	present, err := d.reset()
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, noDevicesError("owpwm: no presence pulse on bus")
	}
	cmd := [1]byte{CmdReadROM}
	if err := d.write(cmd[:], 0); err != nil {
		return 0, err
	}
	var rom [8]byte
	if err := d.read(rom[:]); err != nil {
		return 0, err
	}
	if CRC8(rom[:]) != 0 {
		return 0, busError("owpwm: ROM code failed CRC check")
	}
	return onewire.Address(binary.LittleEndian.Uint64(rom[:])), nil
}

func (d *Dev) reset() (bool, error) {
	if d.reg.state != stateReady {
		return false, ErrInvalidState
	}
	d.reg.slavePresent = false
	d.reg.finalSlot = true // a reset transaction is a single slot
	d.mode = txReset
	d.timer.SetWidth(d.opts.MasterChannel, d.t.resetLow)
	d.timer.SetWidth(d.opts.SampleChannel, d.t.resetSample)
	if err := d.busActive(d.t.resetSlot); err != nil {
		d.mode = txNone
		return false, err
	}
	d.wait()
	return d.reg.slavePresent, nil
}

func (d *Dev) read(buf []byte) error {
	if d.reg.state != stateReady {
		return ErrInvalidState
	}
	if len(buf) == 0 || len(buf) > math.MaxUint16 {
		return fmt.Errorf("owpwm: invalid read length %d", len(buf))
	}
	for i := range buf {
		buf[i] = 0 // read slots assemble bytes by ORing sampled bits
	}
	if err := d.startByteTx(txRead, buf); err != nil {
		return err
	}
	d.wait()
	return nil
}

func (d *Dev) write(buf []byte, pullup time.Duration) error {
	if d.reg.state != stateReady {
		return ErrInvalidState
	}
	if len(buf) == 0 || len(buf) > math.MaxUint16 {
		return fmt.Errorf("owpwm: invalid write length %d", len(buf))
	}
	if pullup > 0 {
		if d.opts.PullupAssert == nil {
			return errors.New("owpwm: strong pull-up not configured")
		}
		d.reg.needPullup = true
	}
	if err := d.startByteTx(txWrite, buf); err != nil {
		d.reg.needPullup = false
		return err
	}
	d.wait()
	if pullup > 0 {
		// The completion logic asserted the pull-up right after the final
		// bit; hold it here in the calling goroutine, then restore the
		// open-drain idle state before handing the bus back.
		d.reg.state = statePullUp
		sleep(pullup)
		d.opts.PullupRelease()
		d.reg.state = stateReady
	}
	return nil
}

// startByteTx claims the buffer, initializes the byte and bit counters and
// programs the first slot of a byte-oriented transaction.
func (d *Dev) startByteTx(mode txMode, buf []byte) error {
	d.mode = mode
	d.buf = buf
	d.reg.bit = 0
	d.reg.bytes = len(buf)
	d.reg.finalSlot = false
	d.nextByteSlot()
	if err := d.busActive(d.t.slot); err != nil {
		d.mode = txNone
		d.buf = nil
		return err
	}
	return nil
}

// wait blocks the calling goroutine until the completion handoff. The pulse
// train has already been halted by the time the notification arrives.
func (d *Dev) wait() {
	<-d.done
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusCloser = &Dev{}
