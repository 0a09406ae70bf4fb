// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpwm

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// A discovery pass walks an implicit binary trie over the 64-bit ROM codes:
// for every bit position the master reads the wired-AND of the direct bits,
// then of the complemented bits, and writes the chosen direction back so
// that only matching devices keep answering. Conflicting positions are taken
// zero-side first; the one-side is recorded as a pending branch and consumed
// by a later pass.

// maxDevices is the most ROM codes a single discovery can report.
const maxDevices = 255

type searchResult uint8

const (
	searchSuccess searchResult = iota // a ROM code was discovered, more remain
	searchLast                        // the last ROM code was discovered
	searchError                       // no device answered a bit triad
)

// searchROM carries the transient state of one discovery. Branch indices are
// ROM bit positions 0..63; negative values mean no pending branch.
type searchROM struct {
	reg            searchReg
	rom            [8]byte // ROM code being assembled this pass
	prevPath       [8]byte // ROM code assembled on the previous pass
	lastZeroBranch int8    // most recent unexplored branch found this pass
	prevZeroBranch int8    // branch consumed on the previous pass
}

// searchReg is the discovery status register.
type searchReg struct {
	singleDevice bool         // no conflict seen on the first pass
	firstPass    bool         // no previous path to replay yet
	result       searchResult // outcome of the last pass
	bitStep      uint8        // 0 direct read, 1 complemented read, 2 write-back
	bitBuf       uint8        // the two read results of the active triad
	romBit       uint8        // ROM bit position being resolved, 0..63
	devicesFound uint8
}

// begin resets the whole discovery state.
func (s *searchROM) begin() {
	*s = searchROM{lastZeroBranch: -1, prevZeroBranch: -1}
	s.reg.firstPass = true
	s.reg.singleDevice = true
}

// beginPass resets the per-pass state, keeping the previous path and the
// consumed branch.
func (s *searchROM) beginPass() {
	s.reg.bitStep = 0
	s.reg.bitBuf = 0
	s.reg.romBit = 0
	s.reg.result = searchSuccess
	s.lastZeroBranch = -1
	s.rom = [8]byte{}
}

// sample stores one read result of the active bit triad. Runs in the timer's
// completion context.
func (s *searchROM) sample(level gpio.Level) {
	if level == gpio.High {
		s.reg.bitBuf |= 1 << s.reg.bitStep
	}
}

// append records the chosen bit in the ROM code under assembly.
func (s *searchROM) append(bit uint8) {
	if bit != 0 {
		s.rom[s.reg.romBit>>3] |= 1 << (s.reg.romBit & 7)
	}
}

// resolveConflict picks the direction to follow at a conflict bit: new
// branches are taken zero-side first, the branch deferred by the previous
// pass is consumed one-side, and earlier positions replay the previous
// pass's choice.
func (s *searchROM) resolveConflict() uint8 {
	pos := int8(s.reg.romBit)
	if s.reg.firstPass {
		s.lastZeroBranch = pos
		return 0
	}
	switch {
	case pos > s.prevZeroBranch:
		s.lastZeroBranch = pos
		return 0
	case pos == s.prevZeroBranch:
		return 1
	default:
		bit := s.prevPath[pos>>3] >> (uint8(pos) & 7) & 1
		if bit == 0 {
			// The replayed zero still hides an unexplored one-side.
			s.lastZeroBranch = pos
		}
		return bit
	}
}

// endPass updates the pass bookkeeping once all 64 positions are resolved:
// the assembled code becomes the replay source, the pending branch becomes
// the branch to consume next.
func (s *searchROM) endPass() {
	s.reg.devicesFound++
	s.prevPath = s.rom
	s.prevZeroBranch = s.lastZeroBranch
	switch {
	case s.reg.firstPass && s.reg.singleDevice:
		s.reg.result = searchLast
	case s.lastZeroBranch >= 0:
		s.reg.result = searchSuccess
	default:
		s.reg.result = searchLast
	}
	s.reg.firstPass = false
}

// searchSlotDone runs in the timer's completion context at the boundary of
// every discovery slot. Each ROM bit takes a triad of slots: direct read,
// complemented read, then the master's write-back of the chosen direction.
func (d *Dev) searchSlotDone() {
	s := &d.search
	switch s.reg.bitStep {
	case 0:
		s.reg.bitStep = 1
		d.startReadSlot()
	case 1:
		switch s.reg.bitBuf {
		case 0x3:
			// Both reads high: nothing answered the triad.
			s.reg.result = searchError
			d.complete()
		case 0x1:
			// Direct 1, complement 0: all devices agree on 1.
			d.searchWriteBack(1)
		case 0x2:
			d.searchWriteBack(0)
		default:
			// Both reads low: devices disagree on this position.
			s.reg.singleDevice = false
			d.searchWriteBack(s.resolveConflict())
		}
	case 2:
		if d.reg.finalSlot {
			s.endPass()
			d.complete()
			return
		}
		s.reg.romBit++
		s.reg.bitStep = 0
		s.reg.bitBuf = 0
		d.startReadSlot()
	}
}

// searchWriteBack drives the chosen bit back onto the bus, keeping only the
// matching devices in the pass, and appends it to the ROM under assembly.
func (d *Dev) searchWriteBack(bit uint8) {
	s := &d.search
	s.append(bit)
	s.reg.bitStep = 2
	if s.reg.romBit == 63 {
		d.reg.finalSlot = true
	}
	d.startWriteSlot(bit)
}

// Discover enumerates the devices on the bus, filling out with their ROM
// codes, and returns the number discovered.
//
// If the bus holds more devices than out can hold, out is filled and
// ErrCapacityExceeded is returned alongside the count. A device failing to
// answer mid-pass aborts the discovery with an error implementing
// onewire.BusError; codes already discovered remain valid.
func (d *Dev) Discover(out []onewire.Address) (int, error) {
	d.Lock()
	defer d.Unlock()
	return d.discover(out, CmdSearchROM)
}

// Search implements onewire.Bus: it returns the addresses of all devices on
// the bus, or of all devices in alarm state if alarmOnly is set. An error
// implementing onewire.NoDevicesError is returned when nothing answers.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	cmd := CmdSearchROM
	if alarmOnly {
		cmd = CmdSearchROMAlarm
	}
	d.Lock()
	defer d.Unlock()
	buf := make([]onewire.Address, maxDevices)
	n, err := d.discover(buf, cmd)
	return buf[:n], err
}

func (d *Dev) discover(out []onewire.Address, cmd byte) (int, error) {
	if d.reg.state != stateReady {
		return 0, ErrInvalidState
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("owpwm: empty output buffer")
	}
	maxCount := len(out)
	if maxCount > maxDevices {
		maxCount = maxDevices
	}
	s := &d.search
	s.begin()
	for {
		// Every pass starts from a reset pulse.
		present, err := d.reset()
		if err != nil {
			return int(s.reg.devicesFound), err
		}
		if !present {
			return int(s.reg.devicesFound), noDevicesError("owpwm: no presence pulse on bus")
		}
		command := [1]byte{cmd}
		if err := d.write(command[:], 0); err != nil {
			return int(s.reg.devicesFound), err
		}
		s.beginPass()
		d.mode = txSearch
		d.reg.finalSlot = false
		d.startReadSlot()
		if err := d.busActive(d.t.slot); err != nil {
			d.mode = txNone
			return int(s.reg.devicesFound), err
		}
		d.wait()
		if s.reg.result == searchError {
			if s.reg.devicesFound == 0 && s.reg.romBit == 0 {
				// Nothing took part in the search at all, which is the
				// normal outcome of an alarm search with no alarming
				// device.
				return 0, noDevicesError("owpwm: no device answered the search")
			}
			return int(s.reg.devicesFound), busError("owpwm: no response mid-pass")
		}
		n := int(s.reg.devicesFound) - 1 // index of the code this pass produced
		if CRC8(s.rom[:]) != 0 {
			return n, busError("owpwm: discovered ROM code failed CRC check")
		}
		out[n] = onewire.Address(binary.LittleEndian.Uint64(s.rom[:]))
		if s.reg.result == searchLast {
			return n + 1, nil
		}
		if n+1 >= maxCount {
			return n + 1, ErrCapacityExceeded
		}
	}
}
