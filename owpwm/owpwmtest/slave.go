// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpwmtest

import "periph.io/x/conn/v3/onewire"

// Slave is a virtual device attached to a simulated Bus.
type Slave interface {
	// Reset is called when a reset pulse is seen. Every attached slave
	// answers it with a presence pulse.
	Reset()
	// WriteBit delivers a bit driven by the master during a write slot.
	WriteBit(bit uint8)
	// ReadBit reports whether the slave pulls the line low during a read
	// slot. It is called once per read slot on every slave, wired-AND.
	ReadBit() bool
}

// ROM is a virtual slave with a 64-bit ROM code. It implements the ROM layer
// of the protocol: Search ROM (normal and conditional), Read ROM, Match ROM
// and Skip ROM, plus Read Scratchpad playback from Scratch.
type ROM struct {
	Addr onewire.Address
	// Alarm marks the device as answering the conditional search.
	Alarm bool
	// Scratch is played back, oldest byte first, after a Read Scratchpad
	// command addressed to this device.
	Scratch []byte

	state    romState
	cmd      byte
	nbits    uint  // bits collected or sent in the current phase
	phase    uint8 // search triad phase: direct, complement, write-back
	active   bool  // still racing in the current search pass
	selected bool
	match    bool
	out      []byte
}

type romState uint8

const (
	romIdle romState = iota
	romCommand
	romSearch
	romSendROM
	romMatch
	romFuncCmd
	romSendData
)

// Reset implements Slave.
func (s *ROM) Reset() {
	s.state = romCommand
	s.cmd = 0
	s.nbits = 0
	s.selected = false
}

// WriteBit implements Slave.
func (s *ROM) WriteBit(bit uint8) {
	switch s.state {
	case romCommand, romFuncCmd:
		s.cmd |= bit << s.nbits
		s.nbits++
		if s.nbits == 8 {
			if s.state == romCommand {
				s.command()
			} else {
				s.function()
			}
		}
	case romSearch:
		// Write-back of the search triad: devices not matching the chosen
		// direction drop out until the next reset.
		if s.active && bit != s.romBit(s.nbits) {
			s.active = false
		}
		s.phase = 0
		s.nbits++
		if s.nbits == 64 {
			s.state = romIdle
		}
	case romMatch:
		if bit != s.romBit(s.nbits) {
			s.match = false
		}
		s.nbits++
		if s.nbits == 64 {
			if s.match {
				s.selected = true
				s.state = romFuncCmd
				s.cmd = 0
				s.nbits = 0
			} else {
				s.state = romIdle
			}
		}
	}
}

// ReadBit implements Slave.
func (s *ROM) ReadBit() bool {
	switch s.state {
	case romSearch:
		switch s.phase {
		case 0:
			s.phase = 1
			return s.active && s.romBit(s.nbits) == 0
		case 1:
			s.phase = 2
			return s.active && s.romBit(s.nbits) == 1
		}
		return false
	case romSendROM:
		bit := s.romBit(s.nbits)
		s.nbits++
		if s.nbits == 64 {
			s.state = romIdle
		}
		return bit == 0
	case romSendData:
		bit := s.out[s.nbits>>3] >> (s.nbits & 7) & 1
		s.nbits++
		if s.nbits == uint(len(s.out))*8 {
			s.state = romIdle
		}
		return bit == 0
	}
	return false
}

func (s *ROM) command() {
	switch s.cmd {
	case 0xf0, 0xec:
		s.state = romSearch
		s.nbits = 0
		s.phase = 0
		s.active = s.cmd == 0xf0 || s.Alarm
	case 0x33:
		s.state = romSendROM
		s.nbits = 0
	case 0x55:
		s.state = romMatch
		s.nbits = 0
		s.match = true
	case 0xcc:
		s.selected = true
		s.state = romFuncCmd
		s.cmd = 0
		s.nbits = 0
	default:
		s.state = romIdle
	}
}

func (s *ROM) function() {
	if s.cmd == 0xbe && s.selected && len(s.Scratch) > 0 {
		s.state = romSendData
		s.out = s.Scratch
		s.nbits = 0
		return
	}
	// Convert and friends need no answer from the device.
	s.state = romIdle
}

func (s *ROM) romBit(n uint) uint8 {
	return uint8(uint64(s.Addr) >> n & 1)
}

// Echo is a loopback slave: every bit the master writes is queued and played
// back, oldest first, on subsequent read slots. Useful for byte round-trip
// tests.
type Echo struct {
	bits []uint8
}

// Reset implements Slave.
func (e *Echo) Reset() {
	e.bits = e.bits[:0]
}

// WriteBit implements Slave.
func (e *Echo) WriteBit(bit uint8) {
	e.bits = append(e.bits, bit)
}

// ReadBit implements Slave.
func (e *Echo) ReadBit() bool {
	if len(e.bits) == 0 {
		return false
	}
	bit := e.bits[0]
	e.bits = e.bits[1:]
	return bit == 0
}

var _ Slave = &ROM{}
var _ Slave = &Echo{}
