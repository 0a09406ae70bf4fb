// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpwm_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/GermanBionicSystems/onewire/owpwm"
	"github.com/GermanBionicSystems/onewire/owpwm/owpwmtest"
	"periph.io/x/conn/v3/onewire"
)

func newDev(t *testing.T, bus *owpwmtest.Bus) *owpwm.Dev {
	t.Helper()
	d, err := owpwm.New(bus, bus.Opts())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestReset_presence(t *testing.T) {
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 1)}}}
	d := newDev(t, bus)
	present, err := d.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Error("expected a presence pulse with a slave attached")
	}

	empty := &owpwmtest.Bus{}
	d = newDev(t, empty)
	present, err = d.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("expected no presence pulse on an empty bus")
	}
}

func TestWriteRead_roundTrip(t *testing.T) {
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{&owpwmtest.Echo{}}}
	d := newDev(t, bus)
	if _, err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	payload := []byte{0x00, 0xff, 0xa5, 0x5a, 0x42}
	if err := d.Write(payload, 0); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := d.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: wrote %#v, read %#v", payload, got)
	}
}

func TestTx_readScratchpad(t *testing.T) {
	// Scratchpad with a valid trailing check byte, played back after
	// Skip ROM + Read Scratchpad.
	scratch := []byte{0xe0, 0x01, 0x00, 0x00, 0x3f, 0xff, 0x10, 0x10}
	scratch = append(scratch, owpwm.CRC8(scratch))
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{
		&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 7), Scratch: scratch},
	}}
	d := newDev(t, bus)
	var spad [9]byte
	if err := d.Tx([]byte{owpwm.CmdSkipROM, owpwm.CmdReadScratchpad}, spad[:], onewire.WeakPullup); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(spad[:], scratch) {
		t.Errorf("expected scratchpad %#v, read %#v", scratch, spad[:])
	}
	// Cross-check the driver's CRC against the conn implementation.
	if !onewire.CheckCRC(spad[:]) {
		t.Error("scratchpad CRC rejected by onewire.CheckCRC")
	}
}

func TestTx_noDevice(t *testing.T) {
	d := newDev(t, &owpwmtest.Bus{})
	err := d.Tx([]byte{owpwm.CmdSkipROM}, nil, onewire.WeakPullup)
	if err == nil {
		t.Fatal("expected an error on an empty bus")
	}
	var be onewire.BusError
	if !errors.As(err, &be) || !be.BusError() {
		t.Errorf("expected a onewire.BusError, got %v", err)
	}
}

func TestDiscover_singleDevice(t *testing.T) {
	addr := owpwmtest.Address(0x28, 0x00042)
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{&owpwmtest.ROM{Addr: addr}}}
	d := newDev(t, bus)
	var out [8]onewire.Address
	n, err := d.Discover(out[:])
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 device, got %d", n)
	}
	if out[0] != addr {
		t.Errorf("expected %#016x, got %#016x", uint64(addr), uint64(out[0]))
	}
	// A single-device bus is fully discovered in one pass.
	if bus.Resets != 1 {
		t.Errorf("expected exactly 1 pass, saw %d resets", bus.Resets)
	}
}

func TestDiscover_multiDevice(t *testing.T) {
	addrs := []onewire.Address{
		owpwmtest.Address(0x28, 0x0000074_0000070e),
		owpwmtest.Address(0x28, 0x0000c0_ffee4242),
		owpwmtest.Address(0x10, 0x000001),
		owpwmtest.Address(0x3a, 0xdeadbeef),
	}
	bus := &owpwmtest.Bus{}
	for _, a := range addrs {
		bus.Slaves = append(bus.Slaves, &owpwmtest.ROM{Addr: a})
	}
	d := newDev(t, bus)
	var out [16]onewire.Address
	n, err := d.Discover(out[:])
	if err != nil {
		t.Fatal(err)
	}
	if n != len(addrs) {
		t.Fatalf("expected %d devices, got %d", len(addrs), n)
	}
	found := map[onewire.Address]bool{}
	for _, a := range out[:n] {
		found[a] = true
	}
	for _, a := range addrs {
		if !found[a] {
			t.Errorf("device %#016x not discovered", uint64(a))
		}
	}
	// One pass per device.
	if bus.Resets != len(addrs) {
		t.Errorf("expected %d passes, saw %d resets", len(addrs), bus.Resets)
	}
}

func TestDiscover_capacityExceeded(t *testing.T) {
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{
		&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 1)},
		&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 2)},
		&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 3)},
	}}
	d := newDev(t, bus)
	var out [2]onewire.Address
	n, err := d.Discover(out[:])
	if !errors.Is(err, owpwm.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 devices, got %d", n)
	}
	if out[0] == out[1] {
		t.Error("expected 2 distinct codes")
	}
}

func TestDiscover_emptyBus(t *testing.T) {
	d := newDev(t, &owpwmtest.Bus{})
	var out [4]onewire.Address
	n, err := d.Discover(out[:])
	if n != 0 {
		t.Errorf("expected 0 devices, got %d", n)
	}
	var nd onewire.NoDevicesError
	if !errors.As(err, &nd) || !nd.NoDevices() {
		t.Errorf("expected a onewire.NoDevicesError, got %v", err)
	}
}

func TestSearch_alarmOnly(t *testing.T) {
	alarmed := owpwmtest.Address(0x28, 0xbeef)
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{
		&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 0xcafe)},
		&owpwmtest.ROM{Addr: alarmed, Alarm: true},
	}}
	d := newDev(t, bus)
	all, err := d.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(all))
	}
	got, err := d.Search(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != alarmed {
		t.Errorf("expected only %#016x in alarm, got %v", uint64(alarmed), got)
	}
}

func TestSearch_alarmNone(t *testing.T) {
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{
		&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 0xcafe)},
	}}
	d := newDev(t, bus)
	got, err := d.Search(true)
	if len(got) != 0 {
		t.Errorf("expected no alarmed device, got %v", got)
	}
	var nd onewire.NoDevicesError
	if !errors.As(err, &nd) {
		t.Errorf("expected a onewire.NoDevicesError, got %v", err)
	}
}

// quitter answers the presence pulse but deserts the search after a few bit
// triads, which a real device does when it loses power mid-pass.
type quitter struct {
	owpwmtest.ROM
	reads int
}

func (q *quitter) ReadBit() bool {
	q.reads++
	if q.reads > 10 {
		return false
	}
	return q.ROM.ReadBit()
}

func TestDiscover_busErrorMidPass(t *testing.T) {
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{
		&quitter{ROM: owpwmtest.ROM{Addr: owpwmtest.Address(0x01, 0)}},
	}}
	d := newDev(t, bus)
	var out [4]onewire.Address
	n, err := d.Discover(out[:])
	if n != 0 {
		t.Errorf("expected 0 devices, got %d", n)
	}
	var be onewire.BusError
	if !errors.As(err, &be) || !be.BusError() {
		t.Errorf("expected a onewire.BusError, got %v", err)
	}
}

func TestReadROM(t *testing.T) {
	addr := owpwmtest.Address(0x10, 0x740000070e)
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{&owpwmtest.ROM{Addr: addr}}}
	d := newDev(t, bus)
	got, err := d.ReadROM()
	if err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Errorf("expected %#016x, got %#016x", uint64(addr), uint64(got))
	}
}

func TestWrite_strongPullup(t *testing.T) {
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 9)}}}
	d := newDev(t, bus)
	if _, err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := d.Write([]byte{owpwm.CmdSkipROM, owpwm.CmdConvertTemp}, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	// Asserted right after the final bit, released after the hold.
	if len(bus.Pullups) != 2 || !bus.Pullups[0] || bus.Pullups[1] {
		t.Errorf("expected assert then release, got %v", bus.Pullups)
	}
}

func TestTx_strongPullupWithRead(t *testing.T) {
	d := newDev(t, &owpwmtest.Bus{Slaves: []owpwmtest.Slave{&owpwmtest.Echo{}}})
	var r [1]byte
	if err := d.Tx([]byte{owpwm.CmdSkipROM}, r[:], onewire.StrongPullup); err == nil {
		t.Fatal("expected strong pull-up with a read phase to be rejected")
	}
}

func TestInvalidState(t *testing.T) {
	bus := &owpwmtest.Bus{Slaves: []owpwmtest.Slave{&owpwmtest.ROM{Addr: owpwmtest.Address(0x28, 1)}}}
	d := newDev(t, bus)
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	var buf [2]byte
	var out [2]onewire.Address
	if _, err := d.Reset(); !errors.Is(err, owpwm.ErrInvalidState) {
		t.Errorf("Reset: expected ErrInvalidState, got %v", err)
	}
	if err := d.Read(buf[:]); !errors.Is(err, owpwm.ErrInvalidState) {
		t.Errorf("Read: expected ErrInvalidState, got %v", err)
	}
	if err := d.Write(buf[:], 0); !errors.Is(err, owpwm.ErrInvalidState) {
		t.Errorf("Write: expected ErrInvalidState, got %v", err)
	}
	if _, err := d.Discover(out[:]); !errors.Is(err, owpwm.ErrInvalidState) {
		t.Errorf("Discover: expected ErrInvalidState, got %v", err)
	}
	if bus.Slots != 0 {
		t.Errorf("expected no bus activity while halted, saw %d slots", bus.Slots)
	}
	// Start re-enables the device.
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	if present, err := d.Reset(); err != nil || !present {
		t.Errorf("expected a working bus after Start, got present=%t err=%v", present, err)
	}
}
