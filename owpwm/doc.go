// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owpwm implements a software 1-wire bus master on top of a generic
// two-channel periodic pulse timer, typically a hardware PWM peripheral.
//
// One timer channel shapes the master's low pulses on the line, the second
// channel paces the sampling of the line within each timeslot. The driver
// programs both channels slot by slot from the timer's completion
// notifications, so no bit-banging happens on the calling goroutine and the
// protocol timing is as accurate as the timer peripheral backing the
// PulseTimer implementation.
//
// Dev implements onewire.Bus and can be used with any 1-wire device driver,
// for example ds18b20.
//
// # Protocol reference
//
// https://www.analog.com/media/en/technical-documentation/app-notes/1wire-search-algorithm.pdf
package owpwm
