// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems

// Package updater drives a firmware update end to end: validation,
// compatibility negotiation, chunked module transfer, and supervision of
// the device through its self-triggered reboot. One Updater serves one
// device over one serial link; the whole run is synchronous and blocks
// the calling goroutine.
package updater

import (
	"time"

	"github.com/clarivue/faceid-tools/lib/image"
	"github.com/clarivue/faceid-tools/lib/serial"
	"github.com/clarivue/faceid-tools/lib/status"
)

// Settings selects the device and tunes the session. Zero values take the
// defaults below.
type Settings struct {
	Port     string
	BaudRate int
	Ext      *serial.PlatformExt

	// ForceVersion bypasses the host-compatibility gate. The transfer
	// still runs only on explicit operator request.
	ForceVersion bool

	// Liveness bounds for the post-reboot wait. The device gets at
	// least MinRebootWait of silence, then one ping per PollInterval
	// until MaxRebootWait has passed in total.
	MinRebootWait time.Duration
	MaxRebootWait time.Duration
	PollInterval  time.Duration

	// ChunkSize is the module block size on the wire.
	ChunkSize int
}

const (
	DefaultMinRebootWait = 6 * time.Second
	DefaultMaxRebootWait = 30 * time.Second
	DefaultPollInterval  = 1 * time.Second
	DefaultChunkSize     = 512

	// A block command is opcode u8 + seq u16 + crc u16 + data, and the
	// whole command must fit one transport frame.
	maxChunkSize = serial.MaxPayload - 5
)

func (s Settings) withDefaults() Settings {
	if s.MinRebootWait == 0 {
		s.MinRebootWait = DefaultMinRebootWait
	}
	if s.MaxRebootWait == 0 {
		s.MaxRebootWait = DefaultMaxRebootWait
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.ChunkSize > maxChunkSize {
		s.ChunkSize = maxChunkSize
	}
	return s
}

// Plan is the caller's choice of modules to flash this session, in
// transfer order. The caller decides recognition-module inclusion based on
// database compatibility; the engine takes the plan as given.
type Plan struct {
	Modules []image.ModuleKind

	// ForceFull makes the device rewrite every block even when its
	// stored checksum already matches.
	ForceFull bool
}

// EventHandler receives progress while an update runs. Invoked
// synchronously on the updating goroutine after every transferred chunk;
// it must not block for long or it stalls the update.
type EventHandler interface {
	OnProgress(progress float64)
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(float64)

func (f EventHandlerFunc) OnProgress(p float64) { f(p) }

// Result is the outcome of one UpdateModules call. Err is nil iff Status
// is Ok; FinalProgress is the last truthful value reported, exactly 1.0
// only on full success.
type Result struct {
	Status        status.Status
	Err           error
	FinalProgress float64

	// VerifiedVersion is the OPFW version the device reported after the
	// update, when the post-update query ran. A mismatch against the
	// image is reported in Mismatch, not turned into a failure: the
	// transfer already happened.
	VerifiedVersion string
	Mismatch        bool
}
