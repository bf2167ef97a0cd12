// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems

// Package device implements the host side of the device command protocol:
// liveness ping, version and serial-number queries, reboot, and the module
// transfer handshake used during firmware updates. The opcodes and response
// shapes are fixed by the device firmware.
package device

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	cmdPing        = 0x01
	cmdQueryFwVer  = 0x02
	cmdQuerySerial = 0x03
	cmdReboot      = 0x04

	cmdModuleBegin = 0x10
	cmdModuleBlock = 0x11
	cmdModuleEnd   = 0x12

	// Responses echo the command opcode with the top bit set.
	respBit = 0x80
)

// BlockStatus is the device's verdict on one transfer command.
type BlockStatus byte

const (
	BlockOk BlockStatus = iota
	// BlockSkipped means the device already holds a block with this
	// checksum and did not rewrite it. Still counts as progress.
	BlockSkipped
	BlockError
)

func (s BlockStatus) String() string {
	switch s {
	case BlockOk:
		return "ok"
	case BlockSkipped:
		return "skipped"
	case BlockError:
		return "error"
	}
	return "unknown"
}

// BuildModuleBegin announces a module transfer: kind and version of the
// module, total payload size, block count, and whether the device must
// rewrite blocks whose checksums already match (force).
func BuildModuleBegin(kind byte, version string, size uint32, blocks uint16, force bool) []byte {
	buf := make([]byte, 0, 10+len(version))
	buf = append(buf, cmdModuleBegin, kind)
	if force {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(len(version)))
	buf = append(buf, version...)
	buf = binary.LittleEndian.AppendUint32(buf, size)
	buf = binary.LittleEndian.AppendUint16(buf, blocks)
	return buf
}

// BuildModuleBlock carries one payload block with its sequence number and
// CRC16 so the device can skip blocks it already holds.
func BuildModuleBlock(seq uint16, crc uint16, data []byte) []byte {
	buf := make([]byte, 0, 5+len(data))
	buf = append(buf, cmdModuleBlock)
	buf = binary.LittleEndian.AppendUint16(buf, seq)
	buf = binary.LittleEndian.AppendUint16(buf, crc)
	buf = append(buf, data...)
	return buf
}

// BuildModuleEnd closes a module transfer with the whole-module CRC16.
func BuildModuleEnd(crc uint16) []byte {
	buf := make([]byte, 0, 3)
	buf = append(buf, cmdModuleEnd)
	return binary.LittleEndian.AppendUint16(buf, crc)
}

// ParseStatusResponse validates a [resp, status] reply to cmd.
func ParseStatusResponse(resp []byte, cmd byte) (BlockStatus, error) {
	if len(resp) != 2 {
		return BlockError, errors.Errorf("expected 2-byte status response, got %d bytes", len(resp))
	}
	if resp[0] != cmd|respBit {
		return BlockError, errors.Errorf("response opcode 0x%02x doesn't match command 0x%02x", resp[0], cmd)
	}
	st := BlockStatus(resp[1])
	if st > BlockError {
		return BlockError, errors.Errorf("unknown status 0x%02x", resp[1])
	}
	return st, nil
}

// Transfer command opcodes, exported for the update engine.
const (
	CmdModuleBegin = cmdModuleBegin
	CmdModuleBlock = cmdModuleBlock
	CmdModuleEnd   = cmdModuleEnd
)

func parseStringResponse(resp []byte, cmd byte) (string, error) {
	if len(resp) < 1 {
		return "", errors.New("empty response")
	}
	if resp[0] != cmd|respBit {
		return "", errors.Errorf("response opcode 0x%02x doesn't match command 0x%02x", resp[0], cmd)
	}
	return string(resp[1:]), nil
}
