// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package updater

import (
	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
	"github.com/usedbytes/log"

	"github.com/clarivue/faceid-tools/lib/device"
	"github.com/clarivue/faceid-tools/lib/image"
	"github.com/clarivue/faceid-tools/lib/status"
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

const flashCap = 0.99

// progressTracker turns transferred bytes into the overall fraction the
// event handler sees: (completed bytes) / (total planned bytes), clamped
// monotonic for the lifetime of one session.
type progressTracker struct {
	handler EventHandler
	total   int64
	done    int64
	last    float64
}

func (p *progressTracker) add(n int) {
	p.done += int64(n)
	if p.total == 0 {
		return
	}
	v := float64(p.done) / float64(p.total)
	// The fraction tops out just short of 1.0 while flashing; only a
	// session that reaches Done reports exactly 1.0 (via finish). The
	// last sliver is the post-reboot verification.
	if v > flashCap {
		v = flashCap
	}
	if v < p.last {
		v = p.last
	}
	p.last = v
	if p.handler != nil {
		p.handler.OnProgress(v)
	}
}

// finish pins the fraction to exactly 1.0 on full success.
func (p *progressTracker) finish() {
	if p.last != 1.0 {
		p.last = 1.0
		if p.handler != nil {
			p.handler.OnProgress(1.0)
		}
	}
}

// flashModule transfers one module as a begin/blocks/end command sequence.
// Skipped blocks (device already holds matching bytes) count as progress
// like written ones. Any device-reported error or exhausted transport
// retry abandons the module, and with it the session: there is no
// skip-and-continue.
func (s *session) flashModule(mod *image.Module, force bool) error {
	chunkSize := s.u.settings.ChunkSize
	payload := mod.Payload
	blocks := (len(payload) + chunkSize - 1) / chunkSize

	begin := device.BuildModuleBegin(byte(mod.Kind), mod.Version,
		uint32(len(payload)), uint16(blocks), force)
	if err := s.command(begin, device.CmdModuleBegin, mod); err != nil {
		return err
	}

	for seq := 0; seq < blocks; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		data := payload[start:end]

		block := device.BuildModuleBlock(uint16(seq), crc16.Checksum(data, crcTable), data)
		if err := s.command(block, device.CmdModuleBlock, mod); err != nil {
			return errors.Wrapf(err, "block %d/%d", seq+1, blocks)
		}

		s.progress.add(len(data))
	}

	return s.command(device.BuildModuleEnd(mod.CRC), device.CmdModuleEnd, mod)
}

func (s *session) command(payload []byte, cmd byte, mod *image.Module) error {
	resp, err := s.ctrl.Command(payload)
	if err != nil {
		return status.Wrap(status.TransferError,
			errors.Wrapf(err, "module %s", mod.Kind))
	}

	st, err := device.ParseStatusResponse(resp, cmd)
	if err != nil {
		return status.Wrap(status.TransferError,
			errors.Wrapf(err, "module %s", mod.Kind))
	}
	if st == device.BlockError {
		return status.Errorf(status.TransferError,
			"module %s: device rejected command 0x%02x", mod.Kind, cmd)
	}
	if st == device.BlockSkipped {
		log.Verbosef("updater: module %s: block skipped\n", mod.Kind)
	}

	return nil
}
