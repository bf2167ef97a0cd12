// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package image

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/sigurn/crc16"

	"github.com/clarivue/faceid-tools/lib/status"
)

// Container layout, all multi-byte fields little-endian:
//
//	magic "FIMG" | format u16 | opfw version (len u8 + bytes)
//	| recog version (len u8 + bytes) | module count u8
//	| per module: kind u8, version (len u8 + bytes), flags u8,
//	  key tag u32, payload offset u32, payload size u32, payload crc u16
//	| header crc u16 | payloads
var magic = [4]byte{'F', 'I', 'M', 'G'}

const (
	formatVersion = 1

	flagEncrypted = 1 << 0

	maxVersionLen = 64
	maxModules    = 8
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

type reader struct {
	data []byte
	pos  int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, errors.Errorf("truncated at offset %d, need %d bytes", r.pos, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) versionString() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if int(n) > maxVersionLen {
		return "", errors.Errorf("version string length %d too long", n)
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parse(data []byte) (*Image, error) {
	r := &reader{data: data}

	m, err := r.bytes(len(magic))
	if err != nil {
		return nil, errors.Wrap(err, "reading magic")
	}
	if string(m) != string(magic[:]) {
		return nil, errors.Errorf("bad magic %q", m)
	}

	format, err := r.u16()
	if err != nil {
		return nil, errors.Wrap(err, "reading format version")
	}
	if format != formatVersion {
		return nil, errors.Errorf("unsupported format version %d", format)
	}

	img := &Image{}
	if img.FirmwareVersion, err = r.versionString(); err != nil {
		return nil, errors.Wrap(err, "reading firmware version")
	}
	if img.RecognitionVersion, err = r.versionString(); err != nil {
		return nil, errors.Wrap(err, "reading recognition version")
	}

	count, err := r.u8()
	if err != nil {
		return nil, errors.Wrap(err, "reading module count")
	}
	if count == 0 || count > maxModules {
		return nil, errors.Errorf("module count %d out of range", count)
	}

	type entry struct {
		mod          *Module
		offset, size uint32
	}
	entries := make([]entry, count)
	seen := make(map[ModuleKind]bool)

	for i := range entries {
		mod := &Module{}

		kind, err := r.u8()
		if err != nil {
			return nil, errors.Wrapf(err, "module %d: reading kind", i)
		}
		mod.Kind = ModuleKind(kind)
		if mod.Kind.String() == "???" {
			return nil, errors.Errorf("module %d: unknown kind 0x%02x", i, kind)
		}
		if seen[mod.Kind] {
			return nil, errors.Errorf("duplicate module %s", mod.Kind)
		}
		seen[mod.Kind] = true

		if mod.Version, err = r.versionString(); err != nil {
			return nil, errors.Wrapf(err, "module %s: reading version", mod.Kind)
		}

		flags, err := r.u8()
		if err != nil {
			return nil, errors.Wrapf(err, "module %s: reading flags", mod.Kind)
		}
		mod.Encrypted = flags&flagEncrypted != 0

		if mod.KeyTag, err = r.u32(); err != nil {
			return nil, errors.Wrapf(err, "module %s: reading key tag", mod.Kind)
		}

		e := entry{mod: mod}
		if e.offset, err = r.u32(); err != nil {
			return nil, errors.Wrapf(err, "module %s: reading offset", mod.Kind)
		}
		if e.size, err = r.u32(); err != nil {
			return nil, errors.Wrapf(err, "module %s: reading size", mod.Kind)
		}
		if e.size == 0 {
			return nil, errors.Errorf("module %s: empty payload", mod.Kind)
		}
		if mod.CRC, err = r.u16(); err != nil {
			return nil, errors.Wrapf(err, "module %s: reading crc", mod.Kind)
		}
		entries[i] = e
	}

	// Header CRC covers everything up to this point.
	calc := crc16.Checksum(data[:r.pos], crcTable)
	stored, err := r.u16()
	if err != nil {
		return nil, errors.Wrap(err, "reading header crc")
	}
	if calc != stored {
		return nil, errors.Errorf("header crc mismatch: calculated 0x%04x, stored 0x%04x", calc, stored)
	}

	for _, e := range entries {
		end := int64(e.offset) + int64(e.size)
		if int64(e.offset) < int64(r.pos) || end > int64(len(data)) {
			return nil, errors.Errorf("module %s: payload [%d:%d) out of bounds", e.mod.Kind, e.offset, end)
		}
		payload := data[e.offset:end]
		if crc := crc16.Checksum(payload, crcTable); crc != e.mod.CRC {
			return nil, errors.Errorf("module %s: payload crc mismatch: calculated 0x%04x, stored 0x%04x",
				e.mod.Kind, crc, e.mod.CRC)
		}
		e.mod.Payload = payload
		img.Modules = append(img.Modules, e.mod)
	}

	return img, nil
}

// Load reads and fully validates a firmware image, payloads included.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Wrap(status.InvalidFirmwareFile, errors.Wrap(err, "opening image"))
	}

	img, err := parse(data)
	if err != nil {
		return nil, status.Wrap(status.InvalidFirmwareFile, err)
	}

	return img, nil
}

// ExtractFwInformation returns the version summary and module names from
// an image. On any inconsistency it fails with InvalidFirmwareFile and
// returns no partial results.
func ExtractFwInformation(path string) (*Info, error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}

	return &Info{
		FirmwareVersion:    img.FirmwareVersion,
		RecognitionVersion: img.RecognitionVersion,
		ModuleNames:        img.ModuleNames(),
	}, nil
}

// IsEncryptionSupported reports whether a device with the given serial
// number can decode every encrypted module in the image. This gate runs
// before any transfer: failing mid-flash on an undecodable payload is
// strictly worse than failing fast.
func IsEncryptionSupported(path, deviceSerialNumber string) (bool, error) {
	img, err := Load(path)
	if err != nil {
		return false, err
	}

	tag := KeyTag(DeriveDeviceKey(deviceSerialNumber))
	for _, m := range img.Modules {
		if m.Encrypted && m.KeyTag != tag {
			return false, nil
		}
	}

	return true, nil
}
