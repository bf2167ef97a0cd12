// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package image

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
)

// Encode serializes an image into container form. Module CRCs are
// computed fresh from the payloads; img is left untouched.
func Encode(img *Image) ([]byte, error) {
	if len(img.Modules) == 0 || len(img.Modules) > maxModules {
		return nil, errors.Errorf("module count %d out of range", len(img.Modules))
	}

	buf := append([]byte{}, magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, formatVersion)

	var err error
	if buf, err = appendVersion(buf, img.FirmwareVersion); err != nil {
		return nil, err
	}
	if buf, err = appendVersion(buf, img.RecognitionVersion); err != nil {
		return nil, err
	}
	buf = append(buf, byte(len(img.Modules)))

	// Module table is fixed-size per entry apart from the version
	// string, so lay it out first, then backfill payload offsets.
	type patch struct {
		at  int
		mod *Module
	}
	var patches []patch
	seen := make(map[ModuleKind]bool)

	for _, m := range img.Modules {
		if m.Kind.String() == "???" {
			return nil, errors.Errorf("unknown module kind 0x%02x", byte(m.Kind))
		}
		if seen[m.Kind] {
			return nil, errors.Errorf("duplicate module %s", m.Kind)
		}
		seen[m.Kind] = true
		if len(m.Payload) == 0 {
			return nil, errors.Errorf("module %s: empty payload", m.Kind)
		}

		buf = append(buf, byte(m.Kind))
		if buf, err = appendVersion(buf, m.Version); err != nil {
			return nil, errors.Wrapf(err, "module %s", m.Kind)
		}
		var flags byte
		if m.Encrypted {
			flags |= flagEncrypted
		}
		buf = append(buf, flags)
		buf = binary.LittleEndian.AppendUint32(buf, m.KeyTag)

		patches = append(patches, patch{at: len(buf), mod: m})
		buf = binary.LittleEndian.AppendUint32(buf, 0) // offset
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))

		buf = binary.LittleEndian.AppendUint16(buf, crc16.Checksum(m.Payload, crcTable))
	}

	// Offsets must be in place before the header CRC is computed:
	// parse verifies the CRC over the final header bytes. Payloads
	// start right after the table plus the 2-byte CRC field.
	offset := uint32(len(buf) + 2)
	for _, p := range patches {
		binary.LittleEndian.PutUint32(buf[p.at:], offset)
		offset += uint32(len(p.mod.Payload))
	}

	buf = binary.LittleEndian.AppendUint16(buf, crc16.Checksum(buf, crcTable))

	for _, p := range patches {
		buf = append(buf, p.mod.Payload...)
	}

	return buf, nil
}

func appendVersion(buf []byte, v string) ([]byte, error) {
	if len(v) > maxVersionLen {
		return nil, errors.Errorf("version string '%s' too long", v)
	}
	buf = append(buf, byte(len(v)))
	return append(buf, v...), nil
}

// Write encodes img to path.
func Write(path string, img *Image) error {
	data, err := Encode(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
