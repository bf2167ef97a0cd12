// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package image

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Manifest describes how to build an image from loose payload files.
//
//	firmware_version = "2.4.0.1855"
//	recognition_version = "7.1.0"
//	serial_number = "A2230411"    # encode encrypted modules for this device
//
//	[[module]]
//	kind = "OPFW"
//	version = "2.4.0.1855"
//	payload = "opfw.bin"
//	encrypted = true
type Manifest struct {
	FirmwareVersion    string           `toml:"firmware_version"`
	RecognitionVersion string           `toml:"recognition_version"`
	SerialNumber       string           `toml:"serial_number,omitempty"`
	Modules            []ManifestModule `toml:"module"`
}

type ManifestModule struct {
	Kind      string `toml:"kind"`
	Version   string `toml:"version"`
	Payload   string `toml:"payload"`
	Encrypted bool   `toml:"encrypted"`
}

// LoadManifest reads a TOML manifest and assembles the image it describes.
// Payload paths are relative to the manifest file. Encrypted modules are
// coded with the key derived from serial_number.
func LoadManifest(path string) (*Image, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}

	if len(m.Modules) == 0 {
		return nil, errors.New("manifest declares no modules")
	}

	var key []byte
	var tag uint32
	if m.SerialNumber != "" {
		key = DeriveDeviceKey(m.SerialNumber)
		tag = KeyTag(key)
	}

	dir := filepath.Dir(path)
	img := &Image{
		FirmwareVersion:    m.FirmwareVersion,
		RecognitionVersion: m.RecognitionVersion,
	}

	for _, mm := range m.Modules {
		kind, err := ParseModuleKind(mm.Kind)
		if err != nil {
			return nil, err
		}

		payload, err := os.ReadFile(filepath.Join(dir, mm.Payload))
		if err != nil {
			return nil, errors.Wrapf(err, "module %s: reading payload", mm.Kind)
		}

		mod := &Module{
			Kind:      kind,
			Version:   mm.Version,
			Encrypted: mm.Encrypted,
			Payload:   payload,
		}

		if mm.Encrypted {
			if key == nil {
				return nil, errors.Errorf("module %s is encrypted but manifest has no serial_number", mm.Kind)
			}
			mod.Payload = XORCode(payload, key)
			mod.KeyTag = tag
		}

		img.Modules = append(img.Modules, mod)

		// Image-level summary falls back to the module versions.
		switch kind {
		case KindOPFW:
			if img.FirmwareVersion == "" {
				img.FirmwareVersion = mm.Version
			}
		case KindRECOG:
			if img.RecognitionVersion == "" {
				img.RecognitionVersion = mm.Version
			}
		}
	}

	return img, nil
}
