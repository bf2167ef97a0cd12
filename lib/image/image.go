// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems

// Package image reads and writes the firmware image container: a closed
// set of named modules (operational firmware, recognition model, ...) with
// their versions, payloads and checksums, plus an image-level version
// summary that allows compatibility checks without touching payloads.
package image

import (
	"github.com/pkg/errors"
)

// ModuleKind names a module slot. The set is closed: the device firmware
// defines which slots exist, and typos must not survive compilation.
type ModuleKind byte

const (
	KindOPFW  ModuleKind = 0x01 // operational firmware
	KindRECOG ModuleKind = 0x02 // recognition model
	KindBOOT  ModuleKind = 0x03 // second-stage bootloader
)

func (k ModuleKind) String() string {
	switch k {
	case KindOPFW:
		return "OPFW"
	case KindRECOG:
		return "RECOG"
	case KindBOOT:
		return "BOOT"
	}
	return "???"
}

// ParseModuleKind maps a module name back to its kind.
func ParseModuleKind(name string) (ModuleKind, error) {
	switch name {
	case "OPFW":
		return KindOPFW, nil
	case "RECOG":
		return KindRECOG, nil
	case "BOOT":
		return KindBOOT, nil
	}
	return 0, errors.Errorf("unknown module name '%s'", name)
}

// Module is one entry in a firmware image. Payload holds the bytes as
// stored in the container; encrypted modules stay in their wire coding,
// the device decodes them with its own key.
type Module struct {
	Kind      ModuleKind
	Version   string
	Encrypted bool
	KeyTag    uint32
	Payload   []byte
	CRC       uint16
}

// Image is a parsed firmware container.
type Image struct {
	// Version summary duplicated from the module table so callers can
	// run compatibility checks without walking modules.
	FirmwareVersion    string
	RecognitionVersion string

	Modules []*Module
}

// Info is the cheap, payload-free view of an image.
type Info struct {
	FirmwareVersion    string
	RecognitionVersion string
	ModuleNames        []string
}

// Find returns the module of the given kind, or nil.
func (img *Image) Find(kind ModuleKind) *Module {
	for _, m := range img.Modules {
		if m.Kind == kind {
			return m
		}
	}
	return nil
}

// ModuleNames lists module names in table order.
func (img *Image) ModuleNames() []string {
	names := make([]string, len(img.Modules))
	for i, m := range img.Modules {
		names[i] = m.Kind.String()
	}
	return names
}
