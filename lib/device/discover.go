// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package device

import (
	"strings"

	bugst "go.bug.st/serial"
)

// Discover lists serial ports that look like candidate devices. It only
// filters by port name; callers confirm candidates by querying metadata.
func Discover() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, p := range ports {
		if isCandidatePort(p) {
			candidates = append(candidates, p)
		}
	}

	return candidates, nil
}

func isCandidatePort(name string) bool {
	// USB CDC names per platform; plain UARTs (ttyS*) are never the
	// device, which always enumerates over USB.
	for _, pat := range []string{"ttyACM", "ttyUSB", "usbmodem", "COM"} {
		if strings.Contains(name, pat) {
			return true
		}
	}
	return false
}
