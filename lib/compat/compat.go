// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems

// Package compat decides whether a firmware version can talk to this host
// API and whether enrolled faceprints survive a recognition-model change.
// Everything here is pure: same inputs, same answers, no side effects.
package compat

import (
	"fmt"
	"regexp"
	"strconv"
)

// Host API version and the oldest device firmware it can talk to. A
// firmware is host-compatible iff it shares the host's major version and
// is not older than the minimum.
var (
	hostVersion    = FWVersion{Major: 2, Minor: 4, Patch: 0}
	minimumVersion = FWVersion{Major: 2, Minor: 1, Patch: 0}
)

// HostVersion returns the host API version string.
func HostVersion() string {
	return hostVersion.String()
}

// FWVersion is a parsed firmware version.
type FWVersion struct {
	Major, Minor, Patch int
}

// Accepts an optional trailing build component ("2.4.0.1855") which does
// not participate in compatibility decisions.
var fwvRE = regexp.MustCompile(`^([0-9]+)\.([0-9]+)\.([0-9]+)(?:\.[0-9]+)?$`)

// ParseFWVersion parses a MAJOR.MINOR.PATCH[.BUILD] string.
func ParseFWVersion(str string) (FWVersion, error) {
	matches := fwvRE.FindStringSubmatch(str)
	if len(matches) != 4 {
		return FWVersion{}, fmt.Errorf("can't parse version '%s'", str)
	}

	var parts [3]int
	for i, m := range matches[1:] {
		v, err := strconv.Atoi(m)
		if err != nil {
			return FWVersion{}, fmt.Errorf("can't parse version '%s'", str)
		}
		parts[i] = v
	}

	return FWVersion{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

func (v FWVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less orders versions by major, minor, patch.
func (v FWVersion) Less(other FWVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// IsFwCompatibleWithHost reports whether a device running the given
// firmware version can correctly communicate with this host API.
// Unparseable versions are incompatible.
func IsFwCompatibleWithHost(version string) bool {
	v, err := ParseFWVersion(version)
	if err != nil {
		return false
	}
	return v.Major == hostVersion.Major && !v.Less(minimumVersion)
}

// IsDatabaseCompatible reports whether faceprints enrolled under the
// current recognition-model version remain valid under the new one. The
// check is exact string equality; any difference, formatting included,
// invalidates the database.
func IsDatabaseCompatible(current, next string) bool {
	return current == next
}
