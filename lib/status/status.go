// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package status

import "fmt"

// Status is the outcome of a firmware-update operation. Every public entry
// point in this repo reports one of these; errors carry the matching Status
// so callers can switch on the reason without string matching.
type Status int

const (
	Ok Status = iota
	PortOpenError
	DeviceUnresponsive
	InvalidFirmwareFile
	EncryptionUnsupported
	VersionIncompatible
	TransferError
	DeviceNotRespondingAfterReboot
	UserAborted
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case PortOpenError:
		return "PortOpenError"
	case DeviceUnresponsive:
		return "DeviceUnresponsive"
	case InvalidFirmwareFile:
		return "InvalidFirmwareFile"
	case EncryptionUnsupported:
		return "EncryptionUnsupported"
	case VersionIncompatible:
		return "VersionIncompatible"
	case TransferError:
		return "TransferError"
	case DeviceNotRespondingAfterReboot:
		return "DeviceNotRespondingAfterReboot"
	case UserAborted:
		return "UserAborted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error ties a Status to an underlying cause.
type Error struct {
	Status Status
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf builds an *Error with a formatted cause.
func Errorf(s Status, format string, args ...interface{}) *Error {
	return &Error{Status: s, Cause: fmt.Errorf(format, args...)}
}

// Wrap attaches a Status to err. A nil err yields nil; an err already
// carrying the same Status is returned unchanged.
func Wrap(s Status, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*Error); ok && se.Status == s {
		return se
	}
	return &Error{Status: s, Cause: err}
}

// Of extracts the Status from err. Errors produced outside this repo
// report TransferError, the catch-all for a broken session.
func Of(err error) Status {
	if err == nil {
		return Ok
	}
	for e := err; e != nil; {
		if se, ok := e.(*Error); ok {
			return se.Status
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return TransferError
}
