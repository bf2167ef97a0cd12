// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package device

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/usedbytes/log"

	"github.com/clarivue/faceid-tools/lib/serial"
	"github.com/clarivue/faceid-tools/lib/status"
)

const responseTimeout = 2 * time.Second

// Controller drives one device over an exclusive serial transport.
// Not safe for concurrent use: the link is half-duplex, so callers issue
// one request at a time.
type Controller struct {
	transport *serial.Transport
}

// Connect opens the port and returns a controller owning it.
func Connect(cfg serial.Config) (*Controller, error) {
	t, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewController(t), nil
}

// NewController wraps an existing transport. The controller takes
// ownership and closes it on Disconnect.
func NewController(t *serial.Transport) *Controller {
	return &Controller{transport: t}
}

// Command performs one request/response round trip.
func (c *Controller) Command(payload []byte) ([]byte, error) {
	if err := c.transport.SendPacket(payload); err != nil {
		return nil, err
	}
	return c.transport.ReceivePacket(responseTimeout)
}

// Ping reports device liveness with a single round trip. A quiet or
// garbled link yields (false, nil); only port-level failures are errors.
func (c *Controller) Ping() (bool, error) {
	nonce := byte(time.Now().UnixNano())
	resp, err := c.Command([]byte{cmdPing, nonce})
	if err != nil {
		if serial.IsTimeout(err) || status.Of(err) == status.TransferError {
			return false, nil
		}
		return false, err
	}

	if len(resp) != 2 || resp[0] != cmdPing|respBit || resp[1] != nonce {
		log.Verboseln("device: unexpected ping reply", resp)
		return false, nil
	}

	return true, nil
}

// QueryFirmwareVersion returns the device's composite version string of
// pipe-separated NAME:VERSION tokens, e.g. "OPFW:1.2.3|RECOG:4.5.6".
func (c *Controller) QueryFirmwareVersion() (string, error) {
	resp, err := c.Command([]byte{cmdQueryFwVer})
	if err != nil {
		return "", status.Wrap(status.DeviceUnresponsive,
			errors.Wrap(err, "querying firmware version"))
	}
	return parseStringResponse(resp, cmdQueryFwVer)
}

// QuerySerialNumber returns the device serial number.
func (c *Controller) QuerySerialNumber() (string, error) {
	resp, err := c.Command([]byte{cmdQuerySerial})
	if err != nil {
		return "", status.Wrap(status.DeviceUnresponsive,
			errors.Wrap(err, "querying serial number"))
	}
	return parseStringResponse(resp, cmdQuerySerial)
}

// Reboot asks the device to reset and disconnects immediately. No reply is
// expected: the device is gone before it could send one.
func (c *Controller) Reboot() error {
	err := c.transport.SendPacketNoAck([]byte{cmdReboot})
	c.Disconnect()
	return err
}

// Transport exposes the underlying packet channel for bulk transfers.
func (c *Controller) Transport() *serial.Transport {
	return c.transport
}

// Disconnect releases the port. Idempotent.
func (c *Controller) Disconnect() {
	c.transport.Close()
}

// ExtractVersionToken picks the value of a named NAME:VERSION token out of
// a composite version string, or "Unknown" if the name is absent.
func ExtractVersionToken(full, name string) string {
	for _, section := range strings.Split(full, "|") {
		if !strings.Contains(section, name+":") {
			continue
		}
		idx := strings.Index(section, ":")
		return section[idx+1:]
	}
	return "Unknown"
}

// Metadata is what the host needs to know about a device before updating
// it. Queried fresh each session, never cached across connections.
type Metadata struct {
	SerialNumber       string
	FirmwareVersion    string
	RecognitionVersion string
}

// Metadata collects the device metadata over the already-open connection.
// Fields that could not be read are left as "Unknown".
func (c *Controller) Metadata() Metadata {
	md := Metadata{
		SerialNumber:       "Unknown",
		FirmwareVersion:    "Unknown",
		RecognitionVersion: "Unknown",
	}

	if full, err := c.QueryFirmwareVersion(); err == nil && full != "" {
		md.FirmwareVersion = ExtractVersionToken(full, "OPFW")
		md.RecognitionVersion = ExtractVersionToken(full, "RECOG")
	}

	if sn, err := c.QuerySerialNumber(); err == nil && sn != "" {
		md.SerialNumber = sn
	}

	return md
}

// QueryMetadata opens a short session and collects the device metadata.
func QueryMetadata(cfg serial.Config) (Metadata, error) {
	c, err := Connect(cfg)
	if err != nil {
		return Metadata{
			SerialNumber:       "Unknown",
			FirmwareVersion:    "Unknown",
			RecognitionVersion: "Unknown",
		}, err
	}
	defer c.Disconnect()

	return c.Metadata(), nil
}

// IsAlive opens a short session and pings once.
func IsAlive(cfg serial.Config) bool {
	c, err := Connect(cfg)
	if err != nil {
		return false
	}
	defer c.Disconnect()

	alive, _ := c.Ping()
	return alive
}
