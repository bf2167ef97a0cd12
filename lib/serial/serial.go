// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package serial

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
	"github.com/usedbytes/log"
	bugst "go.bug.st/serial"

	"github.com/clarivue/faceid-tools/lib/status"
)

// PlatformExt carries platform-specific connection state which only exists
// on some targets, e.g. a file descriptor handed over by a host app that
// owns the USB permission. The port identifier is ignored when set.
type PlatformExt struct {
	FileDescriptor int
}

// Config names the serial port to connect to. The Port string is opaque to
// this package and platform-dependent ("COM3", "/dev/ttyACM0", ...).
type Config struct {
	Port     string
	BaudRate int
	Ext      *PlatformExt
}

// Port is the raw byte channel the transport runs on. Production code wraps
// a go.bug.st/serial port; tests substitute in-memory implementations.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

const (
	syncA = 0xA5
	syncB = 0x5A

	// MaxPayload bounds a single frame. The device-side UART driver
	// buffers one frame at a time.
	MaxPayload = 2048

	ackByte = 0x06
	nakByte = 0x15

	headerLen  = 4 // sync x2 + len u16
	trailerLen = 2 // crc u16

	// sendAttempts is the total attempt budget for one packet, first
	// try included.
	sendAttempts = 3

	DefaultBaudRate   = 115200
	DefaultAckTimeout = 2 * time.Second
)

var (
	errClosed   = errors.New("transport closed")
	errBusy     = errors.New("transport busy: link is half-duplex, one request at a time")
	errTimeout  = errors.New("timed out")
	errBadFrame = errors.New("bad frame")
)

// IsTimeout reports whether err was caused by an expired read deadline
// rather than a damaged frame or a dead port.
func IsTimeout(err error) bool {
	return errors.Is(err, errTimeout)
}

// Transport turns a raw serial port into a reliable, framed, half-duplex
// packet channel. It owns the port exclusively from Open until Close.
//
// Frame layout: A5 5A | len u16 LE | payload | CRC16-XMODEM u16 LE, where
// the CRC covers the length field and the payload. Every frame is answered
// by the peer with a framed single-byte ACK (0x06) or NAK (0x15).
type Transport struct {
	port       Port
	crct       *crc16.Table
	ackTimeout time.Duration

	inFlight bool
	closed   bool
}

// Open acquires exclusive ownership of the named port.
func Open(cfg Config) (*Transport, error) {
	if cfg.Ext != nil {
		// Adopting a pre-opened descriptor needs the platform glue
		// of the embedding app; nothing to do here but refuse.
		return nil, status.Errorf(status.PortOpenError,
			"platform extension ports are not supported on this build")
	}

	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}

	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(cfg.Port, mode)
	if err != nil {
		return nil, status.Wrap(status.PortOpenError,
			errors.Wrapf(err, "opening %s", cfg.Port))
	}

	log.Verbosef("serial: opened %s @ %d\n", cfg.Port, baud)

	return NewTransport(port), nil
}

// NewTransport wraps an already-open port. The transport takes ownership
// and closes the port on Close.
func NewTransport(port Port) *Transport {
	return &Transport{
		port:       port,
		crct:       crc16.MakeTable(crc16.CRC16_XMODEM),
		ackTimeout: DefaultAckTimeout,
	}
}

// SetAckTimeout overrides the per-attempt acknowledgement deadline.
func (t *Transport) SetAckTimeout(d time.Duration) {
	if d > 0 {
		t.ackTimeout = d
	}
}

func (t *Transport) frame(payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload)+trailerLen)
	buf[0] = syncA
	buf[1] = syncB
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(payload)))
	copy(buf[headerLen:], payload)

	crc := crc16.Checksum(buf[2:headerLen+len(payload)], t.crct)
	binary.LittleEndian.PutUint16(buf[headerLen+len(payload):], crc)

	return buf
}

func (t *Transport) writeFrame(payload []byte) error {
	buf := t.frame(payload)

	log.Verbose("serial: write\n", hex.Dump(buf))

	n, err := t.port.Write(buf)
	if err != nil {
		return errors.Wrap(err, "writing frame")
	} else if n != len(buf) {
		return errors.New("short write")
	}

	return nil
}

// readFull fills buf from the port, treating a zero-length read as the
// deadline expiring (go.bug.st semantics).
func (t *Transport) readFull(buf []byte, timeout time.Duration) error {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return errors.Wrap(err, "setting read timeout")
	}

	got := 0
	for got < len(buf) {
		n, err := t.port.Read(buf[got:])
		if err != nil {
			return errors.Wrap(err, "reading frame")
		}
		if n == 0 {
			return errTimeout
		}
		got += n
	}

	return nil
}

// readFrame reads and validates one frame, returning its payload.
// A CRC mismatch is reported as errBadFrame so callers can NAK and retry.
func (t *Transport) readFrame(timeout time.Duration) ([]byte, error) {
	hdr := make([]byte, headerLen)
	if err := t.readFull(hdr, timeout); err != nil {
		return nil, err
	}

	if hdr[0] != syncA || hdr[1] != syncB {
		return nil, errors.Wrapf(errBadFrame, "bad sync marker %02x %02x", hdr[0], hdr[1])
	}

	plen := int(binary.LittleEndian.Uint16(hdr[2:]))
	if plen > MaxPayload {
		return nil, errors.Wrapf(errBadFrame, "oversized payload %d", plen)
	}

	rest := make([]byte, plen+trailerLen)
	if err := t.readFull(rest, timeout); err != nil {
		return nil, err
	}

	crc := crc16.Checksum(hdr[2:], t.crct)
	crc = crc16.Update(crc, rest[:plen], t.crct)
	want := binary.LittleEndian.Uint16(rest[plen:])
	if crc != want {
		return nil, errors.Wrapf(errBadFrame, "crc mismatch: calculated 0x%04x, received 0x%04x", crc, want)
	}

	log.Verbose("serial: read\n", hex.Dump(rest[:plen]))

	return rest[:plen], nil
}

func (t *Transport) enter() error {
	if t.closed {
		return errClosed
	}
	if t.inFlight {
		return errBusy
	}
	t.inFlight = true
	return nil
}

func (t *Transport) leave() {
	t.inFlight = false
}

// SendPacket frames and writes payload, then blocks until the device
// acknowledges it or the attempt budget runs out. NAK and timeout both
// trigger a rewrite of the same frame.
func (t *Transport) SendPacket(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return errors.Errorf("payload size %d out of range", len(payload))
	}
	if err := t.enter(); err != nil {
		return err
	}
	defer t.leave()

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if err := t.writeFrame(payload); err != nil {
			return status.Wrap(status.TransferError, err)
		}

		reply, err := t.readFrame(t.ackTimeout)
		if err != nil {
			lastErr = err
			log.Verbosef("serial: attempt %d: %v\n", attempt+1, err)
			continue
		}

		if len(reply) == 1 && reply[0] == ackByte {
			return nil
		}
		if len(reply) == 1 && reply[0] == nakByte {
			lastErr = errors.New("device rejected frame (NAK)")
			continue
		}

		lastErr = errors.Errorf("unexpected reply %d bytes", len(reply))
	}

	return status.Wrap(status.TransferError,
		errors.Wrapf(lastErr, "no acknowledgement after %d attempts", sendAttempts))
}

// SendPacketNoAck writes one frame without waiting for an acknowledgement.
// Reboot-class commands need it: the device resets before it can reply.
func (t *Transport) SendPacketNoAck(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return errors.Errorf("payload size %d out of range", len(payload))
	}
	if err := t.enter(); err != nil {
		return err
	}
	defer t.leave()

	if err := t.writeFrame(payload); err != nil {
		return status.Wrap(status.TransferError, err)
	}
	return nil
}

// ReceivePacket blocks until the device sends a frame, checks it and ACKs
// it. Frames that fail the checksum are NAKed so the device resends; the
// same attempt budget applies.
func (t *Transport) ReceivePacket(timeout time.Duration) ([]byte, error) {
	if err := t.enter(); err != nil {
		return nil, err
	}
	defer t.leave()

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		payload, err := t.readFrame(timeout)
		if err == nil {
			if werr := t.writeFrame([]byte{ackByte}); werr != nil {
				return nil, status.Wrap(status.TransferError, werr)
			}
			return payload, nil
		}

		lastErr = err
		if errors.Is(err, errBadFrame) {
			log.Verbosef("serial: attempt %d: %v, sending NAK\n", attempt+1, err)
			if werr := t.writeFrame([]byte{nakByte}); werr != nil {
				return nil, status.Wrap(status.TransferError, werr)
			}
			continue
		}

		// Timeouts aren't NAKed: there is nothing on the wire to
		// reject, and the peer retries on its own ack deadline.
		log.Verbosef("serial: attempt %d: %v\n", attempt+1, err)
	}

	if IsTimeout(lastErr) {
		return nil, errors.Wrapf(errTimeout, "no frame within %d attempts", sendAttempts)
	}
	return nil, status.Wrap(status.TransferError,
		errors.Wrapf(lastErr, "no valid frame within %d attempts", sendAttempts))
}

// Close releases the port. It is idempotent.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}
