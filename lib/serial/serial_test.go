// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package serial

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/sigurn/crc16"

	"github.com/clarivue/faceid-tools/lib/status"
)

// scriptPort is an in-memory Port. Everything the transport writes lands
// in wr; reads drain rd. onWrite runs after each write so a test can play
// the device's side of the exchange.
type scriptPort struct {
	wr      bytes.Buffer
	rd      bytes.Buffer
	onWrite func(p *scriptPort)
	writes  int
	closed  int
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.wr.Write(b)
	p.writes++
	if p.onWrite != nil {
		p.onWrite(p)
	}
	return len(b), nil
}

func (p *scriptPort) Read(b []byte) (int, error) {
	if p.rd.Len() == 0 {
		// Deadline expiry, go.bug.st style.
		return 0, nil
	}
	return p.rd.Read(b)
}

func (p *scriptPort) Close() error {
	p.closed++
	return nil
}

func (p *scriptPort) SetReadTimeout(time.Duration) error {
	return nil
}

func (p *scriptPort) queueFrame(t *Transport, payload []byte) {
	p.rd.Write(t.frame(payload))
}

func TestFrameLayout(t *testing.T) {
	tr := NewTransport(&scriptPort{})

	payload := []byte{0x01, 0x02, 0x03}
	f := tr.frame(payload)

	if f[0] != syncA || f[1] != syncB {
		t.Errorf("bad sync marker % x", f[:2])
	}
	if got := binary.LittleEndian.Uint16(f[2:]); got != 3 {
		t.Errorf("length field = %d, want 3", got)
	}
	if !bytes.Equal(f[4:7], payload) {
		t.Errorf("payload = % x", f[4:7])
	}

	crct := crc16.MakeTable(crc16.CRC16_XMODEM)
	want := crc16.Checksum(f[2:7], crct)
	if got := binary.LittleEndian.Uint16(f[7:]); got != want {
		t.Errorf("crc = 0x%04x, want 0x%04x", got, want)
	}
}

func TestSendPacketAcked(t *testing.T) {
	port := &scriptPort{}
	tr := NewTransport(port)
	port.onWrite = func(p *scriptPort) {
		p.queueFrame(tr, []byte{ackByte})
	}

	if err := tr.SendPacket([]byte{0x42}); err != nil {
		t.Fatal(err)
	}
	if port.writes != 1 {
		t.Errorf("expected 1 write, got %d", port.writes)
	}
}

func TestSendPacketNakRetries(t *testing.T) {
	port := &scriptPort{}
	tr := NewTransport(port)
	port.onWrite = func(p *scriptPort) {
		if p.writes < 2 {
			p.queueFrame(tr, []byte{nakByte})
		} else {
			p.queueFrame(tr, []byte{ackByte})
		}
	}

	if err := tr.SendPacket([]byte{0x42}); err != nil {
		t.Fatal(err)
	}
	if port.writes != 2 {
		t.Errorf("expected 2 writes, got %d", port.writes)
	}
}

func TestSendPacketRetryBudgetExhausted(t *testing.T) {
	port := &scriptPort{}
	tr := NewTransport(port)
	port.onWrite = func(p *scriptPort) {
		p.queueFrame(tr, []byte{nakByte})
	}

	err := tr.SendPacket([]byte{0x42})
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Of(err) != status.TransferError {
		t.Errorf("status = %s, want TransferError", status.Of(err))
	}
	if port.writes != sendAttempts {
		t.Errorf("expected %d writes, got %d", sendAttempts, port.writes)
	}
}

func TestSendPacketSilentDevice(t *testing.T) {
	port := &scriptPort{}
	tr := NewTransport(port)

	err := tr.SendPacket([]byte{0x42})
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Of(err) != status.TransferError {
		t.Errorf("status = %s, want TransferError", status.Of(err))
	}
	if port.writes != sendAttempts {
		t.Errorf("expected %d writes, got %d", sendAttempts, port.writes)
	}
}

func TestReceivePacket(t *testing.T) {
	port := &scriptPort{}
	tr := NewTransport(port)
	port.queueFrame(tr, []byte{0x81, 0x07})

	got, err := tr.ReceivePacket(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x81, 0x07}) {
		t.Errorf("payload = % x", got)
	}

	// The received frame must have been ACKed.
	if !bytes.Equal(port.wr.Bytes(), tr.frame([]byte{ackByte})) {
		t.Errorf("expected an ACK frame on the wire, got % x", port.wr.Bytes())
	}
}

func TestReceivePacketCorruptThenGood(t *testing.T) {
	port := &scriptPort{}
	tr := NewTransport(port)

	bad := tr.frame([]byte{0x81, 0x07})
	bad[5] ^= 0xff // damage the payload, keep the length intact
	port.rd.Write(bad)
	port.queueFrame(tr, []byte{0x81, 0x07})

	got, err := tr.ReceivePacket(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x81, 0x07}) {
		t.Errorf("payload = % x", got)
	}

	want := append(tr.frame([]byte{nakByte}), tr.frame([]byte{ackByte})...)
	if !bytes.Equal(port.wr.Bytes(), want) {
		t.Errorf("expected NAK then ACK on the wire, got % x", port.wr.Bytes())
	}
}

func TestReceivePacketTimeout(t *testing.T) {
	tr := NewTransport(&scriptPort{})

	_, err := tr.ReceivePacket(10 * time.Millisecond)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTimeout(err) {
		t.Errorf("expected a timeout error, got %v", err)
	}
}

func TestHalfDuplexGuard(t *testing.T) {
	tr := NewTransport(&scriptPort{})

	if err := tr.enter(); err != nil {
		t.Fatal(err)
	}
	if err := tr.SendPacket([]byte{0x01}); err != errBusy {
		t.Errorf("expected errBusy, got %v", err)
	}
	if _, err := tr.ReceivePacket(time.Second); err != errBusy {
		t.Errorf("expected errBusy, got %v", err)
	}
	tr.leave()
}

func TestCloseIdempotent(t *testing.T) {
	port := &scriptPort{}
	tr := NewTransport(port)

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if port.closed != 1 {
		t.Errorf("port closed %d times", port.closed)
	}

	if err := tr.SendPacket([]byte{0x01}); err != errClosed {
		t.Errorf("expected errClosed, got %v", err)
	}
}

func TestOpenMissingPort(t *testing.T) {
	_, err := Open(Config{Port: "/dev/does-not-exist-faceid"})
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Of(err) != status.PortOpenError {
		t.Errorf("status = %s, want PortOpenError", status.Of(err))
	}
}

func TestPayloadSizeLimits(t *testing.T) {
	tr := NewTransport(&scriptPort{})

	if err := tr.SendPacket(nil); err == nil {
		t.Error("empty payload accepted")
	}
	if err := tr.SendPacket(make([]byte, MaxPayload+1)); err == nil {
		t.Error("oversized payload accepted")
	}
}
