// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Clarivue Systems
package device

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/sigurn/crc16"

	"github.com/clarivue/faceid-tools/lib/serial"
)

var crct = crc16.MakeTable(crc16.CRC16_XMODEM)

func encodeFrame(payload []byte) []byte {
	buf := []byte{0xA5, 0x5A}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	crc := crc16.Checksum(buf[2:], crct)
	return binary.LittleEndian.AppendUint16(buf, crc)
}

// simPort plays a minimal device: it ACKs every valid frame the host
// writes and answers the query commands.
type simPort struct {
	in  bytes.Buffer
	out bytes.Buffer

	fwVersion    string
	serialNumber string
	mute         bool

	rebooted bool
	closed   bool
}

func (p *simPort) Write(b []byte) (int, error) {
	p.in.Write(b)
	p.process()
	return len(b), nil
}

func (p *simPort) Read(b []byte) (int, error) {
	if p.out.Len() == 0 {
		return 0, nil
	}
	return p.out.Read(b)
}

func (p *simPort) Close() error {
	p.closed = true
	return nil
}

func (p *simPort) SetReadTimeout(time.Duration) error { return nil }

func (p *simPort) process() {
	for {
		data := p.in.Bytes()
		if len(data) < 6 {
			return
		}
		plen := int(binary.LittleEndian.Uint16(data[2:]))
		total := 4 + plen + 2
		if len(data) < total {
			return
		}
		frame := make([]byte, total)
		p.in.Read(frame)
		p.handle(frame[4 : 4+plen])
	}
}

func (p *simPort) handle(payload []byte) {
	if p.mute {
		return
	}
	if len(payload) == 1 && (payload[0] == 0x06 || payload[0] == 0x15) {
		// Host-side ACK/NAK of our response, nothing to do.
		return
	}

	// Transport-level acknowledgement first, then the reply.
	p.out.Write(encodeFrame([]byte{0x06}))

	switch payload[0] {
	case cmdPing:
		p.out.Write(encodeFrame([]byte{cmdPing | respBit, payload[1]}))
	case cmdQueryFwVer:
		p.out.Write(encodeFrame(append([]byte{cmdQueryFwVer | respBit}, p.fwVersion...)))
	case cmdQuerySerial:
		p.out.Write(encodeFrame(append([]byte{cmdQuerySerial | respBit}, p.serialNumber...)))
	case cmdReboot:
		p.rebooted = true
	}
}

func newTestController(p *simPort) *Controller {
	return NewController(serial.NewTransport(p))
}

func TestPing(t *testing.T) {
	c := newTestController(&simPort{})

	alive, err := c.Ping()
	if err != nil {
		t.Fatal(err)
	}
	if !alive {
		t.Error("expected device to be alive")
	}
}

func TestPingSilentDevice(t *testing.T) {
	c := newTestController(&simPort{mute: true})

	alive, err := c.Ping()
	if err != nil {
		t.Fatal(err)
	}
	if alive {
		t.Error("mute device reported alive")
	}
}

func TestQueryFirmwareVersion(t *testing.T) {
	c := newTestController(&simPort{fwVersion: "OPFW:2.4.0|RECOG:7.1.0"})

	got, err := c.QueryFirmwareVersion()
	if err != nil {
		t.Fatal(err)
	}
	if got != "OPFW:2.4.0|RECOG:7.1.0" {
		t.Errorf("version = %q", got)
	}
}

func TestQuerySerialNumber(t *testing.T) {
	c := newTestController(&simPort{serialNumber: "A2230411"})

	got, err := c.QuerySerialNumber()
	if err != nil {
		t.Fatal(err)
	}
	if got != "A2230411" {
		t.Errorf("serial = %q", got)
	}
}

func TestRebootDisconnects(t *testing.T) {
	port := &simPort{}
	c := newTestController(port)

	if err := c.Reboot(); err != nil {
		t.Fatal(err)
	}
	if !port.rebooted {
		t.Error("reboot command never reached the device")
	}
	if !port.closed {
		t.Error("transport left open after reboot")
	}
}

func TestMetadata(t *testing.T) {
	c := newTestController(&simPort{
		fwVersion:    "OPFW:2.4.0.1855|RECOG:7.1.0",
		serialNumber: "A2230411",
	})

	md := c.Metadata()
	if md.SerialNumber != "A2230411" {
		t.Errorf("serial = %q", md.SerialNumber)
	}
	if md.FirmwareVersion != "2.4.0.1855" {
		t.Errorf("firmware = %q", md.FirmwareVersion)
	}
	if md.RecognitionVersion != "7.1.0" {
		t.Errorf("recognition = %q", md.RecognitionVersion)
	}
}

func TestMetadataSilentDevice(t *testing.T) {
	c := newTestController(&simPort{mute: true})

	md := c.Metadata()
	if md.SerialNumber != "Unknown" || md.FirmwareVersion != "Unknown" ||
		md.RecognitionVersion != "Unknown" {
		t.Errorf("metadata = %+v, want all Unknown", md)
	}
}

func TestExtractVersionToken(t *testing.T) {
	full := "OPFW:2.4.0.1855|RECOG:7.1.0|BOOT:1.0.2"

	tests := []struct {
		name, want string
	}{
		{"OPFW", "2.4.0.1855"},
		{"RECOG", "7.1.0"},
		{"BOOT", "1.0.2"},
		{"NETW", "Unknown"},
	}

	for _, tc := range tests {
		if got := ExtractVersionToken(full, tc.name); got != tc.want {
			t.Errorf("ExtractVersionToken(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}

	if got := ExtractVersionToken("", "OPFW"); got != "Unknown" {
		t.Errorf("empty composite: got %q", got)
	}
	if got := ExtractVersionToken("OPFW:9.9.9", "OPFW"); got != "9.9.9" {
		t.Errorf("single token: got %q", got)
	}
}

func TestBuildModuleBegin(t *testing.T) {
	cmd := BuildModuleBegin(0x01, "2.4.0", 1024, 2, true)

	if cmd[0] != cmdModuleBegin || cmd[1] != 0x01 || cmd[2] != 1 {
		t.Errorf("prefix = % x", cmd[:3])
	}
	if cmd[3] != 5 || string(cmd[4:9]) != "2.4.0" {
		t.Errorf("version field = % x", cmd[3:9])
	}
	if binary.LittleEndian.Uint32(cmd[9:]) != 1024 {
		t.Errorf("size = %d", binary.LittleEndian.Uint32(cmd[9:]))
	}
	if binary.LittleEndian.Uint16(cmd[13:]) != 2 {
		t.Errorf("blocks = %d", binary.LittleEndian.Uint16(cmd[13:]))
	}
}

func TestParseStatusResponse(t *testing.T) {
	st, err := ParseStatusResponse([]byte{cmdModuleBlock | respBit, byte(BlockSkipped)}, cmdModuleBlock)
	if err != nil {
		t.Fatal(err)
	}
	if st != BlockSkipped {
		t.Errorf("status = %s", st)
	}

	if _, err := ParseStatusResponse([]byte{cmdModuleEnd | respBit, 0}, cmdModuleBlock); err == nil {
		t.Error("mismatched opcode accepted")
	}
	if _, err := ParseStatusResponse([]byte{cmdModuleBlock | respBit}, cmdModuleBlock); err == nil {
		t.Error("short response accepted")
	}
	if _, err := ParseStatusResponse([]byte{cmdModuleBlock | respBit, 0x7f}, cmdModuleBlock); err == nil {
		t.Error("unknown status accepted")
	}
}
