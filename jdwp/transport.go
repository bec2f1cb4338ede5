package jdwp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Handshake is the 14-byte exchange that opens every connection. The
// attaching side sends it first; the other side echoes it back.
const Handshake = "JDWP-Handshake"

const (
	headerSize    = 11
	maxPacketSize = 16 << 20

	handshakeTimeout = 10 * time.Second
)

// FlagReply marks a packet as a reply to a command.
const FlagReply uint8 = 0x80

// Command sets and commands this bridge speaks.
const (
	CmdSetVM           uint8 = 1
	CmdSetEventRequest uint8 = 15
	CmdSetEvent        uint8 = 64
	CmdSetDDM          uint8 = 199

	CmdVMVersion         uint8 = 1
	CmdVMIDSizes         uint8 = 7
	CmdVMSuspend         uint8 = 8
	CmdVMResume          uint8 = 9
	CmdEventRequestSet   uint8 = 1
	CmdEventRequestClear uint8 = 2
	CmdEventComposite    uint8 = 100
	CmdDDMChunk          uint8 = 1
)

// Wire error codes carried in reply packets.
const (
	ErrorNone           uint16 = 0
	ErrorInvalidThread  uint16 = 10
	ErrorInvalidObject  uint16 = 20
	ErrorNotImplemented uint16 = 99
	ErrorInternal       uint16 = 113
)

// Packet is one framed message. Commands carry a command set and
// command; replies carry an error code in their place.
type Packet struct {
	ID         uint32
	Flags      uint8
	CommandSet uint8
	Command    uint8
	ErrorCode  uint16
	Data       []byte
}

// IsReply reports whether the packet is a reply.
func (p *Packet) IsReply() bool {
	return p.Flags&FlagReply != 0
}

func (p *Packet) String() string {
	if p.IsReply() {
		return fmt.Sprintf("reply{id=%d err=%d len=%d}", p.ID, p.ErrorCode, len(p.Data))
	}
	return fmt.Sprintf("cmd{id=%d set=%d cmd=%d len=%d}", p.ID, p.CommandSet, p.Command, len(p.Data))
}

// WritePacket frames and writes one packet: length u32, id u32, flags
// u8, then command set and command (or error code for replies), then
// the payload. The packet goes out in a single Write.
func WritePacket(w io.Writer, p *Packet) error {
	total := headerSize + len(p.Data)
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], uint32(total))
	binary.BigEndian.PutUint32(buf[4:], p.ID)
	buf[8] = p.Flags
	if p.IsReply() {
		binary.BigEndian.PutUint16(buf[9:], p.ErrorCode)
	} else {
		buf[9] = p.CommandSet
		buf[10] = p.Command
	}
	copy(buf[headerSize:], p.Data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("jdwp: writing packet: %w", err)
	}
	return nil
}

// ReadPacket reads one framed packet.
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	total := binary.BigEndian.Uint32(header[0:])
	if total < headerSize {
		return nil, fmt.Errorf("jdwp: packet length %d below header size", total)
	}
	if total > maxPacketSize {
		return nil, fmt.Errorf("jdwp: packet length %d exceeds limit", total)
	}

	p := &Packet{
		ID:    binary.BigEndian.Uint32(header[4:]),
		Flags: header[8],
	}
	if p.IsReply() {
		p.ErrorCode = binary.BigEndian.Uint16(header[9:])
	} else {
		p.CommandSet = header[9]
		p.Command = header[10]
	}

	if n := total - headerSize; n > 0 {
		p.Data = make([]byte, n)
		if _, err := io.ReadFull(r, p.Data); err != nil {
			return nil, fmt.Errorf("jdwp: reading packet payload: %w", err)
		}
	}
	return p, nil
}

// handshakeAccept performs the listener side of the handshake: read
// the attaching side's bytes, verify, echo.
func handshakeAccept(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	got := make([]byte, len(Handshake))
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("jdwp: reading handshake: %w", err)
	}
	if !bytes.Equal(got, []byte(Handshake)) {
		return fmt.Errorf("jdwp: bad handshake %q", got)
	}
	if _, err := conn.Write([]byte(Handshake)); err != nil {
		return fmt.Errorf("jdwp: echoing handshake: %w", err)
	}
	return nil
}

// handshakeDial performs the attaching side of the handshake: send the
// bytes, expect the echo.
func handshakeDial(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(Handshake)); err != nil {
		return fmt.Errorf("jdwp: sending handshake: %w", err)
	}
	got := make([]byte, len(Handshake))
	if _, err := io.ReadFull(conn, got); err != nil {
		return fmt.Errorf("jdwp: reading handshake echo: %w", err)
	}
	if !bytes.Equal(got, []byte(Handshake)) {
		return fmt.Errorf("jdwp: bad handshake echo %q", got)
	}
	return nil
}
