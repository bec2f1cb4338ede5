package jdwp

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sent := &Packet{
		ID:         7,
		CommandSet: CmdSetVM,
		Command:    CmdVMVersion,
		Data:       []byte{1, 2, 3},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- WritePacket(client, sent)
	}()

	got, err := ReadPacket(server)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if werr := <-errCh; werr != nil {
		t.Fatalf("WritePacket: %v", werr)
	}

	if got.ID != 7 || got.CommandSet != CmdSetVM || got.Command != CmdVMVersion {
		t.Errorf("Packet = %v, want id=7 set=1 cmd=1", got)
	}
	if got.IsReply() {
		t.Error("Command packet should not read back as a reply")
	}
	if !bytes.Equal(got.Data, []byte{1, 2, 3}) {
		t.Errorf("Data = % x, want 01 02 03", got.Data)
	}
}

func TestReplyFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sent := &Packet{
		ID:        9,
		Flags:     FlagReply,
		ErrorCode: ErrorNotImplemented,
	}
	go WritePacket(client, sent)

	got, err := ReadPacket(server)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !got.IsReply() {
		t.Fatal("Reply flag should survive the wire")
	}
	if got.ErrorCode != ErrorNotImplemented {
		t.Errorf("ErrorCode = %d, want %d", got.ErrorCode, ErrorNotImplemented)
	}
	if got.CommandSet != 0 || got.Command != 0 {
		t.Error("A reply carries an error code where commands put set/cmd")
	}
	if len(got.Data) != 0 {
		t.Errorf("Data = % x, want empty", got.Data)
	}
}

func TestReadPacketRejectsShortLength(t *testing.T) {
	var header [11]byte
	binary.BigEndian.PutUint32(header[0:], 5)

	_, err := ReadPacket(bytes.NewReader(header[:]))
	if err == nil {
		t.Error("Length below the header size should be rejected")
	}
}

func TestReadPacketRejectsOversize(t *testing.T) {
	var header [11]byte
	binary.BigEndian.PutUint32(header[0:], 64<<20)

	_, err := ReadPacket(bytes.NewReader(header[:]))
	if err == nil {
		t.Error("Length beyond the packet limit should be rejected")
	}
}

func TestHandshakePair(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- handshakeDial(client)
	}()

	if err := handshakeAccept(server); err != nil {
		t.Fatalf("handshakeAccept: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handshakeDial: %v", err)
	}
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte("HTTP-Handshake"))

	if err := handshakeAccept(server); err == nil {
		t.Error("Garbage bytes should fail the handshake")
	}
}
