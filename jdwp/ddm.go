package jdwp

import (
	"fmt"
	"unicode/utf16"
)

// DDM chunks ride the same framed connection as ordinary packets,
// under their own command set. A chunk is a four-character type, a
// length, and an opaque payload.

// DdmChunkType packs a four-character chunk name into its wire form.
func DdmChunkType(name string) uint32 {
	if len(name) != 4 {
		panic(fmt.Sprintf("jdwp: chunk type %q must be 4 characters", name))
	}
	return uint32(name[0])<<24 | uint32(name[1])<<16 | uint32(name[2])<<8 | uint32(name[3])
}

// Well-known chunk types.
var (
	ChunkAppName = DdmChunkType("APNM")
	ChunkHello   = DdmChunkType("HELO")
)

// SendDdmChunk sends one chunk to the attached debugger.
func (s *State) SendDdmChunk(typ uint32, data []byte) error {
	if !s.IsActive() {
		return fmt.Errorf("jdwp: no debugger attached")
	}
	w := NewPayloadWriter()
	w.WriteUint32(typ)
	w.WriteUint32(uint32(len(data)))
	w.WriteBytes(data)
	return s.sendCommand(CmdSetDDM, CmdDDMChunk, w.Bytes())
}

// SendAppName announces the process name. The name travels as a
// length-prefixed UTF-16 string, chunk type APNM.
func (s *State) SendAppName(name string) error {
	units := utf16.Encode([]rune(name))
	w := NewPayloadWriter()
	w.WriteUint32(uint32(len(units)))
	for _, u := range units {
		w.WriteUint16(u)
	}
	return s.SendDdmChunk(ChunkAppName, w.Bytes())
}
