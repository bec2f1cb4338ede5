package jdwp

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Payload codec
// ---------------------------------------------------------------------------

// PayloadWriter builds a packet payload. All multi-byte fields are
// big-endian. Each Write method is the exact inverse of the
// PayloadReader method of the same name.
type PayloadWriter struct {
	buf []byte
}

// NewPayloadWriter creates an empty payload writer.
func NewPayloadWriter() *PayloadWriter {
	return &PayloadWriter{}
}

// Bytes returns the accumulated payload.
func (w *PayloadWriter) Bytes() []byte {
	return w.buf
}

// Len returns the payload length so far.
func (w *PayloadWriter) Len() int {
	return len(w.buf)
}

func (w *PayloadWriter) WriteByte(v byte) {
	w.buf = append(w.buf, v)
}

func (w *PayloadWriter) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *PayloadWriter) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *PayloadWriter) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *PayloadWriter) WriteUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *PayloadWriter) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes appends raw bytes with no length prefix.
func (w *PayloadWriter) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *PayloadWriter) WriteFieldID(id FieldID)     { w.WriteUint32(uint32(id)) }
func (w *PayloadWriter) WriteMethodID(id MethodID)   { w.WriteUint32(uint32(id)) }
func (w *PayloadWriter) WriteObjectID(id ObjectID)   { w.WriteUint64(uint64(id)) }
func (w *PayloadWriter) WriteRefTypeID(id RefTypeID) { w.WriteUint64(uint64(id)) }
func (w *PayloadWriter) WriteThreadID(id ThreadID)   { w.WriteUint64(uint64(id)) }
func (w *PayloadWriter) WriteFrameID(id FrameID)     { w.WriteUint64(uint64(id)) }

// WriteLocation writes the 21-byte location encoding: tag, class,
// method, index.
func (w *PayloadWriter) WriteLocation(l Location) {
	w.WriteByte(byte(l.Tag))
	w.WriteRefTypeID(l.Class)
	w.WriteMethodID(l.Method)
	w.WriteUint64(l.Index)
}

// PayloadReader decodes a packet payload. Errors are sticky: after the
// first short read every subsequent Read returns a zero value, and Err
// reports the failure.
type PayloadReader struct {
	buf []byte
	pos int
	err error
}

// NewPayloadReader creates a reader over a payload.
func NewPayloadReader(data []byte) *PayloadReader {
	return &PayloadReader{buf: data}
}

// Err returns the first decode error, or nil.
func (r *PayloadReader) Err() error {
	return r.err
}

// Remaining returns how many bytes are left.
func (r *PayloadReader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *PayloadReader) fail(n int) bool {
	if r.err != nil {
		return true
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("jdwp: payload truncated: need %d bytes at offset %d of %d", n, r.pos, len(r.buf))
		return true
	}
	return false
}

func (r *PayloadReader) ReadByte() byte {
	if r.fail(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *PayloadReader) ReadBool() bool {
	return r.ReadByte() != 0
}

func (r *PayloadReader) ReadUint16() uint16 {
	if r.fail(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *PayloadReader) ReadUint32() uint32 {
	if r.fail(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *PayloadReader) ReadUint64() uint64 {
	if r.fail(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *PayloadReader) ReadString() string {
	n := int(r.ReadUint32())
	if r.fail(n) {
		return ""
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *PayloadReader) ReadFieldID() FieldID     { return FieldID(r.ReadUint32()) }
func (r *PayloadReader) ReadMethodID() MethodID   { return MethodID(r.ReadUint32()) }
func (r *PayloadReader) ReadObjectID() ObjectID   { return ObjectID(r.ReadUint64()) }
func (r *PayloadReader) ReadRefTypeID() RefTypeID { return RefTypeID(r.ReadUint64()) }
func (r *PayloadReader) ReadThreadID() ThreadID   { return ThreadID(r.ReadUint64()) }
func (r *PayloadReader) ReadFrameID() FrameID     { return FrameID(r.ReadUint64()) }

// ReadLocation reads the 21-byte location encoding.
func (r *PayloadReader) ReadLocation() Location {
	return Location{
		Tag:    TypeTag(r.ReadByte()),
		Class:  r.ReadRefTypeID(),
		Method: r.ReadMethodID(),
		Index:  r.ReadUint64(),
	}
}
