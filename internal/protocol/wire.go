// Package protocol implements the binary, frame-oriented wire protocol:
// message framing, primitive codecs, type descriptors, the row codec,
// SCRAM authentication, session state encoding, and the error taxonomy.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// Every message on the wire is [u8 tag][u32 big-endian length including
// itself][payload...]. DefaultMaxFrameSize bounds non-data frames;
// DefaultMaxDataFrameSize bounds the frames a FrameReader's isDataTag
// callback marks as data (per spec.md §4.1).
const (
	DefaultMaxFrameSize     = 16 << 20 // 16 MiB
	DefaultMaxDataFrameSize = 64 << 20 // 64 MiB

	frameHeaderSize = 1 + 4
)

// Message is one decoded frame: a tag byte and its payload, not including
// the tag/length header.
type Message struct {
	Tag     byte
	Payload []byte
}

// readScratchSize is not referenced by Decoder, which reads by slicing
// its input buffer directly and keeps no scratch buffer.
const readScratchSize = 4096

// Decoder reads wire-format primitives from a byte slice with a sticky
// error: once a read fails, every subsequent read is a no-op returning
// the zero value, so callers can chain decode calls and check Err once
// at the end. Mirrors the teacher's internal/protocol/encoding.Decoder,
// adapted from little-endian to the big-endian wire format used here.
type Decoder struct {
	b   []byte
	pos int
	err error
}

// NewDecoder wraps a byte slice (typically one fully-buffered frame
// payload) for sequential decoding.
func NewDecoder(b []byte) *Decoder { return &Decoder{b: b} }

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.b) - d.pos }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	if d.pos+n > len(d.b) {
		d.fail(fmt.Errorf("%w: need %d bytes, have %d", ErrUnexpectedEOF, n, len(d.b)-d.pos))
		return make([]byte, n)
	}
	p := d.b[d.pos : d.pos+n]
	d.pos += n
	return p
}

// Skip advances n bytes without interpreting them.
func (d *Decoder) Skip(n int) { d.take(n) }

// Byte reads a single byte.
func (d *Decoder) Byte() byte { return d.take(1)[0] }

// Bool reads a one-byte boolean.
func (d *Decoder) Bool() bool { return d.Byte() != 0 }

// Uint8 reads an unsigned 8-bit integer.
func (d *Decoder) Uint8() uint8 { return d.take(1)[0] }

// Int8 reads a signed 8-bit integer.
func (d *Decoder) Int8() int8 { return int8(d.take(1)[0]) }

// Uint16 reads a big-endian unsigned 16-bit integer.
func (d *Decoder) Uint16() uint16 { return binary.BigEndian.Uint16(d.take(2)) }

// Int16 reads a big-endian signed 16-bit integer.
func (d *Decoder) Int16() int16 { return int16(d.Uint16()) }

// Uint32 reads a big-endian unsigned 32-bit integer.
func (d *Decoder) Uint32() uint32 { return binary.BigEndian.Uint32(d.take(4)) }

// Int32 reads a big-endian signed 32-bit integer.
func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }

// Uint64 reads a big-endian unsigned 64-bit integer.
func (d *Decoder) Uint64() uint64 { return binary.BigEndian.Uint64(d.take(8)) }

// Int64 reads a big-endian signed 64-bit integer.
func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

// Float32 reads a big-endian IEEE-754 single precision float.
func (d *Decoder) Float32() float32 {
	return math.Float32frombits(d.Uint32())
}

// Float64 reads a big-endian IEEE-754 double precision float.
func (d *Decoder) Float64() float64 {
	return math.Float64frombits(d.Uint64())
}

// Bytes reads n raw bytes. The returned slice aliases the decoder's
// underlying buffer and must be copied if retained past the frame's
// lifetime.
func (d *Decoder) Bytes(n int) []byte { return d.take(n) }

// LenBytes reads a u32-length-prefixed byte string.
func (d *Decoder) LenBytes() []byte {
	n := d.Uint32()
	return d.take(int(n))
}

// String reads a u32-length-prefixed UTF-8 string.
func (d *Decoder) String() string { return string(d.LenBytes()) }

// UUID reads 16 raw bytes as a UUID (no dashes on the wire).
func (d *Decoder) UUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], d.take(16))
	return u
}

// Headers reads a u16-count, then repeated (u16 key, u32 len, bytes value)
// header map.
func (d *Decoder) Headers() map[uint16][]byte {
	n := d.Uint16()
	if n == 0 {
		return nil
	}
	m := make(map[uint16][]byte, n)
	for i := uint16(0); i < n; i++ {
		k := d.Uint16()
		v := d.LenBytes()
		cp := make([]byte, len(v))
		copy(cp, v)
		m[k] = cp
	}
	return m
}

// Encoder serializes wire-format primitives into a reusable buffer. Frame
// writers call Begin, write the payload, then End, which patches the
// length prefix in place -- mirroring the teacher's single write_all per
// message (spec.md §4.1).
type Encoder struct {
	buf       []byte
	lenOffset int
}

// NewEncoder returns an Encoder with its buffer reset for reuse.
func NewEncoder(scratch []byte) *Encoder { return &Encoder{buf: scratch[:0]} }

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Reset clears the buffer for reuse, keeping its capacity.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Begin starts a frame: writes the tag byte and reserves space for the
// u32 length (patched by End).
func (e *Encoder) Begin(tag byte) {
	e.buf = append(e.buf, tag, 0, 0, 0, 0)
	e.lenOffset = len(e.buf) - 4
}

// End patches the length prefix (including the u32 length field itself,
// but not the leading tag byte) now that the payload is fully written.
func (e *Encoder) End() {
	binary.BigEndian.PutUint32(e.buf[e.lenOffset:], uint32(len(e.buf)-e.lenOffset))
}

// Uint8 appends an unsigned 8-bit integer.
func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

// Int8 appends a signed 8-bit integer.
func (e *Encoder) Int8(v int8) { e.buf = append(e.buf, byte(v)) }

// Bool appends a one-byte boolean.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

// Uint16 appends a big-endian unsigned 16-bit integer.
func (e *Encoder) Uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

// Int16 appends a big-endian signed 16-bit integer.
func (e *Encoder) Int16(v int16) { e.Uint16(uint16(v)) }

// Uint32 appends a big-endian unsigned 32-bit integer.
func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// Int32 appends a big-endian signed 32-bit integer.
func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

// Uint64 appends a big-endian unsigned 64-bit integer.
func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// Int64 appends a big-endian signed 64-bit integer.
func (e *Encoder) Int64(v int64) { e.Uint64(uint64(v)) }

// Float32 appends a big-endian IEEE-754 single precision float.
func (e *Encoder) Float32(v float32) { e.Uint32(math.Float32bits(v)) }

// Float64 appends a big-endian IEEE-754 double precision float.
func (e *Encoder) Float64(v float64) { e.Uint64(math.Float64bits(v)) }

// Bytes appends raw bytes with no length prefix.
func (e *Encoder) Bytes(p []byte) { e.buf = append(e.buf, p...) }

// LenBytes appends a u32-length-prefixed byte string.
func (e *Encoder) LenBytes(p []byte) {
	e.Uint32(uint32(len(p)))
	e.Bytes(p)
}

// String appends a u32-length-prefixed UTF-8 string.
func (e *Encoder) String(s string) { e.LenBytes([]byte(s)) }

// UUID appends 16 raw bytes.
func (e *Encoder) UUID(u uuid.UUID) { e.Bytes(u[:]) }

// Headers appends a u16-count, then repeated (u16 key, u32 len, bytes
// value) header map, in ascending key order for determinism.
func (e *Encoder) Headers(m map[uint16][]byte) {
	e.Uint16(uint16(len(m)))
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortUint16s(keys)
	for _, k := range keys {
		e.Uint16(k)
		e.LenBytes(m[k])
	}
}

func sortUint16s(s []uint16) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// FrameReader reads length-prefixed messages off a buffered stream,
// rejecting frames over maxSize unless ReadMessage's isDataTag callback
// accepts the frame's tag, in which case maxDataSize applies (spec.md
// §4.1's "configurable; default 64 MiB" carve-out).
type FrameReader struct {
	br          *bufio.Reader
	maxSize     int
	maxDataSize int
}

// NewFrameReader wraps r with the default frame size caps.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		br:          bufio.NewReaderSize(r, 32*1024),
		maxSize:     DefaultMaxFrameSize,
		maxDataSize: DefaultMaxDataFrameSize,
	}
}

// SetMaxFrameSize overrides the non-data frame size cap.
func (r *FrameReader) SetMaxFrameSize(n int) { r.maxSize = n }

// SetMaxDataFrameSize overrides the data frame size cap.
func (r *FrameReader) SetMaxDataFrameSize(n int) { r.maxDataSize = n }

// ReadMessage reads one full frame, buffering partial reads internally.
// isDataTag tells ReadMessage which of the two size caps applies.
func (r *FrameReader) ReadMessage(isDataTag func(tag byte) bool) (Message, error) {
	hdr, err := r.readN(frameHeaderSize)
	if err != nil {
		return Message{}, err
	}
	tag := hdr[0]
	length := binary.BigEndian.Uint32(hdr[1:])
	if length < 4 {
		return Message{}, fmt.Errorf("%w: frame length %d smaller than header", ErrProtocolFraming, length)
	}
	payloadLen := int(length) - 4
	max := r.maxSize
	if isDataTag != nil && isDataTag(tag) {
		max = r.maxDataSize
	}
	if payloadLen > max {
		return Message{}, fmt.Errorf("%w: frame of %d bytes exceeds cap %d", ErrMessageTooLarge, payloadLen, max)
	}
	payload, err := r.readN(payloadLen)
	if err != nil {
		return Message{}, err
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Message{Tag: tag, Payload: buf}, nil
}

func (r *FrameReader) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedEOF, err)
		}
		return nil, err
	}
	return buf, nil
}

// WriteMessage writes tag+length+payload as a single write.
func WriteMessage(w io.Writer, tag byte, payload []byte) error {
	hdr := make([]byte, frameHeaderSize)
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)+4))
	buf := make([]byte, 0, len(hdr)+len(payload))
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
