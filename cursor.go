package modbus

import "encoding/binary"

// WriteCursor is a bounded, big-endian write window over a pre-allocated
// byte slice. Writes past the end of the window fail with
// ErrInsufficientSpace instead of growing the slice, so callers can budget
// a fixed-size scratch buffer (the MBAP ADU cap is 260 bytes) up front.
type WriteCursor struct {
	buf []byte
	pos int
}

// NewWriteCursor wraps buf for writing. The entire capacity of buf is the
// write window; pos starts at 0.
func NewWriteCursor(buf []byte) *WriteCursor {
	return &WriteCursor{buf: buf}
}

// Position returns the number of bytes written so far.
func (w *WriteCursor) Position() int {
	return w.pos
}

// Bytes returns the slice written so far.
func (w *WriteCursor) Bytes() []byte {
	return w.buf[:w.pos]
}

// Remaining returns how many more bytes can be written.
func (w *WriteCursor) Remaining() int {
	return len(w.buf) - w.pos
}

func (w *WriteCursor) WriteU8(v uint8) error {
	if w.Remaining() < 1 {
		return newInternalError(ErrInsufficientSpace)
	}
	w.buf[w.pos] = v
	w.pos++
	return nil
}

func (w *WriteCursor) WriteU16BE(v uint16) error {
	if w.Remaining() < 2 {
		return newInternalError(ErrInsufficientSpace)
	}
	binary.BigEndian.PutUint16(w.buf[w.pos:], v)
	w.pos += 2
	return nil
}

// WriteBytes copies b verbatim into the window.
func (w *WriteCursor) WriteBytes(b []byte) error {
	if w.Remaining() < len(b) {
		return newInternalError(ErrInsufficientSpace)
	}
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
	return nil
}

// ReserveU16 reserves a 2-byte slot (typically for a byte-count or MBAP
// length field that can only be known after the rest of the frame is
// written) and returns its offset for later patching via PatchU16Since.
func (w *WriteCursor) ReserveU16() (offset int, err error) {
	offset = w.pos
	if err = w.WriteU16BE(0); err != nil {
		return 0, err
	}
	return offset, nil
}

// PatchU16Since back-patches the 2-byte slot at offset with the number of
// bytes written since offset+2 (i.e. the count field itself is excluded).
func (w *WriteCursor) PatchU16Since(offset int) {
	count := uint16(w.pos - offset - 2)
	binary.BigEndian.PutUint16(w.buf[offset:], count)
}

// PatchU16At overwrites the 2-byte slot at offset with an explicit value,
// for fields whose value is not "bytes since the slot" (an MBAP length
// field, for instance, counts unit id + PDU).
func (w *WriteCursor) PatchU16At(offset int, v uint16) {
	binary.BigEndian.PutUint16(w.buf[offset:], v)
}

// ReadCursor is a bounded, big-endian read window over a byte slice. Reads
// past the end of the window fail with ErrInsufficientBytes.
type ReadCursor struct {
	buf []byte
	pos int
}

// NewReadCursor wraps buf for reading from position 0.
func NewReadCursor(buf []byte) *ReadCursor {
	return &ReadCursor{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *ReadCursor) Remaining() int {
	return len(r.buf) - r.pos
}

// IsEmpty reports whether every byte in the window has been read.
func (r *ReadCursor) IsEmpty() bool {
	return r.Remaining() == 0
}

// ExpectEmpty returns a TrailingBytesError if the cursor isn't fully
// consumed. Every standard PDU parser must call this once parsing
// completes; a well-formed PDU leaves nothing behind.
func (r *ReadCursor) ExpectEmpty() error {
	if !r.IsEmpty() {
		return newInternalError(&TrailingBytesError{Remaining: r.Remaining()})
	}
	return nil
}

func (r *ReadCursor) ReadU8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, newInternalError(ErrInsufficientBytes)
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *ReadCursor) ReadU16BE() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, newInternalError(ErrInsufficientBytes)
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadBytes returns the next n bytes without copying (the slice aliases
// the cursor's backing array).
func (r *ReadCursor) ReadBytes(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, newInternalError(ErrInsufficientBytes)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadRemaining returns every unread byte.
func (r *ReadCursor) ReadRemaining() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

// ReadU16sBE reads count big-endian uint16 values.
func (r *ReadCursor) ReadU16sBE(count int) ([]uint16, error) {
	out := make([]uint16, count)
	for i := range out {
		v, err := r.ReadU16BE()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
