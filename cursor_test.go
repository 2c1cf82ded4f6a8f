package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCursorWritesBigEndian(t *testing.T) {
	buf := make([]byte, 8)
	w := NewWriteCursor(buf)

	require.NoError(t, w.WriteU8(0x01))
	require.NoError(t, w.WriteU16BE(0xcafe))
	require.NoError(t, w.WriteBytes([]byte{0xaa, 0xbb}))

	assert.Equal(t, []byte{0x01, 0xca, 0xfe, 0xaa, 0xbb}, w.Bytes())
	assert.Equal(t, 5, w.Position())
	assert.Equal(t, 3, w.Remaining())
}

func TestWriteCursorRejectsOverflow(t *testing.T) {
	w := NewWriteCursor(make([]byte, 1))

	require.NoError(t, w.WriteU8(0x01))
	assert.ErrorIs(t, w.WriteU8(0x02), ErrInsufficientSpace)
	assert.ErrorIs(t, w.WriteU16BE(0x0102), ErrInsufficientSpace)
	assert.ErrorIs(t, w.WriteBytes([]byte{0x01}), ErrInsufficientSpace)
}

func TestWriteCursorReserveAndPatch(t *testing.T) {
	w := NewWriteCursor(make([]byte, 16))

	require.NoError(t, w.WriteU8(0x10))
	offset, err := w.ReserveU16()
	require.NoError(t, err)
	require.NoError(t, w.WriteBytes([]byte{0x01, 0x02, 0x03}))
	w.PatchU16Since(offset)

	assert.Equal(t, []byte{0x10, 0x00, 0x03, 0x01, 0x02, 0x03}, w.Bytes())

	w.PatchU16At(offset, 0xbeef)
	assert.Equal(t, []byte{0x10, 0xbe, 0xef, 0x01, 0x02, 0x03}, w.Bytes())
}

func TestReadCursorReadsBigEndian(t *testing.T) {
	r := NewReadCursor([]byte{0x01, 0xca, 0xfe, 0xaa, 0xbb, 0x00, 0x2a})

	v8, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), v8)

	v16, err := r.ReadU16BE()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xcafe), v16)

	b, err := r.ReadBytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, b)

	vs, err := r.ReadU16sBE(1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x002a}, vs)

	assert.True(t, r.IsEmpty())
	assert.NoError(t, r.ExpectEmpty())
}

func TestReadCursorRejectsUnderflow(t *testing.T) {
	r := NewReadCursor([]byte{0x01})

	_, err := r.ReadU16BE()
	assert.ErrorIs(t, err, ErrInsufficientBytes)

	_, err = r.ReadBytes(2)
	assert.ErrorIs(t, err, ErrInsufficientBytes)

	_, err = r.ReadU8()
	require.NoError(t, err)
	_, err = r.ReadU8()
	assert.ErrorIs(t, err, ErrInsufficientBytes)
}

func TestReadCursorExpectEmptyReportsTrailingCount(t *testing.T) {
	r := NewReadCursor([]byte{0x01, 0x02, 0x03})
	_, err := r.ReadU8()
	require.NoError(t, err)

	err = r.ExpectEmpty()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrailingBytes)

	var trailing *TrailingBytesError
	require.ErrorAs(t, err, &trailing)
	assert.Equal(t, 2, trailing.Remaining)
}
