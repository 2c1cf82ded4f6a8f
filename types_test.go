package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddressRangeInvariants(t *testing.T) {
	_, err := NewAddressRange(0, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewAddressRange(0xffff, 2)
	assert.ErrorIs(t, err, ErrInvalidRange)

	r, err := NewAddressRange(0xffff, 1)
	require.NoError(t, err)
	assert.Equal(t, AddressRange{Start: 0xffff, Count: 1}, r)

	r, err = NewAddressRange(0, 0xffff)
	require.NoError(t, err)
	assert.Equal(t, AddressRange{Start: 0, Count: 0xffff}, r)
}

func TestCoilWireEncoding(t *testing.T) {
	assert.Equal(t, uint16(0xff00), coilToUint16(true))
	assert.Equal(t, uint16(0x0000), coilToUint16(false))

	v, err := coilFromUint16(0xff00)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = coilFromUint16(0x0000)
	require.NoError(t, err)
	assert.False(t, v)

	for _, raw := range []uint16{0x0001, 0x00ff, 0xff01, 0xf000, 0xffff} {
		_, err := coilFromUint16(raw)
		assert.ErrorIs(t, err, ErrInvalidCoilValue, "0x%04x should be rejected", raw)
	}
}

func TestWriteMultipleSizeBounds(t *testing.T) {
	_, err := NewWriteMultipleCoils(0, nil)
	assert.ErrorIs(t, err, ErrCountTooBigForType)

	_, err = NewWriteMultipleCoils(0, make([]bool, 2001))
	assert.ErrorIs(t, err, ErrCountTooBigForType)

	w, err := NewWriteMultipleCoils(0, make([]bool, 2000))
	require.NoError(t, err)
	assert.Len(t, w.Values, 2000)

	_, err = NewWriteMultipleRegisters(0, make([]uint16, 124))
	assert.ErrorIs(t, err, ErrCountTooBigForType)

	wr, err := NewWriteMultipleRegisters(0, make([]uint16, 123))
	require.NoError(t, err)
	assert.Len(t, wr.Values, 123)

	// a valid count that would still wrap past the address space
	_, err = NewWriteMultipleCoils(0xfff0, make([]bool, 100))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestBoolPackingRoundTrip(t *testing.T) {
	for n := 1; n <= 2000; n++ {
		in := make([]bool, n)
		for i := range in {
			in[i] = i%3 == 0 || i%7 == 0
		}

		packed := encodeBools(in)
		require.Len(t, packed, packedByteCount(uint16(n)))

		// unused high bits of the last byte must be zero
		if n%8 != 0 {
			mask := byte(0xff) << (n % 8)
			require.Zero(t, packed[len(packed)-1]&mask, "count %d", n)
		}

		out := decodeBools(uint16(n), packed)
		require.Equal(t, in, out, "count %d", n)
	}
}

func TestPackedByteCount(t *testing.T) {
	assert.Equal(t, 1, packedByteCount(1))
	assert.Equal(t, 1, packedByteCount(8))
	assert.Equal(t, 2, packedByteCount(9))
	assert.Equal(t, 250, packedByteCount(2000))
}
