package buffer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

func newRegion(pages, maxPages uint64) memory.Region {
	return memory.Region{Memory: memory.NewSlice(pages), Name: "memory", Max: maxPages * memory.PageSize}
}

func TestReadLength(t *testing.T) {
	tCases := []struct {
		name           string
		ptr            uint32
		expectedLength uint32
		expectedErr    error
	}{
		{
			name:        "null pointer",
			ptr:         0,
			expectedErr: errdefs.ErrMemoryAccess,
		},
		{
			name:        "pointer without room for a prefix",
			ptr:         3,
			expectedErr: errdefs.ErrMemoryAccess,
		},
		{
			name:           "smallest valid pointer",
			ptr:            4,
			expectedLength: 0x04030201,
		},
		{
			name:        "pointer past the end",
			ptr:         uint32(memory.PageSize) + 4,
			expectedErr: errdefs.ErrMemoryAccess,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			mem := memory.NewSlice(1)
			assert.NoError(t, mem.Write(0, []byte{1, 2, 3, 4}))

			length, err := ReadLength(mem, tCase.ptr)

			if tCase.expectedErr == nil {
				assert.NoError(t, err)
				assert.Equal(t, tCase.expectedLength, length)
			} else {
				assert.ErrorIs(t, err, tCase.expectedErr)
			}
		})
	}
}

func TestReadBufferOutOfBounds(t *testing.T) {
	mem := memory.NewSlice(1)

	lengthPrefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthPrefix, uint32(memory.PageSize))
	assert.NoError(t, mem.Write(100, lengthPrefix))

	_, err := ReadBuffer(mem, 104)

	assert.ErrorIs(t, err, errdefs.ErrMemoryAccess)
}

func TestWriteBuffer(t *testing.T) {
	tCases := []struct {
		name        string
		data        []byte
		id          int32
		align       uint32
		maxPages    uint64
		expectedErr error
	}{
		{
			name:     "empty buffer",
			data:     []byte{},
			id:       ArrayBufferID,
			maxPages: 2,
		},
		{
			name:     "small buffer",
			data:     []byte("hello"),
			id:       13,
			maxPages: 2,
		},
		{
			name:     "aligned buffer",
			data:     []byte{1, 2, 3},
			id:       ArrayBufferID,
			align:    4,
			maxPages: 2,
		},
		{
			name:     "buffer spanning new pages",
			data:     make([]byte, 2*memory.PageSize),
			id:       ArrayBufferID,
			maxPages: 4,
		},
		{
			name:        "buffer beyond the cap",
			data:        make([]byte, 2*memory.PageSize),
			id:          ArrayBufferID,
			maxPages:    2,
			expectedErr: errdefs.ErrCapacity,
		},
		{
			name:        "unsupported alignment",
			data:        []byte{1},
			align:       17,
			maxPages:    2,
			expectedErr: errdefs.ErrMemoryAccess,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			region := newRegion(1, tCase.maxPages)
			sizeBefore := region.Size()

			ptr, err := WriteBuffer(region, tCase.data, tCase.id, tCase.align)

			if tCase.expectedErr != nil {
				assert.ErrorIs(t, err, tCase.expectedErr)
				assert.Equal(t, sizeBefore, region.Size())

				return
			}

			assert.NoError(t, err)
			assert.GreaterOrEqual(t, uint64(ptr), sizeBefore+HeaderSize)
			assert.Zero(t, uint64(ptr)%(uint64(1)<<tCase.align))

			data, err := ReadBuffer(region, ptr)
			assert.NoError(t, err)
			assert.Equal(t, tCase.data, data)

			header, err := region.Read(uint64(ptr)-HeaderSize, HeaderSize)
			assert.NoError(t, err)
			assert.Equal(t, uint32(tCase.id), binary.LittleEndian.Uint32(header[12:]))
			assert.Equal(t, uint32(len(tCase.data)), binary.LittleEndian.Uint32(header[16:]))
		})
	}
}

func TestWriteBufferKeepsEarlierBuffers(t *testing.T) {
	region := newRegion(1, 4)

	first, err := WriteBuffer(region, []byte("first"), ArrayBufferID, 0)
	assert.NoError(t, err)

	second, err := WriteBuffer(region, []byte("second"), ArrayBufferID, 0)
	assert.NoError(t, err)
	assert.Greater(t, second, first)

	data, err := ReadBuffer(region, first)
	assert.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}
