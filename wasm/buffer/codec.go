// Package buffer encodes length prefixed byte buffers in guest memory.
//
// A buffer at pointer p keeps its byte length as a little-endian uint32 in
// the four bytes before p. Buffers written by the host are laid out as
// AssemblyScript managed objects so guest code can adopt them as ArrayBuffers.
package buffer

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

const (
	// LengthSize is the size of the length prefix.
	LengthSize = 4

	// HeaderSize is the managed object header written before buffer data:
	// mmInfo, gcInfo, gcInfo2, rtId and rtSize.
	HeaderSize = 20

	// ArrayBufferID is the runtime class id of an AssemblyScript ArrayBuffer.
	ArrayBufferID int32 = 1

	// maxAlign bounds the alignment exponent accepted by WriteBuffer.
	maxAlign = 16
)

// ReadLength returns the length stored in front of ptr.
func ReadLength(mem memory.Memory, ptr uint32) (uint32, error) {
	if ptr < LengthSize {
		return 0, errors.Wrapf(errdefs.ErrMemoryAccess, "pointer %d has no room for a length prefix", ptr)
	}

	raw, err := mem.Read(uint64(ptr)-LengthSize, LengthSize)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to read length of buffer at %d", ptr)
	}

	return binary.LittleEndian.Uint32(raw), nil
}

// ReadBuffer returns a copy of the buffer at ptr.
func ReadBuffer(mem memory.Memory, ptr uint32) ([]byte, error) {
	length, err := ReadLength(mem, ptr)
	if err != nil {
		return nil, err
	}

	data, err := mem.Read(uint64(ptr), uint64(length))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %d bytes of buffer at %d", length, ptr)
	}

	return data, nil
}

// WriteBuffer grows region to make room for data, writes it behind a managed
// object header carrying id and returns the data pointer. The data pointer is
// aligned to 1<<align bytes.
func WriteBuffer(region memory.Region, data []byte, id int32, align uint32) (uint32, error) {
	if align > maxAlign {
		return 0, errors.Wrapf(errdefs.ErrMemoryAccess, "alignment 1<<%d is not supported", align)
	}

	alignment := uint64(1) << align
	block := HeaderSize + uint64(len(data)) + alignment - 1

	offset, err := region.GrowFor(block)
	if err != nil {
		return 0, err
	}

	ptr := alignUp(offset+HeaderSize, alignment)
	if ptr+uint64(len(data)) > math.MaxUint32 {
		return 0, errors.Wrapf(errdefs.ErrCapacity, "buffer end %d is not addressable", ptr+uint64(len(data)))
	}

	out := make([]byte, HeaderSize+len(data))
	binary.LittleEndian.PutUint32(out[0:], uint32(block))
	binary.LittleEndian.PutUint32(out[12:], uint32(id))
	binary.LittleEndian.PutUint32(out[16:], uint32(len(data)))
	copy(out[HeaderSize:], data)

	if err := region.Write(ptr-HeaderSize, out); err != nil {
		return 0, errors.Wrapf(err, "unable to write buffer of %d bytes", len(data))
	}

	return uint32(ptr), nil
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
