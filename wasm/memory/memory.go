// Package memory provides bounds checked views over WebAssembly linear memories.
package memory

import (
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

// PageSize is the size of one WebAssembly memory page.
const PageSize uint64 = 64 * 1024

// Memory is a linear memory owned by a module instance or by the host.
// Implementations must reject any access outside [0, Size()).
type Memory interface {
	Size() uint64
	Read(offset, length uint64) ([]byte, error)
	Write(offset uint64, data []byte) error
	Grow(deltaPages uint64) error
}

// CheckRange fails with errdefs.ErrMemoryAccess unless [offset, offset+length)
// lies inside a memory of the given size.
func CheckRange(size, offset, length uint64) error {
	if offset > size || length > size-offset {
		return errors.Wrapf(errdefs.ErrMemoryAccess, "range [%d, %d+%d) outside memory of %d bytes", offset, offset, length, size)
	}

	return nil
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// Region is a named memory with a hard growth cap.
type Region struct {
	Memory
	Name string
	Max  uint64
}

// GrowFor grows the region so that additional bytes fit after its current
// end and returns the previous size, which is where the new bytes start.
func (r Region) GrowFor(additional uint64) (uint64, error) {
	if r.Memory == nil {
		return 0, errors.Wrapf(errdefs.ErrConfiguration, "memory %q is not attached", r.Name)
	}

	size := r.Size()

	total := size + additional
	if total < size || total > r.Max {
		return 0, errors.Wrapf(errdefs.ErrCapacity, "memory %q: %d + %d bytes exceeds maximum of %d", r.Name, size, additional, r.Max)
	}

	if delta := Pages(total) - Pages(size); delta > 0 {
		if err := r.Grow(delta); err != nil {
			return 0, errors.Wrapf(err, "memory %q", r.Name)
		}
	}

	return size, nil
}

// IsOutOfMemory reports whether the region has reached its cap.
func (r Region) IsOutOfMemory() bool {
	return r.Memory == nil || r.Size() >= r.Max
}

// Slice is a host owned linear memory backed by a Go byte slice.
type Slice struct {
	data []byte
}

// NewSlice returns a zeroed memory of the given number of pages.
func NewSlice(pages uint64) *Slice {
	return &Slice{data: make([]byte, pages*PageSize)}
}

func (s *Slice) Size() uint64 {
	return uint64(len(s.data))
}

func (s *Slice) Read(offset, length uint64) ([]byte, error) {
	if err := CheckRange(s.Size(), offset, length); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, s.data[offset:offset+length])

	return out, nil
}

func (s *Slice) Write(offset uint64, data []byte) error {
	if err := CheckRange(s.Size(), offset, uint64(len(data))); err != nil {
		return err
	}

	copy(s.data[offset:], data)

	return nil
}

func (s *Slice) Grow(deltaPages uint64) error {
	s.data = append(s.data, make([]byte, deltaPages*PageSize)...)

	return nil
}

// Bytes returns a copy of the whole memory.
func (s *Slice) Bytes() []byte {
	out := make([]byte, len(s.data))
	copy(out, s.data)

	return out
}

// Copy overwrites dst with the contents of src, growing dst when it is smaller.
func Copy(dst Region, src Memory) error {
	data, err := src.Read(0, src.Size())
	if err != nil {
		return err
	}

	if size := dst.Size(); size < uint64(len(data)) {
		if _, err := dst.GrowFor(uint64(len(data)) - size); err != nil {
			return err
		}
	}

	return dst.Write(0, data)
}
