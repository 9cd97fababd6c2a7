package wazero

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

// linearMemory adapts a wazero memory to memory.Memory.
type linearMemory struct {
	mem api.Memory
}

func (m *linearMemory) Size() uint64 {
	return uint64(m.mem.Size())
}

func (m *linearMemory) Read(offset, length uint64) ([]byte, error) {
	if err := memory.CheckRange(m.Size(), offset, length); err != nil {
		return nil, err
	}

	view, ok := m.mem.Read(uint32(offset), uint32(length))
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrMemoryAccess, "unable to read %d bytes at %d", length, offset)
	}

	out := make([]byte, length)
	copy(out, view)

	return out, nil
}

func (m *linearMemory) Write(offset uint64, data []byte) error {
	if err := memory.CheckRange(m.Size(), offset, uint64(len(data))); err != nil {
		return err
	}

	if !m.mem.Write(uint32(offset), data) {
		return errors.Wrapf(errdefs.ErrMemoryAccess, "unable to write %d bytes at %d", len(data), offset)
	}

	return nil
}

func (m *linearMemory) Grow(deltaPages uint64) error {
	if deltaPages > math.MaxUint32 {
		return errors.Wrapf(errdefs.ErrCapacity, "unable to grow by %d pages", deltaPages)
	}

	if _, ok := m.mem.Grow(uint32(deltaPages)); !ok {
		return errors.Wrapf(errdefs.ErrCapacity, "unable to grow by %d pages", deltaPages)
	}

	return nil
}
