package wasmtime

import (
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

// linearMemory adapts a wasmtime memory to memory.Memory.
type linearMemory struct {
	store wasmtime.Storelike
	mem   *wasmtime.Memory
}

func (m *linearMemory) Size() uint64 {
	return uint64(m.mem.DataSize(m.store))
}

func (m *linearMemory) Read(offset, length uint64) ([]byte, error) {
	data := m.mem.UnsafeData(m.store)
	if err := memory.CheckRange(uint64(len(data)), offset, length); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, data[offset:offset+length])

	return out, nil
}

func (m *linearMemory) Write(offset uint64, data []byte) error {
	view := m.mem.UnsafeData(m.store)
	if err := memory.CheckRange(uint64(len(view)), offset, uint64(len(data))); err != nil {
		return err
	}

	copy(view[offset:], data)

	return nil
}

func (m *linearMemory) Grow(deltaPages uint64) error {
	if _, err := m.mem.Grow(m.store, deltaPages); err != nil {
		return errors.Wrapf(errdefs.ErrCapacity, "unable to grow by %d pages: %v", deltaPages, err)
	}

	return nil
}
