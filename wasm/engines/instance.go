package engines

import (
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/buffer"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/gas"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

// BaseInstance implements the engine independent half of
// interfaces.ModuleInstance: memory access, storage staging and gas. Engine
// instances embed it and refresh its fields whenever they re-instantiate.
type BaseInstance struct {
	Memory  memory.Region
	Storage memory.Region
	Meter   gas.Meter
	Limit   uint64

	// hostErr is the failure of the last host function that trapped.
	hostErr error
}

func (b *BaseInstance) ReadArrayBuffer(ptr uint32) ([]byte, error) {
	return buffer.ReadBuffer(b.Memory, ptr)
}

func (b *BaseInstance) ReadMemory(offset, length uint64) ([]byte, error) {
	return b.Memory.Read(offset, length)
}

func (b *BaseInstance) ReadByte(offset uint64) (byte, error) {
	data, err := b.Memory.Read(offset, 1)
	if err != nil {
		return 0, err
	}

	return data[0], nil
}

func (b *BaseInstance) WriteMemory(offset uint64, data []byte) error {
	return b.Memory.Write(offset, data)
}

func (b *BaseInstance) WriteBuffer(data []byte, id int32, align uint32) (uint32, error) {
	return buffer.WriteBuffer(b.Memory, data, id, align)
}

func (b *BaseInstance) IsOutOfMemory() bool {
	return b.Memory.IsOutOfMemory()
}

func (b *BaseInstance) GrowFor(additional uint64, memoryName string) (uint64, error) {
	switch memoryName {
	case interfaces.PrimaryMemory:
		return b.Memory.GrowFor(additional)
	case interfaces.StorageMemory:
		return b.Storage.GrowFor(additional)
	default:
		return 0, errors.Wrapf(errdefs.ErrNotFound, "memory %q", memoryName)
	}
}

// RequestStorage returns the size of the value staged at key in storage memory.
func (b *BaseInstance) RequestStorage(key uint32) (uint32, error) {
	return buffer.ReadLength(b.Storage, key)
}

// LoadFromStorage copies the value staged at key into primary memory at dest.
func (b *BaseInstance) LoadFromStorage(key, dest uint32) error {
	data, err := buffer.ReadBuffer(b.Storage, key)
	if err != nil {
		return errors.Wrapf(err, "unable to read storage key %d", key)
	}

	return b.Memory.Write(uint64(dest), data)
}

// WriteStorage stages data in storage memory and returns its key.
func (b *BaseInstance) WriteStorage(data []byte) (uint32, error) {
	return buffer.WriteBuffer(b.Storage, data, buffer.ArrayBufferID, 0)
}

func (b *BaseInstance) Gas() gas.Meter {
	return b.Meter
}

func (b *BaseInstance) MaxGas() uint64 {
	return b.Limit
}

func (b *BaseInstance) UsedGas() uint64 {
	return gas.Used(b.Meter, b.Limit)
}

func (b *BaseInstance) SetUsedGas(used uint64) {
	gas.SetUsed(b.Meter, b.Limit, used)
}

// RecordHostError remembers why a host function is about to trap.
func (b *BaseInstance) RecordHostError(err error) {
	b.hostErr = err
}

// ResetHostError forgets any failure recorded by a previous call.
func (b *BaseInstance) ResetHostError() {
	b.hostErr = nil
}

// TrapFrom converts an engine call failure into a *errdefs.TrapError,
// preferring the host side cause recorded while the call ran.
func (b *BaseInstance) TrapFrom(err error) error {
	hostErr := b.hostErr
	b.hostErr = nil

	if trap, ok := errdefs.AsTrap(err); ok {
		return trap
	}

	if hostErr != nil {
		if trap, ok := errdefs.AsTrap(hostErr); ok {
			return trap
		}

		return &errdefs.TrapError{Err: hostErr, Message: hostErr.Error()}
	}

	return &errdefs.TrapError{
		Err:      err,
		Message:  err.Error(),
		OutOfGas: b.Meter != nil && gas.Exhausted(b.Meter),
	}
}

// UnboundHost rejects every host call. Instances that are only cached or
// serialized are bound to it.
type UnboundHost struct{}

var errUnbound = errors.Wrap(errdefs.ErrConfiguration, "instance is not bound to an execution context")

func (UnboundHost) Call(_, _ uint32) (uint32, error) { return 0, errUnbound }
func (UnboundHost) RequestLoad(_ uint32) (uint32, error) { return 0, errUnbound }
func (UnboundHost) Load(_, _ uint32) error { return errUnbound }
func (UnboundHost) StorageLoad(_ uint32) (uint32, error) { return 0, errUnbound }
func (UnboundHost) StorageStore(_ uint32) (uint32, error) { return 0, errUnbound }
func (UnboundHost) DeployFromAddress(_ uint32) (uint32, error) { return 0, errUnbound }
func (UnboundHost) ConsoleLog(_ uint32) error { return errUnbound }
func (UnboundHost) EncodeAddress(_ uint32) (uint32, error) { return 0, errUnbound }
func (UnboundHost) Abort(_, _, _, _ uint32) error { return errUnbound }
