package manager

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

// CallResponse is the outcome of one contract call. GasUsed is the total
// gas the contract has used so far.
type CallResponse struct {
	Result  []interface{}
	GasUsed uint64
}

// Contract is one live instance together with its execution context. Calls
// and accessors are serialized.
type Contract struct {
	lock   sync.Mutex
	engine string
	ctx    *runner.Context
	inst   interfaces.ModuleInstance
}

func (c *Contract) ID() uint64 {
	return c.ctx.ID
}

func (c *Contract) Address() []byte {
	return c.ctx.Address
}

func (c *Contract) Engine() string {
	return c.engine
}

func (c *Contract) instance() (interfaces.ModuleInstance, error) {
	if c.inst == nil {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "contract %d is destroyed", c.ctx.ID)
	}

	return c.inst, nil
}

// Call invokes an exported function. The abort slot is cleared first.
func (c *Contract) Call(ctx context.Context, function string, params ...int32) (CallResponse, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return CallResponse{}, err
	}

	c.ctx.Begin(ctx)

	result, err := inst.Call(function, params...)

	return CallResponse{Result: result, GasUsed: inst.UsedGas()}, err
}

func (c *Contract) AbortData() (runner.AbortData, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.ctx.AbortData()
}

func (c *Contract) UsedGas() (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return 0, err
	}

	return inst.UsedGas(), nil
}

func (c *Contract) SetUsedGas(used uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return err
	}

	inst.SetUsedGas(used)

	return nil
}

func (c *Contract) RemainingGas() (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return 0, err
	}

	return inst.Gas().Remaining(), nil
}

func (c *Contract) SetRemainingGas(remaining uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return err
	}

	inst.Gas().SetRemaining(remaining)

	return nil
}

func (c *Contract) UseGas(amount uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return err
	}

	inst.Gas().UseGas(amount)

	return nil
}

func (c *Contract) ReadMemory(offset, length uint64) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return nil, err
	}

	return inst.ReadMemory(offset, length)
}

func (c *Contract) WriteMemory(offset uint64, data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return err
	}

	return inst.WriteMemory(offset, data)
}

func (c *Contract) ReadArrayBuffer(ptr uint32) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return nil, err
	}

	return inst.ReadArrayBuffer(ptr)
}

func (c *Contract) WriteBuffer(data []byte, id int32, align uint32) (uint32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return 0, err
	}

	return inst.WriteBuffer(data, id, align)
}

// WriteStorage stages data in the contract's storage memory and returns the
// key guest code reads it back with.
func (c *Contract) WriteStorage(data []byte) (uint32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return 0, err
	}

	return inst.WriteStorage(data)
}

func (c *Contract) Serialize() ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	inst, err := c.instance()
	if err != nil {
		return nil, err
	}

	return inst.Serialize()
}

func (c *Contract) close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.ctx.Close()
	c.inst = nil
}
