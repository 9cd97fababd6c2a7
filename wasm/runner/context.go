// Package runner threads an execution context through the host functions
// guest code calls and keeps the instance cache used for contract calls.
package runner

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/buffer"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/gas"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

const (
	// CallEntryPoint is the export a called contract handles calldata with:
	// call(calldata) -> result, both buffer pointers.
	CallEntryPoint = "call"

	// ResultBufferID is the class id of buffers the host writes into guest memory.
	ResultBufferID int32 = 13

	// DefaultMaxCallDepth bounds nested contract calls.
	DefaultMaxCallDepth = 64
)

// Environment is shared by every execution context of a process.
type Environment struct {
	Functions    *external.Functions
	Cache        *InstanceCache
	Schedule     gas.Schedule
	MaxCallDepth int

	logger    hclog.Logger
	nextID    atomic.Uint64
	addresses sync.Map
}

func NewEnvironment(logger hclog.Logger, functions *external.Functions, cache *InstanceCache, schedule gas.Schedule) *Environment {
	return &Environment{
		Functions:    functions,
		Cache:        cache,
		Schedule:     schedule,
		MaxCallDepth: DefaultMaxCallDepth,
		logger:       logger.Named("runner"),
	}
}

// NewContext registers a new contract execution under a fresh id.
func (e *Environment) NewContext(ctx context.Context, address []byte, network Network) *Context {
	if ctx == nil {
		ctx = context.Background()
	}

	id := e.nextID.Add(1)
	address = append([]byte(nil), address...)

	e.addresses.Store(id, address)

	return &Context{
		ID:      id,
		Address: address,
		Network: network,
		env:     e,
		ctx:     ctx,
		logger:  e.logger.With("contract", id, "address", hex.EncodeToString(address)),
		staged:  make(map[string]uint32),
	}
}

// AddressOf returns the address of a live context.
func (e *Environment) AddressOf(id uint64) ([]byte, bool) {
	address, ok := e.addresses.Load(id)
	if !ok {
		return nil, false
	}

	return address.([]byte), true
}

// Context is the per invocation state host functions run against. It is
// used by one goroutine at a time.
type Context struct {
	ID      uint64
	Address []byte
	Network Network

	env      *Environment
	ctx      context.Context
	logger   hclog.Logger
	instance interfaces.ModuleInstance
	abort    *AbortData
	staged   map[string]uint32
	depth    int
}

// Bind attaches the instance host functions operate on.
func (c *Context) Bind(inst interfaces.ModuleInstance) {
	c.instance = inst
}

func (c *Context) Instance() (interfaces.ModuleInstance, error) {
	if c.instance == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "no instance bound to execution context")
	}

	return c.instance, nil
}

// Begin starts a new execution attempt: ctx bounds host requests, and the
// abort slot and requested storage values are cleared.
func (c *Context) Begin(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.ctx = ctx
	c.abort = nil
	c.staged = make(map[string]uint32)
}

// Context returns the context bounding the current attempt. Engines stop
// guest code once it is done.
func (c *Context) Context() context.Context {
	return c.ctx
}

// AbortData returns what the guest reported through abort during the
// current attempt.
func (c *Context) AbortData() (AbortData, bool) {
	if c.abort == nil {
		return AbortData{}, false
	}

	return *c.abort, true
}

// Close unregisters the context and closes its instance.
func (c *Context) Close() {
	c.env.addresses.Delete(c.ID)

	if c.instance != nil {
		c.instance.Close()
		c.instance = nil
	}
}

// child returns the context a nested call to address runs in.
func (c *Context) child(address []byte) *Context {
	child := c.env.NewContext(c.ctx, address, c.Network)
	child.depth = c.depth + 1

	return child
}

// Invoke runs the call entry point with calldata on at most budget gas and
// returns the gas spent with the returned buffer.
func (c *Context) Invoke(budget uint64, calldata []byte) (uint64, []byte, error) {
	inst, err := c.Instance()
	if err != nil {
		return 0, nil, err
	}

	meter := inst.Gas()
	meter.SetRemaining(budget)

	spent := func() uint64 {
		return budget - min(budget, meter.Remaining())
	}

	ptr, err := inst.WriteBuffer(calldata, buffer.ArrayBufferID, 0)
	if err != nil {
		return spent(), nil, errors.Wrap(err, "unable to pass calldata")
	}

	results, err := inst.Call(CallEntryPoint, int32(ptr))
	if err != nil {
		return spent(), nil, err
	}

	if len(results) == 0 {
		return spent(), nil, nil
	}

	resultPtr, ok := results[0].(int32)
	if !ok {
		return spent(), nil, errdefs.NewTrap("%s returned %T, expected a buffer pointer", CallEntryPoint, results[0])
	}

	payload, err := inst.ReadArrayBuffer(uint32(resultPtr))
	if err != nil {
		return spent(), nil, errors.Wrap(err, "unable to read call result")
	}

	return spent(), payload, nil
}
