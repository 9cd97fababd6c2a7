package wazero

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/contractvm/wasm-engine/wasm/engines"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

type wazeroInstance struct {
	engines.BaseInstance

	engine   *wazeroEngine
	compiled wazero.CompiledModule
	bytecode []byte
	host     interfaces.HostBindings
	module   api.Module
}

type frameKey struct{}

// callContext carries the instance into host functions. Guest code stops
// once the context of the bound host is done.
func (i *wazeroInstance) callContext() context.Context {
	ctx := context.Background()

	if bound, ok := i.host.(interface{ Context() context.Context }); ok && bound.Context() != nil {
		ctx = bound.Context()
	}

	return context.WithValue(ctx, frameKey{}, i)
}

func instanceFrom(ctx context.Context) *wazeroInstance {
	inst, _ := ctx.Value(frameKey{}).(*wazeroInstance)

	return inst
}

func (i *wazeroInstance) Call(function string, params ...int32) ([]interface{}, error) {
	if i.module == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "instance is closed")
	}

	fn := i.module.ExportedFunction(function)
	if fn == nil {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "exported function %s", function)
	}

	args := make([]uint64, len(params))
	for n, param := range params {
		args[n] = api.EncodeI32(param)
	}

	i.ResetHostError()

	raw, err := fn.Call(i.callContext(), args...)
	if err != nil {
		return nil, errors.WithMessagef(i.TrapFrom(err), "unable to call function: %s", function)
	}

	resultTypes := fn.Definition().ResultTypes()
	values := make([]interface{}, len(raw))

	for n, v := range raw {
		switch resultTypes[n] {
		case api.ValueTypeI32:
			values[n] = api.DecodeI32(v)
		case api.ValueTypeI64:
			values[n] = int64(v)
		case api.ValueTypeF32:
			values[n] = api.DecodeF32(v)
		case api.ValueTypeF64:
			values[n] = api.DecodeF64(v)
		default:
			values[n] = v
		}
	}

	return values, nil
}

// PrepareForCache swaps the running module for a fresh instance of the
// same compiled module. Primary memory, globals and gas return to their
// initial state, storage memory is kept.
func (i *wazeroInstance) PrepareForCache() error {
	if i.module == nil {
		return errors.Wrap(errdefs.ErrConfiguration, "instance is closed")
	}

	i.engine.lock.RLock()
	defer i.engine.lock.RUnlock()

	return i.engine.instantiate(i, i.Limit, i.Storage)
}

// Clone instantiates the same compiled module bound to host. The clone
// starts from fresh primary memory and a full gas budget and receives a
// copy of the storage memory.
func (i *wazeroInstance) Clone(host interfaces.HostBindings) (interfaces.ModuleInstance, error) {
	if i.module == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "instance is closed")
	}

	if host == nil {
		host = engines.UnboundHost{}
	}

	clone := &wazeroInstance{
		engine:   i.engine,
		compiled: i.compiled,
		bytecode: i.bytecode,
		host:     host,
	}

	i.engine.lock.RLock()
	defer i.engine.lock.RUnlock()

	if err := i.engine.instantiate(clone, i.Limit, i.Storage); err != nil {
		return nil, err
	}

	return clone, nil
}

// Serialize returns the bytecode in a snapshot envelope. wazero keeps
// compiled code in its runtime, so restoring skips compilation only while
// the module stays cached.
func (i *wazeroInstance) Serialize() ([]byte, error) {
	return engines.EncodeSnapshot(engineExtensionName, i.bytecode)
}

func (i *wazeroInstance) Close() {
	if i.module == nil {
		return
	}

	_ = i.module.Close(context.Background())
	i.module = nil
}
