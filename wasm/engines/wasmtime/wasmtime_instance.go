package wasmtime

import (
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/engines"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

type wasmtimeInstance struct {
	engines.BaseInstance

	engine   *wasmtimeEngine
	module   *wasmtime.Module
	host     interfaces.HostBindings
	store    *wasmtime.Store
	instance *wasmtime.Instance
}

func (i *wasmtimeInstance) Call(function string, params ...int32) ([]interface{}, error) {
	if i.instance == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "instance is closed")
	}

	moduleFunc := i.instance.GetFunc(i.store, function)
	if moduleFunc == nil {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "exported function %s", function)
	}

	args := make([]interface{}, len(params))
	for n, param := range params {
		args[n] = param
	}

	i.ResetHostError()

	funcResult, err := moduleFunc.Call(i.store, args...)
	if err != nil {
		return nil, errors.WithMessagef(i.TrapFrom(err), "unable to call function: %s", function)
	}

	switch result := funcResult.(type) {
	case nil:
		return nil, nil
	case []wasmtime.Val:
		values := make([]interface{}, len(result))
		for n := range result {
			values[n] = result[n].Get()
		}

		return values, nil
	default:
		return []interface{}{result}, nil
	}
}

// PrepareForCache replaces the store with a fresh one. Primary memory,
// globals and fuel return to their initial state, storage memory is kept.
func (i *wasmtimeInstance) PrepareForCache() error {
	if i.instance == nil {
		return errors.Wrap(errdefs.ErrConfiguration, "instance is closed")
	}

	i.engine.lock.RLock()
	defer i.engine.lock.RUnlock()

	return i.engine.instantiate(i, i.Limit, i.Storage)
}

// Clone instantiates the same module in a new store bound to host. The
// clone starts from fresh primary memory and a full gas budget and receives
// a copy of the storage memory.
func (i *wasmtimeInstance) Clone(host interfaces.HostBindings) (interfaces.ModuleInstance, error) {
	if i.instance == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "instance is closed")
	}

	if host == nil {
		host = engines.UnboundHost{}
	}

	clone := &wasmtimeInstance{
		engine: i.engine,
		module: i.module,
		host:   host,
	}

	i.engine.lock.RLock()
	defer i.engine.lock.RUnlock()

	if err := i.engine.instantiate(clone, i.Limit, i.Storage); err != nil {
		return nil, err
	}

	return clone, nil
}

func (i *wasmtimeInstance) Serialize() ([]byte, error) {
	payload, err := i.module.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize WASM module")
	}

	return engines.EncodeSnapshot(engineExtensionName, payload)
}

// Close drops the store. wasmtime releases it once unreachable.
func (i *wasmtimeInstance) Close() {
	i.instance = nil
	i.store = nil
}
