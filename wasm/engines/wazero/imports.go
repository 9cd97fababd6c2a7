package wazero

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

var i32 = api.ValueTypeI32

// hostModule builds the shared import module. Each function resolves the
// calling instance from the call context, so one module serves every instance.
func hostModule(runtime wazero.Runtime) wazero.HostModuleBuilder {
	builder := runtime.NewHostModuleBuilder(interfaces.HostModule)

	export := func(name string, params, results []api.ValueType, fn func(*wazeroInstance, []uint64) error) {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
				inst := instanceFrom(ctx)
				if inst == nil {
					panic(errors.Wrapf(errdefs.ErrConfiguration, "host function %s called outside an instance", name))
				}

				if err := fn(inst, stack); err != nil {
					inst.RecordHostError(err)
					panic(err)
				}
			}), params, results).
			Export(name)
	}

	pointer := func(stack []uint64, ptr uint32, err error) error {
		if err != nil {
			return err
		}

		stack[0] = api.EncodeU32(ptr)

		return nil
	}

	export("call", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(inst *wazeroInstance, stack []uint64) error {
		ptr, err := inst.host.Call(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))

		return pointer(stack, ptr, err)
	})
	export("request_load", []api.ValueType{i32}, []api.ValueType{i32}, func(inst *wazeroInstance, stack []uint64) error {
		size, err := inst.host.RequestLoad(api.DecodeU32(stack[0]))

		return pointer(stack, size, err)
	})
	export("load", []api.ValueType{i32, i32}, nil, func(inst *wazeroInstance, stack []uint64) error {
		return inst.host.Load(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	})
	export("storage_load", []api.ValueType{i32}, []api.ValueType{i32}, func(inst *wazeroInstance, stack []uint64) error {
		ptr, err := inst.host.StorageLoad(api.DecodeU32(stack[0]))

		return pointer(stack, ptr, err)
	})
	export("storage_store", []api.ValueType{i32}, []api.ValueType{i32}, func(inst *wazeroInstance, stack []uint64) error {
		ptr, err := inst.host.StorageStore(api.DecodeU32(stack[0]))

		return pointer(stack, ptr, err)
	})
	export("deploy_from_address", []api.ValueType{i32}, []api.ValueType{i32}, func(inst *wazeroInstance, stack []uint64) error {
		ptr, err := inst.host.DeployFromAddress(api.DecodeU32(stack[0]))

		return pointer(stack, ptr, err)
	})
	export("console_log", []api.ValueType{i32}, nil, func(inst *wazeroInstance, stack []uint64) error {
		return inst.host.ConsoleLog(api.DecodeU32(stack[0]))
	})
	export("encode_address", []api.ValueType{i32}, []api.ValueType{i32}, func(inst *wazeroInstance, stack []uint64) error {
		ptr, err := inst.host.EncodeAddress(api.DecodeU32(stack[0]))

		return pointer(stack, ptr, err)
	})
	export("abort", []api.ValueType{i32, i32, i32, i32}, nil, func(inst *wazeroInstance, stack []uint64) error {
		return inst.host.Abort(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	})

	return builder
}
