package wasmtime

import (
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

// defineImports links every host function into linker, routing to the
// instance's host bindings. A failing host function records its error on
// the instance and traps.
func (i *wasmtimeInstance) defineImports(linker *wasmtime.Linker) error {
	imports := []struct {
		name string
		fn   interface{}
	}{
		{"call", func(address, calldata int32) (int32, *wasmtime.Trap) {
			return i.pointer(i.host.Call(uint32(address), uint32(calldata)))
		}},
		{"request_load", func(key int32) (int32, *wasmtime.Trap) {
			return i.pointer(i.host.RequestLoad(uint32(key)))
		}},
		{"load", func(key, dest int32) *wasmtime.Trap {
			return i.trap(i.host.Load(uint32(key), uint32(dest)))
		}},
		{"storage_load", func(key int32) (int32, *wasmtime.Trap) {
			return i.pointer(i.host.StorageLoad(uint32(key)))
		}},
		{"storage_store", func(data int32) (int32, *wasmtime.Trap) {
			return i.pointer(i.host.StorageStore(uint32(data)))
		}},
		{"deploy_from_address", func(data int32) (int32, *wasmtime.Trap) {
			return i.pointer(i.host.DeployFromAddress(uint32(data)))
		}},
		{"console_log", func(data int32) *wasmtime.Trap {
			return i.trap(i.host.ConsoleLog(uint32(data)))
		}},
		{"encode_address", func(data int32) (int32, *wasmtime.Trap) {
			return i.pointer(i.host.EncodeAddress(uint32(data)))
		}},
		{"abort", func(message, file, line, column int32) *wasmtime.Trap {
			return i.trap(i.host.Abort(uint32(message), uint32(file), uint32(line), uint32(column)))
		}},
	}

	for _, imp := range imports {
		if err := linker.FuncWrap(interfaces.HostModule, imp.name, imp.fn); err != nil {
			return errors.Wrapf(err, "unable to define host function %s.%s", interfaces.HostModule, imp.name)
		}
	}

	return nil
}

func (i *wasmtimeInstance) pointer(ptr uint32, err error) (int32, *wasmtime.Trap) {
	if err != nil {
		return 0, i.trap(err)
	}

	return int32(ptr), nil
}

func (i *wasmtimeInstance) trap(err error) *wasmtime.Trap {
	if err == nil {
		return nil
	}

	i.RecordHostError(err)

	return wasmtime.NewTrap(err.Error())
}
