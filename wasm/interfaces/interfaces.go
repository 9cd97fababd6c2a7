package interfaces

import (
	"github.com/bluele/gcache"
	"github.com/hashicorp/go-hclog"

	"github.com/contractvm/wasm-engine/wasm/gas"
)

const (
	// HostModule is the import module name guest code links host functions from.
	HostModule = "env"

	// PrimaryMemory is the guest exported linear memory.
	PrimaryMemory = "memory"
	// StorageMemory is the host created auxiliary memory.
	StorageMemory = "storage"

	// DefaultMaxMemorySize caps each memory of an instance unless configured.
	DefaultMaxMemorySize uint64 = 32 * 1024 * 1024
)

// Config is the engine wide configuration applied to every instance.
type Config struct {
	MaxMemorySize uint64
	Schedule      gas.Schedule
}

// Source selects what an instance is created from. Snapshot wins when both are set.
type Source struct {
	Bytecode []byte
	Snapshot []byte
}

type Engine interface {
	Name() string
	Init(logger hclog.Logger, moduleCache gcache.Cache, conf Config) error
	ValidateBytecode(bytecode []byte) error
	InstantiateModule(src Source, maxGas uint64, host HostBindings) (ModuleInstance, error)
	PrePopulateCache(modulesDir string) (int, error)
}

// HostBindings receives the host function imports of one instance. Every
// pointer argument is a guest memory offset.
type HostBindings interface {
	Call(address, calldata uint32) (uint32, error)
	RequestLoad(key uint32) (uint32, error)
	Load(key, dest uint32) error
	StorageLoad(key uint32) (uint32, error)
	StorageStore(data uint32) (uint32, error)
	DeployFromAddress(data uint32) (uint32, error)
	ConsoleLog(data uint32) error
	EncodeAddress(data uint32) (uint32, error)
	Abort(message, file, line, column uint32) error
}

type ModuleInstance interface {
	// Call invokes an exported function. Results hold int32, int64, float32
	// or float64 values.
	Call(function string, params ...int32) ([]interface{}, error)

	ReadArrayBuffer(ptr uint32) ([]byte, error)
	ReadMemory(offset, length uint64) ([]byte, error)
	ReadByte(offset uint64) (byte, error)
	WriteMemory(offset uint64, data []byte) error
	WriteBuffer(data []byte, id int32, align uint32) (uint32, error)
	IsOutOfMemory() bool
	GrowFor(additional uint64, memoryName string) (uint64, error)

	RequestStorage(key uint32) (uint32, error)
	LoadFromStorage(key, dest uint32) error
	WriteStorage(data []byte) (uint32, error)

	Gas() gas.Meter
	MaxGas() uint64
	UsedGas() uint64
	SetUsedGas(used uint64)

	// PrepareForCache resets primary memory and globals to their state
	// right after instantiation and refills the gas budget.
	PrepareForCache() error
	// Clone returns an independent copy bound to host.
	Clone(host HostBindings) (ModuleInstance, error)
	Serialize() ([]byte, error)
	Close()
}
