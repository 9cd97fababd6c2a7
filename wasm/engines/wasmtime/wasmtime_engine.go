package wasmtime

import (
	"os"
	"sync"

	"github.com/bluele/gcache"
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/engines"
	"github.com/contractvm/wasm-engine/wasm/engines/metering"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

const engineExtensionName = "wasmtime"

func init() {
	engines.Register(New())
}

type wasmtimeEngine struct {
	lock sync.RWMutex

	logger       hclog.Logger
	modulesCache gcache.Cache
	conf         interfaces.Config
	engine       *wasmtime.Engine
}

// New returns an engine that meters guest instructions with wasmtime fuel.
// It must be initialised with Init before use.
func New() interfaces.Engine {
	return &wasmtimeEngine{}
}

func (e *wasmtimeEngine) Name() string {
	return engineExtensionName
}

func (e *wasmtimeEngine) Init(logger hclog.Logger, moduleCache gcache.Cache, conf interfaces.Config) error {
	if conf.MaxMemorySize == 0 {
		conf.MaxMemorySize = interfaces.DefaultMaxMemorySize
	}

	if conf.MaxMemorySize < memory.PageSize || conf.MaxMemorySize%memory.PageSize != 0 {
		return errors.Wrapf(errdefs.ErrConfiguration, "maximum memory size %d must be a positive multiple of %d", conf.MaxMemorySize, memory.PageSize)
	}

	engineConfig := wasmtime.NewConfig()
	engineConfig.SetConsumeFuel(true)

	e.lock.Lock()
	defer e.lock.Unlock()

	e.logger = logger.Named(engineExtensionName)
	e.modulesCache = moduleCache
	e.conf = conf
	e.engine = wasmtime.NewEngineWithConfig(engineConfig)

	return nil
}

func (e *wasmtimeEngine) ready() error {
	if e.engine == nil {
		return errors.Wrapf(errdefs.ErrConfiguration, "%s engine is not initialised", engineExtensionName)
	}

	return nil
}

func (e *wasmtimeEngine) ValidateBytecode(bytecode []byte) error {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if err := e.ready(); err != nil {
		return err
	}

	if err := wasmtime.ModuleValidate(e.engine, bytecode); err != nil {
		return errors.Wrap(err, "invalid WASM module")
	}

	return nil
}

// PrePopulateCache compiles all wasm modules in specified directory into
// the modules cache and returns the number of cached modules.
func (e *wasmtimeEngine) PrePopulateCache(modulesDir string) (int, error) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if err := e.ready(); err != nil {
		return 0, err
	}

	if e.modulesCache == nil {
		return 0, errors.Wrap(errdefs.ErrConfiguration, "unable to pre populate modules: cache is not created")
	}

	modulesPath, err := engines.ModuleFiles(modulesDir)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to get WASM modules for pre-cache from %s directory", modulesDir)
	}

	for _, modulePath := range modulesPath {
		bytecode, err := os.ReadFile(modulePath)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to read WASM module (%v)", modulePath)
		}

		if _, err := e.compile(bytecode); err != nil {
			return 0, errors.Wrapf(err, "unable to pre-cache WASM module (%v)", modulePath)
		}

		e.logger.Trace("WASM module pre-cached", "module", modulePath)
	}

	return len(modulesPath), nil
}

func (e *wasmtimeEngine) InstantiateModule(src interfaces.Source, maxGas uint64, host interfaces.HostBindings) (interfaces.ModuleInstance, error) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if err := e.ready(); err != nil {
		return nil, err
	}

	module, err := e.getModule(src)
	if err != nil {
		return nil, err
	}

	if host == nil {
		host = engines.UnboundHost{}
	}

	inst := &wasmtimeInstance{
		engine: e,
		module: module,
		host:   host,
	}

	if err := e.instantiate(inst, maxGas, nil); err != nil {
		return nil, err
	}

	e.logger.Debug("instantiated module", "max_gas", maxGas, "from_snapshot", src.Snapshot != nil)

	return inst, nil
}

func (e *wasmtimeEngine) getModule(src interfaces.Source) (*wasmtime.Module, error) {
	if src.Snapshot != nil {
		payload, err := engines.DecodeSnapshot(engineExtensionName, src.Snapshot)
		if err != nil {
			return nil, err
		}

		module, err := wasmtime.NewModuleDeserialize(e.engine, payload)
		if err != nil {
			e.logger.Error("unable to deserialize WASM module", "error", hclog.Fmt("%+v", err))

			return nil, errors.Wrap(err, "unable to deserialize WASM module")
		}

		return module, nil
	}

	if len(src.Bytecode) == 0 {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "neither bytecode nor snapshot given")
	}

	return e.compile(src.Bytecode)
}

// compile returns the module for bytecode, going through the modules cache
// when one is configured. Compiled memories may not grow past the
// configured maximum memory size.
func (e *wasmtimeEngine) compile(bytecode []byte) (*wasmtime.Module, error) {
	if e.modulesCache == nil {
		e.logger.Trace("modules cache disabled, compiling WASM module")

		return e.newModule(bytecode)
	}

	key := engines.CodeHash(bytecode)

	cached, getCacheErr := e.modulesCache.Get(key)
	switch getCacheErr {
	case nil:
		module, err := wasmtime.NewModuleDeserialize(e.engine, cached.([]byte))
		if err != nil {
			e.logger.Error("unable to deserialize WASM module", "error", hclog.Fmt("%+v", err))

			return nil, errors.Wrap(err, "unable to deserialize WASM module")
		}

		return module, nil
	case gcache.KeyNotFoundError:
		module, err := e.newModule(bytecode)
		if err != nil {
			e.logger.Error("unable to compile WASM module", "error", hclog.Fmt("%+v", err))

			return nil, err
		}

		serModule, err := module.Serialize()
		if err != nil {
			e.logger.Error("unable to serialize WASM module", "error", hclog.Fmt("%+v", err))

			return nil, errors.Wrap(err, "unable to serialize WASM module")
		}

		if err := e.modulesCache.Set(key, serModule); err != nil {
			e.logger.Error("unable to cache WASM module", "error", hclog.Fmt("%+v", err))

			return nil, errors.Wrap(err, "unable to cache WASM module")
		}

		e.logger.Debug("cached WASM module", "code_hash", key)

		return module, nil
	default:
		e.logger.Error("unable to get module from cache", "error", hclog.Fmt("%+v", getCacheErr))

		return nil, errors.Wrap(getCacheErr, "unable to get WASM module from cache")
	}
}

func (e *wasmtimeEngine) newModule(bytecode []byte) (*wasmtime.Module, error) {
	limited, err := metering.LimitMemory(bytecode, uint32(e.conf.MaxMemorySize/memory.PageSize))
	if err != nil {
		return nil, err
	}

	module, err := wasmtime.NewModule(e.engine, limited)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compile WASM module")
	}

	return module, nil
}

// instantiate (re)creates the store side state of inst: a fresh store
// holding maxGas fuel, the linked instance and both memories. When storage
// is given its contents are copied into the new storage memory. On error
// inst keeps its running store.
func (e *wasmtimeEngine) instantiate(inst *wasmtimeInstance, maxGas uint64, storage memory.Memory) error {
	store := wasmtime.NewStore(e.engine)
	if err := store.AddFuel(maxGas); err != nil {
		return errors.Wrap(err, "unable to fund store")
	}

	linker := wasmtime.NewLinker(e.engine)
	if err := inst.defineImports(linker); err != nil {
		return err
	}

	previous := inst.store

	inst.store = store
	inst.ResetHostError()

	instance, err := linker.Instantiate(store, inst.module)
	if err != nil {
		inst.store = previous

		return errors.Wrap(inst.TrapFrom(err), "unable to create new instance")
	}

	export := instance.GetExport(store, interfaces.PrimaryMemory)
	if export == nil || export.Memory() == nil {
		inst.store = previous

		return errors.Wrapf(errdefs.ErrNotFound, "module does not export %q", interfaces.PrimaryMemory)
	}

	maxPages := e.conf.MaxMemorySize / memory.PageSize

	storageMemory, err := wasmtime.NewMemory(store, wasmtime.NewMemoryType(1, true, uint32(maxPages)))
	if err != nil {
		inst.store = previous

		return errors.Wrap(err, "unable to create storage memory")
	}

	storageRegion := memory.Region{
		Memory: &linearMemory{store: store, mem: storageMemory},
		Name:   interfaces.StorageMemory,
		Max:    e.conf.MaxMemorySize,
	}

	if storage != nil {
		if err := memory.Copy(storageRegion, storage); err != nil {
			inst.store = previous

			return errors.Wrap(err, "unable to carry over storage memory")
		}
	}

	inst.instance = instance
	inst.Memory = memory.Region{
		Memory: &linearMemory{store: store, mem: export.Memory()},
		Name:   interfaces.PrimaryMemory,
		Max:    e.conf.MaxMemorySize,
	}
	inst.Storage = storageRegion
	inst.Meter = &fuelMeter{store: store, added: maxGas}
	inst.Limit = maxGas

	return nil
}
