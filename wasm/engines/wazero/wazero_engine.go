package wazero

import (
	"context"
	"os"
	"sync"

	"github.com/bluele/gcache"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/contractvm/wasm-engine/wasm/engines"
	"github.com/contractvm/wasm-engine/wasm/engines/metering"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

const engineExtensionName = "wazero"

func init() {
	engines.Register(New())
}

type wazeroEngine struct {
	lock sync.RWMutex

	logger       hclog.Logger
	modulesCache gcache.Cache
	conf         interfaces.Config
	runtime      wazero.Runtime
	costs        metering.Costs
}

// New returns an engine built on the wazero interpreter. Modules are
// rewritten to charge gas per instruction and per function entry, and host
// functions charge the same budget. It must be initialised with Init before
// use.
func New() interfaces.Engine {
	return &wazeroEngine{}
}

func (e *wazeroEngine) Name() string {
	return engineExtensionName
}

func (e *wazeroEngine) Init(logger hclog.Logger, moduleCache gcache.Cache, conf interfaces.Config) error {
	if conf.MaxMemorySize == 0 {
		conf.MaxMemorySize = interfaces.DefaultMaxMemorySize
	}

	if conf.MaxMemorySize < memory.PageSize || conf.MaxMemorySize%memory.PageSize != 0 {
		return errors.Wrapf(errdefs.ErrConfiguration, "maximum memory size %d must be a positive multiple of %d", conf.MaxMemorySize, memory.PageSize)
	}

	ctx := context.Background()

	runtimeConfig := wazero.NewRuntimeConfigInterpreter().
		WithMemoryLimitPages(uint32(conf.MaxMemorySize / memory.PageSize)).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := hostModule(runtime).Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)

		return errors.Wrap(err, "unable to instantiate host module")
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if e.runtime != nil {
		_ = e.runtime.Close(ctx)
	}

	e.logger = logger.Named(engineExtensionName)
	e.modulesCache = moduleCache
	e.conf = conf
	e.runtime = runtime
	e.costs = metering.Costs{
		Instruction:  max(conf.Schedule.Instruction, 1),
		FunctionCall: conf.Schedule.FunctionCall,
	}

	return nil
}

func (e *wazeroEngine) ready() error {
	if e.runtime == nil {
		return errors.Wrapf(errdefs.ErrConfiguration, "%s engine is not initialised", engineExtensionName)
	}

	return nil
}

func (e *wazeroEngine) ValidateBytecode(bytecode []byte) error {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if err := e.ready(); err != nil {
		return err
	}

	if _, err := e.compile(bytecode); err != nil {
		return errors.Wrap(err, "invalid WASM module")
	}

	return nil
}

// PrePopulateCache compiles all wasm modules in specified directory into
// the modules cache and returns the number of cached modules.
func (e *wazeroEngine) PrePopulateCache(modulesDir string) (int, error) {
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

func (e *wazeroEngine) InstantiateModule(src interfaces.Source, maxGas uint64, host interfaces.HostBindings) (interfaces.ModuleInstance, error) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if err := e.ready(); err != nil {
		return nil, err
	}

	bytecode := src.Bytecode

	if src.Snapshot != nil {
		payload, err := engines.DecodeSnapshot(engineExtensionName, src.Snapshot)
		if err != nil {
			return nil, err
		}

		bytecode = payload
	}

	if len(bytecode) == 0 {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "neither bytecode nor snapshot given")
	}

	compiled, err := e.compile(bytecode)
	if err != nil {
		return nil, err
	}

	if host == nil {
		host = engines.UnboundHost{}
	}

	inst := &wazeroInstance{
		engine:   e,
		compiled: compiled,
		bytecode: bytecode,
		host:     host,
	}

	if err := e.instantiate(inst, maxGas, nil); err != nil {
		return nil, err
	}

	e.logger.Debug("instantiated module", "max_gas", maxGas, "from_snapshot", src.Snapshot != nil)

	return inst, nil
}

// compile returns the compiled, gas injected module for bytecode, going
// through the modules cache when one is configured. Cache keys hash the
// bytecode as given.
func (e *wazeroEngine) compile(bytecode []byte) (wazero.CompiledModule, error) {
	if e.modulesCache == nil {
		return e.compileMetered(bytecode)
	}

	key := engines.CodeHash(bytecode)

	cached, getCacheErr := e.modulesCache.Get(key)
	switch getCacheErr {
	case nil:
		return cached.(wazero.CompiledModule), nil
	case gcache.KeyNotFoundError:
		compiled, err := e.compileMetered(bytecode)
		if err != nil {
			e.logger.Error("unable to compile WASM module", "error", hclog.Fmt("%+v", err))

			return nil, err
		}

		if err := e.modulesCache.Set(key, compiled); err != nil {
			e.logger.Error("unable to cache WASM module", "error", hclog.Fmt("%+v", err))

			return nil, errors.Wrap(err, "unable to cache WASM module")
		}

		e.logger.Debug("cached WASM module", "code_hash", key)

		return compiled, nil
	default:
		e.logger.Error("unable to get module from cache", "error", hclog.Fmt("%+v", getCacheErr))

		return nil, errors.Wrap(getCacheErr, "unable to get WASM module from cache")
	}
}

func (e *wazeroEngine) compileMetered(bytecode []byte) (wazero.CompiledModule, error) {
	metered, err := metering.Inject(bytecode, e.costs)
	if err != nil {
		return nil, err
	}

	compiled, err := e.runtime.CompileModule(context.Background(), metered)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compile WASM module")
	}

	return compiled, nil
}

// instantiate replaces the running module of inst with a fresh anonymous
// instance of its compiled module holding maxGas. When storage is given its
// contents are copied into the new storage memory. The start function runs
// once the budget is set. On error inst keeps its running module.
func (e *wazeroEngine) instantiate(inst *wazeroInstance, maxGas uint64, storage memory.Memory) error {
	storageRegion := memory.Region{
		Memory: memory.NewSlice(1),
		Name:   interfaces.StorageMemory,
		Max:    e.conf.MaxMemorySize,
	}

	if storage != nil {
		if err := memory.Copy(storageRegion, storage); err != nil {
			return errors.Wrap(err, "unable to carry over storage memory")
		}
	}

	ctx := inst.callContext()

	module, err := e.runtime.InstantiateModule(ctx, inst.compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return errors.Wrap(err, "unable to create new instance")
	}

	mem := module.ExportedMemory(interfaces.PrimaryMemory)
	if mem == nil {
		_ = module.Close(context.Background())

		return errors.Wrapf(errdefs.ErrNotFound, "module does not export %q", interfaces.PrimaryMemory)
	}

	budget, ok := module.ExportedGlobal(metering.GasGlobal).(api.MutableGlobal)
	if !ok {
		_ = module.Close(context.Background())

		return errors.Wrapf(errdefs.ErrConfiguration, "module does not export a mutable %q", metering.GasGlobal)
	}

	budget.Set(maxGas)

	previous, saved := inst.module, inst.BaseInstance

	inst.module = module
	inst.Meter = globalMeter{global: budget}
	inst.Limit = maxGas
	inst.Memory = memory.Region{
		Memory: &linearMemory{mem: mem},
		Name:   interfaces.PrimaryMemory,
		Max:    e.conf.MaxMemorySize,
	}
	inst.Storage = storageRegion
	inst.ResetHostError()

	if start := module.ExportedFunction(metering.StartExport); start != nil {
		if _, err := start.Call(ctx); err != nil {
			trap := inst.TrapFrom(err)

			inst.module, inst.BaseInstance = previous, saved
			_ = module.Close(context.Background())

			return errors.Wrap(trap, "unable to create new instance")
		}
	}

	if previous != nil {
		_ = previous.Close(context.Background())
	}

	return nil
}
