// Package manager owns the contracts a host application has instantiated.
package manager

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/bluele/gcache"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/engines"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

// InstantiateParams selects what a contract is created from. Snapshot wins
// over Bytecode; with neither, the snapshot cached for Address is used.
type InstantiateParams struct {
	// Engine defaults to the engine of the snapshot, then to the first
	// engine the manager was created with.
	Engine   string
	Address  []byte
	Bytecode []byte
	Snapshot []byte
	MaxGas   uint64
	Network  runner.Network
}

type Manager struct {
	logger        hclog.Logger
	env           *runner.Environment
	engines       map[string]interfaces.Engine
	defaultEngine string
	// snapshots maps contract addresses to serialized modules.
	snapshots gcache.Cache

	lock      sync.RWMutex
	contracts map[uint64]*Contract
}

// New returns a manager running contracts on engs. snapshots may be nil,
// which disables the address keyed snapshot cache.
func New(logger hclog.Logger, env *runner.Environment, snapshots gcache.Cache, engs ...interfaces.Engine) (*Manager, error) {
	if env == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "manager requires an environment")
	}

	if len(engs) == 0 {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "manager requires at least one engine")
	}

	m := &Manager{
		logger:        logger.Named("manager"),
		env:           env,
		engines:       make(map[string]interfaces.Engine, len(engs)),
		defaultEngine: engs[0].Name(),
		snapshots:     snapshots,
		contracts:     make(map[uint64]*Contract),
	}

	for _, engine := range engs {
		m.engines[engine.Name()] = engine
	}

	return m, nil
}

func (m *Manager) engine(name string) (interfaces.Engine, error) {
	if name == "" {
		name = m.defaultEngine
	}

	engine, ok := m.engines[name]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "engine %s is not enabled", name)
	}

	return engine, nil
}

// ValidateBytecode checks bytecode with the named engine.
func (m *Manager) ValidateBytecode(engineName string, bytecode []byte) error {
	engine, err := m.engine(engineName)
	if err != nil {
		return err
	}

	return engine.ValidateBytecode(bytecode)
}

// Instantiate creates and registers a contract. Instantiating from bytecode
// refreshes the snapshot cached for the address.
func (m *Manager) Instantiate(ctx context.Context, params InstantiateParams) (*Contract, error) {
	src := interfaces.Source{Bytecode: params.Bytecode, Snapshot: params.Snapshot}

	if src.Snapshot == nil && src.Bytecode == nil {
		snapshot, err := m.cachedSnapshot(params.Address)
		if err != nil {
			return nil, err
		}

		src.Snapshot = snapshot
	}

	engineName := params.Engine
	if engineName == "" && src.Snapshot != nil {
		name, err := engines.SnapshotEngine(src.Snapshot)
		if err != nil {
			return nil, err
		}

		engineName = name
	}

	engine, err := m.engine(engineName)
	if err != nil {
		return nil, err
	}

	execCtx := m.env.NewContext(ctx, params.Address, params.Network)

	inst, err := engine.InstantiateModule(src, params.MaxGas, execCtx)
	if err != nil {
		execCtx.Close()

		return nil, errors.Wrapf(err, "unable to instantiate contract %x", params.Address)
	}

	execCtx.Bind(inst)

	if params.Snapshot == nil && params.Bytecode != nil {
		m.storeSnapshot(params.Address, inst)
	}

	contract := &Contract{
		engine: engine.Name(),
		ctx:    execCtx,
		inst:   inst,
	}

	m.lock.Lock()
	m.contracts[execCtx.ID] = contract
	m.lock.Unlock()

	m.logger.Debug("instantiated contract", "id", execCtx.ID, "address", hex.EncodeToString(params.Address),
		"engine", engine.Name(), "max_gas", params.MaxGas, "network", params.Network)

	return contract, nil
}

func (m *Manager) cachedSnapshot(address []byte) ([]byte, error) {
	if m.snapshots == nil {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "no bytecode given for %x and snapshot cache disabled", address)
	}

	snapshot, err := m.snapshots.Get(string(address))
	switch err {
	case nil:
		return snapshot.([]byte), nil
	case gcache.KeyNotFoundError:
		return nil, errors.Wrapf(errdefs.ErrNotFound, "no snapshot cached for %x", address)
	default:
		return nil, errors.Wrap(err, "unable to read snapshot cache")
	}
}

func (m *Manager) storeSnapshot(address []byte, inst interfaces.ModuleInstance) {
	if m.snapshots == nil || len(address) == 0 {
		return
	}

	snapshot, err := inst.Serialize()
	if err != nil {
		m.logger.Warn("unable to serialize contract", "address", hex.EncodeToString(address), "error", hclog.Fmt("%+v", err))

		return
	}

	if err := m.snapshots.Set(string(address), snapshot); err != nil {
		m.logger.Warn("unable to cache contract snapshot", "address", hex.EncodeToString(address), "error", hclog.Fmt("%+v", err))
	}
}

// Contract returns the live contract registered under id.
func (m *Manager) Contract(id uint64) (*Contract, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	contract, ok := m.contracts[id]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "contract %d", id)
	}

	return contract, nil
}

// Call invokes function on the contract registered under id.
func (m *Manager) Call(ctx context.Context, id uint64, function string, params ...int32) (CallResponse, error) {
	contract, err := m.Contract(id)
	if err != nil {
		return CallResponse{}, err
	}

	return contract.Call(ctx, function, params...)
}

// CacheInstance publishes a prepared copy of the contract in the instance
// cache so other contracts can call it without the host.
func (m *Manager) CacheInstance(id uint64) error {
	contract, err := m.Contract(id)
	if err != nil {
		return err
	}

	contract.lock.Lock()
	defer contract.lock.Unlock()

	if contract.inst == nil {
		return errors.Wrapf(errdefs.ErrNotFound, "contract %d is destroyed", id)
	}

	clone, err := contract.inst.Clone(nil)
	if err != nil {
		return errors.Wrapf(err, "unable to copy contract %d", id)
	}

	if err := m.env.Cache.Write(contract.ctx.Address, clone); err != nil {
		clone.Close()

		return err
	}

	m.logger.Debug("cached contract instance", "id", id, "address", hex.EncodeToString(contract.ctx.Address))

	return nil
}

// CallContract instantiates the contract at req.Address, runs its call
// entry point with req.Calldata on at most req.GasLimit gas and destroys it.
// The result is cost prefixed. bytecode may be nil when a snapshot of the
// address is cached.
func (m *Manager) CallContract(ctx context.Context, req external.CallRequest, bytecode []byte, network runner.Network) ([]byte, error) {
	contract, err := m.Instantiate(ctx, InstantiateParams{
		Address:  req.Address,
		Bytecode: bytecode,
		MaxGas:   req.GasLimit,
		Network:  network,
	})
	if err != nil {
		return nil, err
	}
	defer m.Destroy(contract.ID())

	contract.lock.Lock()
	defer contract.lock.Unlock()

	contract.ctx.Begin(ctx)

	cost, payload, err := contract.ctx.Invoke(req.GasLimit, req.Calldata)
	if err != nil {
		return nil, &external.CallError{Address: req.Address, Cost: cost, Err: err}
	}

	return external.JoinResult(cost, payload), nil
}

// Destroy closes and unregisters the contract. It reports whether the
// contract existed.
func (m *Manager) Destroy(id uint64) bool {
	m.lock.Lock()
	contract, ok := m.contracts[id]
	delete(m.contracts, id)
	m.lock.Unlock()

	if ok {
		contract.close()
	}

	return ok
}

func (m *Manager) DestroyAll() {
	m.lock.Lock()
	contracts := m.contracts
	m.contracts = make(map[uint64]*Contract)
	m.lock.Unlock()

	for _, contract := range contracts {
		contract.close()
	}
}

// Clear drops cached snapshots and cached instances. Live contracts stay.
func (m *Manager) Clear() {
	if m.snapshots != nil {
		m.snapshots.Purge()
	}

	m.env.Cache.Clear()
}

// Length returns the number of live contracts.
func (m *Manager) Length() int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return len(m.contracts)
}
