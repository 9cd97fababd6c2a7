package wasm

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/gas"
	"github.com/contractvm/wasm-engine/wasm/host"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/manager"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

const (
	storageDBName = "contract_storage"
	codeDBName    = "contract_code"

	defaultStorageBackend = "memdb"
)

// contractRuntime is everything shared by the tasks of one plugin
// configuration: the host, its request dispatcher and the contract manager.
type contractRuntime struct {
	network    runner.Network
	host       *host.Host
	dispatcher *external.Dispatcher
	manager    *manager.Manager
}

func newContractRuntime(ctx context.Context, logger hclog.Logger, conf *Config, engs []interfaces.Engine) (*contractRuntime, error) {
	if len(engs) == 0 {
		return nil, fmt.Errorf("at least one engine must be enabled")
	}

	network, err := runner.ParseNetwork(conf.Network)
	if err != nil {
		return nil, err
	}

	backend := conf.Storage.Backend
	if backend == "" {
		backend = defaultStorageBackend
	}

	storageDB, err := host.OpenDB(storageDBName, backend, conf.Storage.Dir)
	if err != nil {
		return nil, err
	}

	codeDB, err := host.OpenDB(codeDBName, backend, conf.Storage.Dir)
	if err != nil {
		storageDB.Close()

		return nil, err
	}

	snapshotCache, err := buildContractCache(conf.ContractCache)
	if err != nil {
		storageDB.Close()
		codeDB.Close()

		return nil, fmt.Errorf("unable to create contract cache: %v", err)
	}

	contractHost := host.New(logger, storageDB, codeDB, conf.Gas.hostCosts(), network)

	dispatcher := external.NewDispatcher(logger, contractHost, conf.QueueSize)
	dispatcher.Start(ctx)

	env := runner.NewEnvironment(logger, external.NewFunctions(dispatcher), runner.NewInstanceCache(logger), conf.Gas.schedule())
	if conf.MaxCallDepth > 0 {
		env.MaxCallDepth = conf.MaxCallDepth
	}

	contracts, err := manager.New(logger, env, snapshotCache, engs...)
	if err != nil {
		dispatcher.Close()
		contractHost.Close()

		return nil, err
	}

	contractHost.Attach(env, contracts)

	return &contractRuntime{
		network:    network,
		host:       contractHost,
		dispatcher: dispatcher,
		manager:    contracts,
	}, nil
}

// instantiate registers the task's code under its address and creates the
// contract. Without a module path the code stored for the address is used,
// falling back to the contract snapshot cache.
func (r *contractRuntime) instantiate(ctx context.Context, conf TaskConfig) (*manager.Contract, error) {
	var bytecode []byte

	if conf.ModulePath != "" {
		code, err := os.ReadFile(conf.ModulePath)
		if err != nil {
			return nil, fmt.Errorf("unable to read module %s: %v", conf.ModulePath, err)
		}

		bytecode = code
	}

	address, err := taskAddress(conf.Address, bytecode)
	if err != nil {
		return nil, err
	}

	if bytecode != nil {
		if err := r.host.StoreCode(address, bytecode); err != nil {
			return nil, err
		}
	} else {
		bytecode, err = r.host.Code(address)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}
	}

	network := r.network
	if conf.Network != "" {
		if network, err = runner.ParseNetwork(conf.Network); err != nil {
			return nil, err
		}
	}

	maxGas := conf.MaxGas
	if maxGas == 0 {
		maxGas = defaultMaxGas
	}

	contract, err := r.manager.Instantiate(ctx, manager.InstantiateParams{
		Engine:   conf.Engine,
		Address:  address,
		Bytecode: bytecode,
		MaxGas:   maxGas,
		Network:  network,
	})
	if err != nil {
		return nil, err
	}

	if conf.CacheInstance {
		if err := r.manager.CacheInstance(contract.ID()); err != nil {
			r.manager.Destroy(contract.ID())

			return nil, err
		}
	}

	return contract, nil
}

// taskAddress decodes a hex address, deriving one from bytecode when none
// is configured.
func taskAddress(address string, bytecode []byte) ([]byte, error) {
	if address != "" {
		decoded, err := hex.DecodeString(address)
		if err != nil {
			return nil, fmt.Errorf("invalid contract address %q: %v", address, err)
		}

		return decoded, nil
	}

	if bytecode == nil {
		return nil, errors.New("either modulePath or address must be set")
	}

	return host.DeployAddress(bytecode, 0), nil
}

// Close destroys every contract, stops the dispatcher and closes storage.
func (r *contractRuntime) Close() error {
	r.manager.DestroyAll()
	r.manager.Clear()
	r.dispatcher.Close()

	return r.host.Close()
}

func (g GasConfig) schedule() gas.Schedule {
	if g.Schedule == (gas.Schedule{}) {
		return gas.DefaultSchedule()
	}

	return g.Schedule
}

func (g GasConfig) hostCosts() host.Costs {
	if g.HostCosts == (host.Costs{}) {
		return host.DefaultCosts()
	}

	return g.HostCosts
}
