// Package host is the in-process hosting application: it serves the
// external functions of running contracts from a key/value store.
package host

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

// AddressSize is the length of addresses DeployFromAddress derives.
const AddressSize = 20

const (
	storagePrefix byte = 's'
	codePrefix    byte = 'c'
	noncePrefix   byte = 'n'
)

// Costs are the gas amounts the host reports back per request, on top of
// the fixed costs the engine charges itself.
type Costs struct {
	StorageLoad   uint64 `codec:"storageLoad"`
	StorageStore  uint64 `codec:"storageStore"`
	Deploy        uint64 `codec:"deploy"`
	EncodeAddress uint64 `codec:"encodeAddress"`
	// PerByte is charged for every byte read from or written to storage.
	PerByte uint64 `codec:"perByte"`
}

func DefaultCosts() Costs {
	return Costs{
		StorageLoad:   200,
		StorageStore:  2000,
		Deploy:        10000,
		EncodeAddress: 0,
		PerByte:       1,
	}
}

// AddressBook resolves the address of a running contract.
type AddressBook interface {
	AddressOf(id uint64) ([]byte, bool)
}

// ContractCaller runs another contract on behalf of a caller. bytecode is
// nil when the code store has none for the address.
type ContractCaller interface {
	CallContract(ctx context.Context, req external.CallRequest, bytecode []byte, network runner.Network) ([]byte, error)
}

type Host struct {
	logger  hclog.Logger
	storage dbm.DB
	code    dbm.DB
	costs   Costs
	network runner.Network

	// deployLock serializes nonce updates.
	deployLock sync.Mutex

	addresses AddressBook
	caller    ContractCaller
}

var _ external.Handler = (*Host)(nil)

// OpenDB opens a database with one of the cometbft-db backends, memdb or
// goleveldb.
func OpenDB(name, backend, dir string) (dbm.DB, error) {
	db, err := dbm.NewDB(name, dbm.BackendType(backend), dir)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unable to open %s database %s: %v", backend, name, err)
	}

	return db, nil
}

func New(logger hclog.Logger, storage, code dbm.DB, costs Costs, network runner.Network) *Host {
	return &Host{
		logger:  logger.Named("host"),
		storage: storage,
		code:    code,
		costs:   costs,
		network: network,
	}
}

// Attach completes the wiring once the execution environment and the
// contract manager exist.
func (h *Host) Attach(addresses AddressBook, caller ContractCaller) {
	h.addresses = addresses
	h.caller = caller
}

func (h *Host) Handle(ctx context.Context, req *external.Request) ([]byte, error) {
	network, err := h.requestNetwork(req)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case external.StorageLoad:
		return h.storageLoad(req.ContractID, req.Data)
	case external.StorageStore:
		return h.storageStore(req.ContractID, req.Data)
	case external.CallOtherContract:
		return h.callOtherContract(ctx, req.Data, network)
	case external.DeployFromAddress:
		return h.deploy(req.Data)
	case external.ConsoleLog:
		h.consoleLog(req.ContractID, req.Data)

		return nil, nil
	case external.EncodeAddress:
		return external.JoinResult(h.costs.EncodeAddress, []byte(EncodeAddress(network, req.Data))), nil
	default:
		return nil, errors.Errorf("unsupported request kind %s", req.Kind)
	}
}

// requestNetwork is the network the requesting invocation runs against,
// the host's own when the request names none.
func (h *Host) requestNetwork(req *external.Request) (runner.Network, error) {
	if req.Network == "" {
		return h.network, nil
	}

	return runner.ParseNetwork(req.Network)
}

func (h *Host) contractAddress(id uint64) ([]byte, error) {
	if h.addresses == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "host is not attached to an environment")
	}

	address, ok := h.addresses.AddressOf(id)
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "contract %d is not running", id)
	}

	return address, nil
}

func storageKey(address, key []byte) []byte {
	out := make([]byte, 5+len(address)+len(key))
	out[0] = storagePrefix
	binary.LittleEndian.PutUint32(out[1:], uint32(len(address)))
	copy(out[5:], address)
	copy(out[5+len(address):], key)

	return out
}

func prefixed(prefix byte, address []byte) []byte {
	return append([]byte{prefix}, address...)
}

// storageLoad returns the value of key in the calling contract's storage,
// empty when it was never set.
func (h *Host) storageLoad(id uint64, key []byte) ([]byte, error) {
	address, err := h.contractAddress(id)
	if err != nil {
		return nil, err
	}

	value, err := h.storage.Get(storageKey(address, key))
	if err != nil {
		return nil, errors.Wrap(err, "unable to read storage")
	}

	return external.JoinResult(h.costs.StorageLoad+h.costs.PerByte*uint64(len(value)), value), nil
}

func (h *Host) storageStore(id uint64, data []byte) ([]byte, error) {
	address, err := h.contractAddress(id)
	if err != nil {
		return nil, err
	}

	req, err := external.DecodeStoreRequest(data)
	if err != nil {
		return nil, err
	}

	value := req.Value
	if value == nil {
		value = []byte{}
	}

	if err := h.storage.Set(storageKey(address, req.Key), value); err != nil {
		return nil, errors.Wrap(err, "unable to write storage")
	}

	h.logger.Trace("stored value", "address", hex.EncodeToString(address), "key", hex.EncodeToString(req.Key), "bytes", len(value))

	return external.JoinResult(h.costs.StorageStore+h.costs.PerByte*uint64(len(req.Key)+len(value)), nil), nil
}

func (h *Host) callOtherContract(ctx context.Context, data []byte, network runner.Network) ([]byte, error) {
	if h.caller == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "host has no contract caller")
	}

	req, err := external.DecodeCallRequest(data)
	if err != nil {
		return nil, err
	}

	bytecode, err := h.Code(req.Address)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return nil, err
	}

	return h.caller.CallContract(ctx, req, bytecode, network)
}

// deploy copies the code stored at the source address to a new address
// derived from the source and its deploy count.
func (h *Host) deploy(source []byte) ([]byte, error) {
	bytecode, err := h.Code(source)
	if err != nil {
		return nil, err
	}

	h.deployLock.Lock()
	defer h.deployLock.Unlock()

	nonceKey := prefixed(noncePrefix, source)

	raw, err := h.code.Get(nonceKey)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read deploy nonce")
	}

	var nonce uint64
	if len(raw) == 8 {
		nonce = binary.LittleEndian.Uint64(raw)
	}

	address := DeployAddress(source, nonce)

	if err := h.StoreCode(address, bytecode); err != nil {
		return nil, err
	}

	next := make([]byte, 8)
	binary.LittleEndian.PutUint64(next, nonce+1)

	if err := h.code.Set(nonceKey, next); err != nil {
		return nil, errors.Wrap(err, "unable to write deploy nonce")
	}

	h.logger.Debug("deployed contract", "source", hex.EncodeToString(source), "address", hex.EncodeToString(address), "nonce", nonce)

	return external.JoinResult(h.costs.Deploy+h.costs.PerByte*uint64(len(bytecode)), address), nil
}

func (h *Host) consoleLog(id uint64, data []byte) {
	logger := h.logger.With("contract", id)

	if address, err := h.contractAddress(id); err == nil {
		logger = logger.With("address", hex.EncodeToString(address))
	}

	logger.Info(string(data))
}

// StoreCode records bytecode as the code of address.
func (h *Host) StoreCode(address, bytecode []byte) error {
	if len(bytecode) == 0 {
		return errors.Wrapf(errdefs.ErrConfiguration, "empty code for %x", address)
	}

	if err := h.code.Set(prefixed(codePrefix, address), bytecode); err != nil {
		return errors.Wrapf(err, "unable to store code for %x", address)
	}

	return nil
}

// Code returns the bytecode stored for address.
func (h *Host) Code(address []byte) ([]byte, error) {
	bytecode, err := h.code.Get(prefixed(codePrefix, address))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read code for %x", address)
	}

	if bytecode == nil {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "no code stored for %x", address)
	}

	return bytecode, nil
}

// Close closes both databases.
func (h *Host) Close() error {
	storageErr := h.storage.Close()
	codeErr := h.code.Close()

	if storageErr != nil {
		return errors.Wrap(storageErr, "unable to close storage")
	}

	return errors.Wrap(codeErr, "unable to close code store")
}

// DeployAddress derives the address of the nonce-th deployment from source.
func DeployAddress(source []byte, nonce uint64) []byte {
	seed := make([]byte, len(source)+8)
	copy(seed, source)
	binary.LittleEndian.PutUint64(seed[len(source):], nonce)

	sum := blake2b.Sum256(seed)

	return sum[:AddressSize]
}
