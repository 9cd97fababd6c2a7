package host

import (
	"context"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

func init() {
	hclog.Default().SetLevel(hclog.Debug)
}

type mockAddressBook map[uint64][]byte

func (m mockAddressBook) AddressOf(id uint64) ([]byte, bool) {
	address, ok := m[id]

	return address, ok
}

type mockCaller struct {
	requests  []external.CallRequest
	bytecodes [][]byte
	network   runner.Network
}

func (m *mockCaller) CallContract(_ context.Context, req external.CallRequest, bytecode []byte, network runner.Network) ([]byte, error) {
	m.requests = append(m.requests, req)
	m.bytecodes = append(m.bytecodes, bytecode)
	m.network = network

	return external.JoinResult(42, []byte("called")), nil
}

func newTestHost(t *testing.T) (*Host, *mockCaller) {
	t.Helper()

	storage, err := OpenDB("storage", string(dbm.MemDBBackend), "")
	assert.NoError(t, err)

	code, err := OpenDB("code", string(dbm.MemDBBackend), "")
	assert.NoError(t, err)

	caller := &mockCaller{}

	h := New(hclog.Default(), storage, code, DefaultCosts(), runner.Testnet)
	h.Attach(mockAddressBook{1: []byte("alice"), 2: []byte("bob")}, caller)

	t.Cleanup(func() {
		assert.NoError(t, h.Close())
	})

	return h, caller
}

func handle(t *testing.T, h *Host, kind external.Kind, id uint64, data []byte) (uint64, []byte) {
	t.Helper()

	result, err := h.Handle(context.Background(), &external.Request{Kind: kind, ContractID: id, Data: data})
	assert.NoError(t, err)

	cost, payload, err := external.SplitResult(result)
	assert.NoError(t, err)

	return cost, payload
}

func TestOpenDB(t *testing.T) {
	_, err := OpenDB("storage", "unknown", "")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	db, err := OpenDB("storage", string(dbm.GoLevelDBBackend), t.TempDir())
	assert.NoError(t, err)
	assert.NoError(t, db.Close())
}

func TestStorage(t *testing.T) {
	h, _ := newTestHost(t)
	costs := DefaultCosts()

	cost, payload := handle(t, h, external.StorageLoad, 1, []byte("counter"))
	assert.Equal(t, costs.StorageLoad, cost)
	assert.Empty(t, payload)

	store := external.EncodeStoreRequest(external.StoreRequest{Key: []byte("counter"), Value: []byte("7")})

	cost, payload = handle(t, h, external.StorageStore, 1, store)
	assert.Equal(t, costs.StorageStore+costs.PerByte*8, cost)
	assert.Empty(t, payload)

	cost, payload = handle(t, h, external.StorageLoad, 1, []byte("counter"))
	assert.Equal(t, costs.StorageLoad+costs.PerByte, cost)
	assert.Equal(t, []byte("7"), payload)

	// Storage is private to each address.
	_, payload = handle(t, h, external.StorageLoad, 2, []byte("counter"))
	assert.Empty(t, payload)

	empty := external.EncodeStoreRequest(external.StoreRequest{Key: []byte("flag")})
	_, _ = handle(t, h, external.StorageStore, 2, empty)

	stored, err := h.storage.Has(storageKey([]byte("bob"), []byte("flag")))
	assert.NoError(t, err)
	assert.True(t, stored)

	tCases := []struct {
		name        string
		kind        external.Kind
		id          uint64
		data        []byte
		expectedErr error
	}{
		{
			name:        "unknown contract",
			kind:        external.StorageLoad,
			id:          3,
			data:        []byte("counter"),
			expectedErr: errdefs.ErrNotFound,
		},
		{
			name:        "truncated store request",
			kind:        external.StorageStore,
			id:          1,
			data:        []byte{1},
			expectedErr: errdefs.ErrDispatch,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			_, err := h.Handle(context.Background(), &external.Request{Kind: tCase.kind, ContractID: tCase.id, Data: tCase.data})
			assert.ErrorIs(t, err, tCase.expectedErr)
		})
	}
}

func TestStorageKeysDoNotCollide(t *testing.T) {
	assert.NotEqual(t, storageKey([]byte("ab"), []byte("c")), storageKey([]byte("a"), []byte("bc")))
}

func TestCallOtherContract(t *testing.T) {
	h, caller := newTestHost(t)

	assert.NoError(t, h.StoreCode([]byte("bob"), []byte("bob code")))

	call := external.EncodeCallRequest(external.CallRequest{GasLimit: 500, Address: []byte("bob"), Calldata: []byte("hi")})

	cost, payload := handle(t, h, external.CallOtherContract, 1, call)
	assert.Equal(t, uint64(42), cost)
	assert.Equal(t, []byte("called"), payload)

	call = external.EncodeCallRequest(external.CallRequest{GasLimit: 500, Address: []byte("carol")})
	_, _ = handle(t, h, external.CallOtherContract, 1, call)

	assert.Equal(t, []external.CallRequest{
		{GasLimit: 500, Address: []byte("bob"), Calldata: []byte("hi")},
		{GasLimit: 500, Address: []byte("carol"), Calldata: []byte{}},
	}, caller.requests)
	assert.Equal(t, [][]byte{[]byte("bob code"), nil}, caller.bytecodes)
	assert.Equal(t, runner.Testnet, caller.network)

	_, err := h.Handle(context.Background(), &external.Request{Kind: external.CallOtherContract, ContractID: 1, Data: []byte{1, 2}})
	assert.ErrorIs(t, err, errdefs.ErrDispatch)
}

func TestDeploy(t *testing.T) {
	h, _ := newTestHost(t)
	costs := DefaultCosts()

	source := []byte("factory")
	bytecode := []byte("factory code")

	_, err := h.Handle(context.Background(), &external.Request{Kind: external.DeployFromAddress, ContractID: 1, Data: source})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	assert.NoError(t, h.StoreCode(source, bytecode))

	for nonce := uint64(0); nonce < 2; nonce++ {
		cost, address := handle(t, h, external.DeployFromAddress, 1, source)
		assert.Equal(t, costs.Deploy+costs.PerByte*uint64(len(bytecode)), cost)
		assert.Equal(t, DeployAddress(source, nonce), address)
		assert.Len(t, address, AddressSize)

		deployed, err := h.Code(address)
		assert.NoError(t, err)
		assert.Equal(t, bytecode, deployed)
	}

	assert.NotEqual(t, DeployAddress(source, 0), DeployAddress(source, 1))
}

func TestCode(t *testing.T) {
	h, _ := newTestHost(t)

	_, err := h.Code([]byte("nobody"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	assert.ErrorIs(t, h.StoreCode([]byte("nobody"), nil), errdefs.ErrConfiguration)
}

func TestConsoleLogAndEncodeAddress(t *testing.T) {
	h, _ := newTestHost(t)

	result, err := h.Handle(context.Background(), &external.Request{Kind: external.ConsoleLog, ContractID: 9, Data: []byte("hello")})
	assert.NoError(t, err)
	assert.Nil(t, result)

	cost, payload := handle(t, h, external.EncodeAddress, 1, []byte{0xde, 0xad})
	assert.Equal(t, DefaultCosts().EncodeAddress, cost)
	assert.Equal(t, EncodeAddress(runner.Testnet, []byte{0xde, 0xad}), string(payload))

	_, err = h.Handle(context.Background(), &external.Request{Kind: external.Kind(99)})
	assert.Error(t, err)
}

func TestRequestNetwork(t *testing.T) {
	storage, err := OpenDB("storage", string(dbm.MemDBBackend), "")
	assert.NoError(t, err)

	code, err := OpenDB("code", string(dbm.MemDBBackend), "")
	assert.NoError(t, err)

	caller := &mockCaller{}

	h := New(hclog.Default(), storage, code, DefaultCosts(), runner.Mainnet)
	h.Attach(mockAddressBook{1: []byte("alice")}, caller)
	defer h.Close()

	tCases := []struct {
		name            string
		network         string
		expectedNetwork runner.Network
		expectedErr     error
	}{
		{
			name:            "host default",
			network:         "",
			expectedNetwork: runner.Mainnet,
		},
		{
			name:            "invocation network",
			network:         "testnet",
			expectedNetwork: runner.Testnet,
		},
		{
			name:        "unknown network",
			network:     "signet",
			expectedErr: errdefs.ErrConfiguration,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			result, err := h.Handle(context.Background(), &external.Request{
				Kind:       external.EncodeAddress,
				ContractID: 1,
				Network:    tCase.network,
				Data:       []byte{0xbe, 0xef},
			})

			if tCase.expectedErr != nil {
				assert.ErrorIs(t, err, tCase.expectedErr)

				return
			}

			assert.NoError(t, err)

			_, payload, err := external.SplitResult(result)
			assert.NoError(t, err)
			assert.Equal(t, EncodeAddress(tCase.expectedNetwork, []byte{0xbe, 0xef}), string(payload))

			call := external.EncodeCallRequest(external.CallRequest{GasLimit: 10, Address: []byte("bob")})
			_, err = h.Handle(context.Background(), &external.Request{
				Kind:       external.CallOtherContract,
				ContractID: 1,
				Network:    tCase.network,
				Data:       call,
			})
			assert.NoError(t, err)
			assert.Equal(t, tCase.expectedNetwork, caller.network)
		})
	}
}

func TestUnattachedHost(t *testing.T) {
	storage, err := OpenDB("storage", string(dbm.MemDBBackend), "")
	assert.NoError(t, err)

	code, err := OpenDB("code", string(dbm.MemDBBackend), "")
	assert.NoError(t, err)

	h := New(hclog.Default(), storage, code, DefaultCosts(), runner.Mainnet)
	defer h.Close()

	_, err = h.Handle(context.Background(), &external.Request{Kind: external.StorageLoad, ContractID: 1, Data: []byte("k")})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	call := external.EncodeCallRequest(external.CallRequest{Address: []byte("bob")})
	_, err = h.Handle(context.Background(), &external.Request{Kind: external.CallOtherContract, ContractID: 1, Data: call})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = h.Handle(context.Background(), &external.Request{Kind: external.ConsoleLog, ContractID: 1, Data: []byte("still logged")})
	assert.NoError(t, err)
}
