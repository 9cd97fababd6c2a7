package runner

import (
	"context"
	"encoding/binary"
	"sync"
	"unicode/utf16"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/buffer"
	"github.com/contractvm/wasm-engine/wasm/engines"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/gas"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

func init() {
	hclog.Default().SetLevel(hclog.Debug)
}

var errUnexpectedFunction = errors.New("unexpected function name")

type callFunc func(inst *mockInstance, function string, params ...int32) ([]interface{}, error)

// mockInstance keeps memories in Go slices and runs exports through call.
type mockInstance struct {
	engines.BaseInstance

	call     callFunc
	host     interfaces.HostBindings
	prepared int
	clones   int
	closed   bool
}

func newMockInstance(limit uint64, call callFunc) *mockInstance {
	inst := &mockInstance{call: call}
	inst.reset(limit)

	return inst
}

func (m *mockInstance) reset(limit uint64) {
	m.Memory = memory.Region{Memory: memory.NewSlice(1), Name: interfaces.PrimaryMemory, Max: 16 * memory.PageSize}
	m.Storage = memory.Region{Memory: memory.NewSlice(1), Name: interfaces.StorageMemory, Max: 16 * memory.PageSize}
	m.Meter = gas.NewCounter(limit)
	m.Limit = limit
}

func (m *mockInstance) Call(function string, params ...int32) ([]interface{}, error) {
	if m.call == nil {
		return nil, errUnexpectedFunction
	}

	return m.call(m, function, params...)
}

func (m *mockInstance) PrepareForCache() error {
	m.prepared++
	m.reset(m.Limit)

	return nil
}

func (m *mockInstance) Clone(host interfaces.HostBindings) (interfaces.ModuleInstance, error) {
	m.clones++

	clone := newMockInstance(m.Limit, m.call)
	clone.host = host

	return clone, nil
}

func (m *mockInstance) Serialize() ([]byte, error) {
	return []byte("snapshot"), nil
}

func (m *mockInstance) Close() {
	m.closed = true
}

// writeInput places data in guest memory the way guest code would.
func (m *mockInstance) writeInput(data []byte) uint32 {
	ptr, err := m.WriteBuffer(data, buffer.ArrayBufferID, 0)
	if err != nil {
		panic(err)
	}

	return ptr
}

func (m *mockInstance) writeString(s string) uint32 {
	units := utf16.Encode([]rune(s))

	raw := make([]byte, 2*len(units))
	for n, unit := range units {
		binary.LittleEndian.PutUint16(raw[2*n:], unit)
	}

	return m.writeInput(raw)
}

// countingFunction answers requests of one kind and records them.
type countingFunction struct {
	kind  external.Kind
	reply func(data []byte) ([]byte, error)

	lock     sync.Mutex
	requests [][]byte
	callers  []external.Caller
}

func (f *countingFunction) Kind() external.Kind {
	return f.kind
}

func (f *countingFunction) Execute(_ context.Context, caller external.Caller, data []byte) ([]byte, error) {
	f.lock.Lock()
	f.requests = append(f.requests, append([]byte(nil), data...))
	f.callers = append(f.callers, caller)
	f.lock.Unlock()

	if f.reply == nil {
		return nil, nil
	}

	return f.reply(data)
}

func (f *countingFunction) calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.requests)
}

func replyWith(cost uint64, payload []byte) func([]byte) ([]byte, error) {
	return func([]byte) ([]byte, error) {
		return external.JoinResult(cost, payload), nil
	}
}

func newFunctions(reply func([]byte) ([]byte, error)) (*external.Functions, map[external.Kind]*countingFunction) {
	counters := make(map[external.Kind]*countingFunction)

	counter := func(kind external.Kind) *countingFunction {
		fn := &countingFunction{kind: kind, reply: reply}
		counters[kind] = fn

		return fn
	}

	return &external.Functions{
		StorageLoad:       counter(external.StorageLoad),
		StorageStore:      counter(external.StorageStore),
		CallOtherContract: counter(external.CallOtherContract),
		DeployFromAddress: counter(external.DeployFromAddress),
		ConsoleLog:        counter(external.ConsoleLog),
		EncodeAddress:     counter(external.EncodeAddress),
	}, counters
}
