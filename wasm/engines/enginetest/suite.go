// Package enginetest holds the behaviour every engine implementation must
// share, run against a small contract fixture.
package enginetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bluele/gcache"
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/contractvm/wasm-engine/wasm/buffer"
	"github.com/contractvm/wasm-engine/wasm/engines"
	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/gas"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/memory"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

// FixtureWAT exports:
//
//	add(a, b) -> a + b
//	bump() -> counter, incrementing a mutable global first
//	call(calldata) -> calldata, the contract call entry point
//	forward(address, calldata) -> result of the call host function
//	load(key) -> result of the storage_load host function
//	log(message) forwarded to console_log
//	fail() aborting with line 1, column 2
//	spin() looping forever through calls
//	burn() looping forever without calls
//	grow(pages) -> result of memory.grow
//	pages() -> memory.size
const FixtureWAT = `
(module
  (import "env" "call" (func $call (param i32 i32) (result i32)))
  (import "env" "storage_load" (func $storage_load (param i32) (result i32)))
  (import "env" "console_log" (func $console_log (param i32)))
  (import "env" "abort" (func $abort (param i32 i32 i32 i32)))

  (memory (export "memory") 1)
  (global $counter (mut i32) (i32.const 0))

  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add)

  (func (export "bump") (result i32)
    global.get $counter
    i32.const 1
    i32.add
    global.set $counter
    global.get $counter)

  (func (export "call") (param i32) (result i32)
    local.get 0)

  (func (export "forward") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    call $call)

  (func (export "load") (param i32) (result i32)
    local.get 0
    call $storage_load)

  (func (export "log") (param i32)
    local.get 0
    call $console_log)

  (func (export "fail")
    i32.const 0
    i32.const 0
    i32.const 1
    i32.const 2
    call $abort
    unreachable)

  (func $noop)

  (func (export "spin")
    (loop $again
      call $noop
      br $again))

  (func (export "burn")
    (loop $again
      br $again))

  (func (export "grow") (param i32) (result i32)
    local.get 0
    memory.grow)

  (func (export "pages") (result i32)
    memory.size))
`

// Fixture returns the compiled FixtureWAT.
func Fixture(t *testing.T) []byte {
	t.Helper()

	bytecode, err := wasmtime.Wat2Wasm(FixtureWAT)
	if err != nil {
		t.Fatalf("unable to assemble fixture: %v", err)
	}

	return bytecode
}

// recordingHost answers call with "pong", fails storage_load and keeps
// console_log messages. Everything else is unbound.
type recordingHost struct {
	engines.UnboundHost

	inst  interfaces.ModuleInstance
	calls [][]byte
	logs  []string
}

func (h *recordingHost) Call(addressPtr, calldataPtr uint32) (uint32, error) {
	address, err := h.inst.ReadArrayBuffer(addressPtr)
	if err != nil {
		return 0, err
	}

	calldata, err := h.inst.ReadArrayBuffer(calldataPtr)
	if err != nil {
		return 0, err
	}

	h.calls = append(h.calls, address, calldata)
	h.inst.Gas().UseGas(100)

	return h.inst.WriteBuffer([]byte("pong"), runner.ResultBufferID, 0)
}

func (h *recordingHost) StorageLoad(uint32) (uint32, error) {
	return 0, errors.Wrap(errdefs.ErrNotFound, "no value stored")
}

func (h *recordingHost) ConsoleLog(ptr uint32) error {
	data, err := h.inst.ReadArrayBuffer(ptr)
	if err != nil {
		return err
	}

	h.logs = append(h.logs, string(data))

	return nil
}

func (h *recordingHost) Abort(_, _, line, column uint32) error {
	return &errdefs.TrapError{Abort: true, Message: runner.AbortData{Line: line, Column: column}.String()}
}

// refusedCall fails every contract call dispatched to the host.
type refusedCall struct{}

func (refusedCall) Kind() external.Kind {
	return external.CallOtherContract
}

func (refusedCall) Execute(context.Context, external.Caller, []byte) ([]byte, error) {
	return nil, errors.New("contract calls must be served from the instance cache")
}

func initEngine(t *testing.T, newEngine func() interfaces.Engine, cache gcache.Cache) interfaces.Engine {
	t.Helper()

	engine := newEngine()
	if err := engine.Init(hclog.Default(), cache, interfaces.Config{Schedule: gas.DefaultSchedule()}); err != nil {
		t.Fatalf("unable to initialize %s engine: %v", engine.Name(), err)
	}

	return engine
}

func instantiate(t *testing.T, engine interfaces.Engine, maxGas uint64) (interfaces.ModuleInstance, *recordingHost) {
	t.Helper()

	host := &recordingHost{}

	inst, err := engine.InstantiateModule(interfaces.Source{Bytecode: Fixture(t)}, maxGas, host)
	if err != nil {
		t.Fatalf("unable to instantiate fixture: %v", err)
	}

	host.inst = inst

	return inst, host
}

func writeBuffer(t *testing.T, inst interfaces.ModuleInstance, data []byte) int32 {
	t.Helper()

	ptr, err := inst.WriteBuffer(data, buffer.ArrayBufferID, 0)
	if err != nil {
		t.Fatalf("unable to write buffer: %v", err)
	}

	return int32(ptr)
}

// Run exercises an engine created by newEngine.
func Run(t *testing.T, newEngine func() interfaces.Engine) {
	t.Run("init", func(t *testing.T) { testInit(t, newEngine) })
	t.Run("call", func(t *testing.T) { testCall(t, newEngine) })
	t.Run("host functions", func(t *testing.T) { testHostFunctions(t, newEngine) })
	t.Run("out of gas", func(t *testing.T) { testOutOfGas(t, newEngine) })
	t.Run("memory", func(t *testing.T) { testMemory(t, newEngine) })
	t.Run("prepare for cache", func(t *testing.T) { testPrepareForCache(t, newEngine) })
	t.Run("clone", func(t *testing.T) { testClone(t, newEngine) })
	t.Run("snapshot", func(t *testing.T) { testSnapshot(t, newEngine) })
	t.Run("modules cache", func(t *testing.T) { testModulesCache(t, newEngine) })
	t.Run("cached contract call", func(t *testing.T) { testCachedContractCall(t, newEngine) })
}

func testInit(t *testing.T, newEngine func() interfaces.Engine) {
	engine := newEngine()

	_, err := engine.InstantiateModule(interfaces.Source{Bytecode: Fixture(t)}, 10, nil)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	assert.ErrorIs(t, engine.ValidateBytecode(Fixture(t)), errdefs.ErrConfiguration)

	err = engine.Init(hclog.Default(), nil, interfaces.Config{MaxMemorySize: memory.PageSize + 1})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	engine = initEngine(t, newEngine, nil)

	assert.NoError(t, engine.ValidateBytecode(Fixture(t)))
	assert.Error(t, engine.ValidateBytecode([]byte("not wasm")))

	_, err = engine.InstantiateModule(interfaces.Source{}, 10, nil)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	noMemory, err := wasmtime.Wat2Wasm(`(module)`)
	assert.NoError(t, err)

	_, err = engine.InstantiateModule(interfaces.Source{Bytecode: noMemory}, 10, nil)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func testCall(t *testing.T, newEngine func() interfaces.Engine) {
	engine := initEngine(t, newEngine, nil)
	inst, _ := instantiate(t, engine, 1_000_000)
	defer inst.Close()

	result, err := inst.Call("add", 2, 3)
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(5)}, result)

	assert.Equal(t, uint64(1_000_000), inst.MaxGas())
	assert.Greater(t, inst.UsedGas(), uint64(0))
	assert.Less(t, inst.UsedGas(), uint64(1_000_000))

	inst.SetUsedGas(10)
	assert.Equal(t, uint64(10), inst.UsedGas())
	assert.Equal(t, uint64(999_990), inst.Gas().Remaining())

	_, err = inst.Call("missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	inst.Close()

	_, err = inst.Call("add", 1, 1)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func testHostFunctions(t *testing.T, newEngine func() interfaces.Engine) {
	engine := initEngine(t, newEngine, nil)
	inst, host := instantiate(t, engine, 1_000_000)
	defer inst.Close()

	result, err := inst.Call("forward", writeBuffer(t, inst, []byte("callee")), writeBuffer(t, inst, []byte("ping")))
	assert.NoError(t, err)
	assert.Len(t, result, 1)

	payload, err := inst.ReadArrayBuffer(uint32(result[0].(int32)))
	assert.NoError(t, err)
	assert.Equal(t, []byte("pong"), payload)
	assert.Equal(t, [][]byte{[]byte("callee"), []byte("ping")}, host.calls)
	assert.GreaterOrEqual(t, inst.UsedGas(), uint64(100))

	_, err = inst.Call("log", writeBuffer(t, inst, []byte("hello")))
	assert.NoError(t, err)
	assert.Equal(t, []string{"hello"}, host.logs)

	_, err = inst.Call("load", writeBuffer(t, inst, []byte("key")))
	assert.ErrorIs(t, err, errdefs.ErrTrap)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = inst.Call("fail")
	trap, ok := errdefs.AsTrap(err)
	assert.True(t, ok)
	assert.True(t, trap.Abort)

	// A failed host call does not leak into the next call.
	result, err = inst.Call("add", 1, 1)
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(2)}, result)
}

func testOutOfGas(t *testing.T, newEngine func() interfaces.Engine) {
	tCases := []struct {
		name     string
		function string
	}{
		{
			name:     "loop through calls",
			function: "spin",
		},
		{
			name:     "loop without calls",
			function: "burn",
		},
	}

	engine := initEngine(t, newEngine, nil)

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			inst, _ := instantiate(t, engine, 10_000)
			defer inst.Close()

			_, err := inst.Call(tCase.function)
			assert.ErrorIs(t, err, errdefs.ErrTrap)
			assert.True(t, errdefs.IsOutOfGas(err))
			assert.Equal(t, uint64(0), inst.Gas().Remaining())
			assert.Equal(t, uint64(10_000), inst.UsedGas())

			// The budget is restored for the next attempt.
			assert.NoError(t, inst.PrepareForCache())

			result, err := inst.Call("add", 1, 2)
			assert.NoError(t, err)
			assert.Equal(t, []interface{}{int32(3)}, result)
		})
	}
}

func testMemory(t *testing.T, newEngine func() interfaces.Engine) {
	engine := newEngine()
	err := engine.Init(hclog.Default(), nil, interfaces.Config{MaxMemorySize: 4 * memory.PageSize, Schedule: gas.DefaultSchedule()})
	assert.NoError(t, err)

	inst, _ := instantiate(t, engine, 1_000_000)
	defer inst.Close()

	assert.NoError(t, inst.WriteMemory(16, []byte("abc")))

	data, err := inst.ReadMemory(16, 3)
	assert.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	b, err := inst.ReadByte(17)
	assert.NoError(t, err)
	assert.Equal(t, byte('b'), b)

	_, err = inst.ReadMemory(memory.PageSize-1, 2)
	assert.ErrorIs(t, err, errdefs.ErrMemoryAccess)

	offset, err := inst.GrowFor(memory.PageSize, interfaces.PrimaryMemory)
	assert.NoError(t, err)
	assert.Equal(t, memory.PageSize, offset)
	assert.False(t, inst.IsOutOfMemory())

	_, err = inst.GrowFor(4*memory.PageSize, interfaces.PrimaryMemory)
	assert.ErrorIs(t, err, errdefs.ErrCapacity)

	// Guest growth stops at the same cap.
	result, err := inst.Call("grow", 2)
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(2)}, result)

	result, err = inst.Call("grow", 1)
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(-1)}, result)

	result, err = inst.Call("pages")
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(4)}, result)
	assert.True(t, inst.IsOutOfMemory())

	_, err = inst.GrowFor(1, "unknown")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	key, err := inst.WriteStorage([]byte("value"))
	assert.NoError(t, err)

	size, err := inst.RequestStorage(key)
	assert.NoError(t, err)
	assert.Equal(t, uint32(5), size)

	assert.NoError(t, inst.LoadFromStorage(key, 64))

	data, err = inst.ReadMemory(64, 5)
	assert.NoError(t, err)
	assert.Equal(t, []byte("value"), data)
}

func testPrepareForCache(t *testing.T, newEngine func() interfaces.Engine) {
	engine := initEngine(t, newEngine, nil)
	inst, _ := instantiate(t, engine, 1_000_000)
	defer inst.Close()

	for expected := int32(1); expected <= 2; expected++ {
		result, err := inst.Call("bump")
		assert.NoError(t, err)
		assert.Equal(t, []interface{}{expected}, result)
	}

	assert.NoError(t, inst.WriteMemory(100, []byte{7}))

	key, err := inst.WriteStorage([]byte("kept"))
	assert.NoError(t, err)

	assert.NoError(t, inst.PrepareForCache())

	assert.Equal(t, uint64(0), inst.UsedGas())

	b, err := inst.ReadByte(100)
	assert.NoError(t, err)
	assert.Equal(t, byte(0), b)

	size, err := inst.RequestStorage(key)
	assert.NoError(t, err)
	assert.Equal(t, uint32(4), size)

	result, err := inst.Call("bump")
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(1)}, result)
}

func testClone(t *testing.T, newEngine func() interfaces.Engine) {
	engine := initEngine(t, newEngine, nil)
	inst, _ := instantiate(t, engine, 1_000_000)
	defer inst.Close()

	_, err := inst.Call("bump")
	assert.NoError(t, err)

	key, err := inst.WriteStorage([]byte("shared"))
	assert.NoError(t, err)

	host := &recordingHost{}

	clone, err := inst.Clone(host)
	assert.NoError(t, err)

	host.inst = clone

	result, err := clone.Call("bump")
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(1)}, result)

	size, err := clone.RequestStorage(key)
	assert.NoError(t, err)
	assert.Equal(t, uint32(6), size)

	_, err = clone.Call("log", writeBuffer(t, clone, []byte("from clone")))
	assert.NoError(t, err)
	assert.Equal(t, []string{"from clone"}, host.logs)

	clone.Close()

	result, err = inst.Call("bump")
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(2)}, result)

	unbound, err := inst.Clone(nil)
	assert.NoError(t, err)
	defer unbound.Close()

	_, err = unbound.Call("log", writeBuffer(t, unbound, []byte("nobody listens")))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func testSnapshot(t *testing.T, newEngine func() interfaces.Engine) {
	engine := initEngine(t, newEngine, nil)
	inst, _ := instantiate(t, engine, 1_000_000)
	defer inst.Close()

	snap, err := inst.Serialize()
	assert.NoError(t, err)

	name, err := engines.SnapshotEngine(snap)
	assert.NoError(t, err)
	assert.Equal(t, engine.Name(), name)

	restored, err := engine.InstantiateModule(interfaces.Source{Snapshot: snap}, 1_000, nil)
	assert.NoError(t, err)
	defer restored.Close()

	result, err := restored.Call("add", 20, 22)
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(42)}, result)
	assert.Equal(t, uint64(1_000), restored.MaxGas())

	foreign, err := engines.EncodeSnapshot("other", []byte("payload"))
	assert.NoError(t, err)

	_, err = engine.InstantiateModule(interfaces.Source{Snapshot: foreign}, 1_000, nil)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func testModulesCache(t *testing.T, newEngine func() interfaces.Engine) {
	engine := newEngine()

	_, err := engine.PrePopulateCache(t.TempDir())
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	cache := gcache.New(4).LRU().Build()
	engine = initEngine(t, newEngine, cache)

	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "fixture.wasm"), Fixture(t), 0o600))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	count, err := engine.PrePopulateCache(dir)
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, cache.Has(engines.CodeHash(Fixture(t))))

	inst, _ := instantiate(t, engine, 1_000)
	defer inst.Close()

	result, err := inst.Call("add", 1, 2)
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{int32(3)}, result)
	assert.Equal(t, 1, cache.Len(false))

	assert.NoError(t, os.WriteFile(filepath.Join(dir, "broken.wasm"), []byte("broken"), 0o600))

	_, err = engine.PrePopulateCache(dir)
	assert.Error(t, err)
}

func testCachedContractCall(t *testing.T, newEngine func() interfaces.Engine) {
	engine := initEngine(t, newEngine, nil)

	schedule := gas.DefaultSchedule()
	env := runner.NewEnvironment(hclog.Default(), &external.Functions{CallOtherContract: refusedCall{}}, runner.NewInstanceCache(hclog.Default()), schedule)

	callee, err := engine.InstantiateModule(interfaces.Source{Bytecode: Fixture(t)}, 1_000_000, nil)
	assert.NoError(t, err)
	assert.NoError(t, env.Cache.Write([]byte("callee"), callee))

	ctx := env.NewContext(context.Background(), []byte("caller"), runner.Mainnet)
	defer ctx.Close()

	caller, err := engine.InstantiateModule(interfaces.Source{Bytecode: Fixture(t)}, 1_000_000, ctx)
	assert.NoError(t, err)

	ctx.Bind(caller)

	result, err := caller.Call("forward", writeBuffer(t, caller, []byte("callee")), writeBuffer(t, caller, []byte("ping")))
	assert.NoError(t, err)
	assert.Len(t, result, 1)

	payload, err := caller.ReadArrayBuffer(uint32(result[0].(int32)))
	assert.NoError(t, err)
	assert.Equal(t, []byte("ping"), payload)
	assert.GreaterOrEqual(t, caller.UsedGas(), schedule.Call)

	_, err = caller.Call("forward", writeBuffer(t, caller, []byte("stranger")), writeBuffer(t, caller, []byte("ping")))
	assert.ErrorIs(t, err, errdefs.ErrDispatch)

	env.Cache.Clear()
}
