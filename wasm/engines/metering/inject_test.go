package metering

import (
	"context"
	"testing"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

func init() {
	hclog.Default().SetLevel(hclog.Debug)
}

var testCosts = Costs{Instruction: 1, FunctionCall: 10}

const sumWAT = `
(module
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add)

  (func (export "sum") (param $n i32) (result i32) (local $acc i32)
    (block $done
      (loop $next
        local.get $n
        i32.eqz
        br_if $done
        local.get $acc
        local.get $n
        i32.add
        local.set $acc
        local.get $n
        i32.const 1
        i32.sub
        local.set $n
        br $next))
    local.get $acc)

  (func (export "burn")
    (loop $again
      br $again)))
`

func assemble(t *testing.T, wat string) []byte {
	t.Helper()

	bytecode, err := wasmtime.Wat2Wasm(wat)
	require.NoError(t, err)

	return bytecode
}

// instantiateMetered runs the injected module on a plain wazero runtime
// with budget gas.
func instantiateMetered(t *testing.T, wat string, budget uint64) (api.Module, api.MutableGlobal) {
	t.Helper()

	metered, err := Inject(assemble(t, wat), testCosts)
	require.NoError(t, err)

	ctx := context.Background()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	t.Cleanup(func() { _ = runtime.Close(ctx) })

	module, err := runtime.Instantiate(ctx, metered)
	require.NoError(t, err)

	global, ok := module.ExportedGlobal(GasGlobal).(api.MutableGlobal)
	require.True(t, ok)
	assert.Equal(t, uint64(0), global.Get())

	global.Set(budget)

	return module, global
}

func TestInject(t *testing.T) {
	tCases := []struct {
		name              string
		function          string
		params            []uint64
		budget            uint64
		expectedResult    []uint64
		expectedRemaining uint64
		expectedErr       bool
	}{
		{
			name:              "straight line code",
			function:          "add",
			params:            []uint64{2, 3},
			budget:            100,
			expectedResult:    []uint64{5},
			expectedRemaining: 86,
		},
		{
			name:              "loop charged per iteration",
			function:          "sum",
			params:            []uint64{10},
			budget:            1_000,
			expectedResult:    []uint64{55},
			expectedRemaining: 1_000 - 137,
		},
		{
			name:        "loop runs out of gas",
			function:    "sum",
			params:      []uint64{10},
			budget:      50,
			expectedErr: true,
		},
		{
			name:        "loop without calls runs out of gas",
			function:    "burn",
			budget:      100_000,
			expectedErr: true,
		},
		{
			name:        "entry exceeds the budget",
			function:    "add",
			params:      []uint64{2, 3},
			budget:      13,
			expectedErr: true,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			module, global := instantiateMetered(t, sumWAT, tCase.budget)

			result, err := module.ExportedFunction(tCase.function).Call(context.Background(), tCase.params...)
			if tCase.expectedErr {
				assert.Error(t, err)
				assert.Equal(t, uint64(0), global.Get())

				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tCase.expectedResult, result)
			assert.Equal(t, tCase.expectedRemaining, global.Get())
		})
	}
}

func TestInjectRelocatesStart(t *testing.T) {
	wat := `
(module
  (global $value (mut i32) (i32.const 0))
  (func $init
    i32.const 7
    global.set $value)
  (start $init)
  (func (export "get") (result i32)
    global.get $value))
`

	metered, err := Inject(assemble(t, wat), testCosts)
	require.NoError(t, err)

	m, err := parse(metered)
	require.NoError(t, err)
	assert.Nil(t, m.start)
	assert.Contains(t, m.exports, StartExport)

	module, _ := instantiateMetered(t, wat, 1_000)

	result, err := module.ExportedFunction("get").Call(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []uint64{0}, result)

	_, err = module.ExportedFunction(StartExport).Call(context.Background())
	assert.NoError(t, err)

	result, err = module.ExportedFunction("get").Call(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []uint64{7}, result)
}

func TestInjectShiftsIndices(t *testing.T) {
	wat := `
(module
  (import "env" "notify" (func $notify (param i32)))
  (import "env" "base" (global $base i32))
  (global $count (mut i32) (i32.const 0))
  (memory (export "memory") 1)
  (func (export "run") (param i32) (result i32)
    local.get 0
    call $notify
    global.get $count
    global.get $base
    i32.add))
`

	metered, err := Inject(assemble(t, wat), testCosts)
	require.NoError(t, err)

	ctx := context.Background()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer func() { _ = runtime.Close(ctx) }()

	compiled, err := runtime.CompileModule(ctx, metered)
	require.NoError(t, err)

	assert.Contains(t, compiled.ExportedFunctions(), "run")

	m, err := parse(metered)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.importedFuncs)
	assert.Equal(t, uint32(1), m.importedGlobals)
	assert.Contains(t, m.exports, GasGlobal)
}

func TestInjectEmptyModule(t *testing.T) {
	metered, err := Inject(assemble(t, `(module)`), testCosts)
	require.NoError(t, err)

	ctx := context.Background()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer func() { _ = runtime.Close(ctx) }()

	module, err := runtime.Instantiate(ctx, metered)
	require.NoError(t, err)
	assert.NotNil(t, module.ExportedGlobal(GasGlobal))
}

func TestInjectErrors(t *testing.T) {
	tCases := []struct {
		name     string
		bytecode func(t *testing.T) []byte
	}{
		{
			name: "not a module",
			bytecode: func(*testing.T) []byte {
				return []byte("not wasm")
			},
		},
		{
			name: "truncated section",
			bytecode: func(t *testing.T) []byte {
				bytecode := assemble(t, sumWAT)

				return bytecode[:len(bytecode)-3]
			},
		},
		{
			name: "gas global already exported",
			bytecode: func(t *testing.T) []byte {
				return assemble(t, `(module (global (export "contractvm_gas") i64 (i64.const 0)))`)
			},
		},
		{
			name: "vector instructions",
			bytecode: func(t *testing.T) []byte {
				return assemble(t, `(module (func (export "v") (result v128) v128.const i64x2 0 0))`)
			},
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			_, err := Inject(tCase.bytecode(t), testCosts)
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestLimitMemory(t *testing.T) {
	tCases := []struct {
		name        string
		wat         string
		expectedMax uint32
		expectedErr error
	}{
		{
			name:        "unbounded memory gets the cap",
			wat:         `(module (memory (export "memory") 1))`,
			expectedMax: 4,
		},
		{
			name:        "smaller maximum is kept",
			wat:         `(module (memory (export "memory") 1 2))`,
			expectedMax: 2,
		},
		{
			name:        "larger maximum is lowered",
			wat:         `(module (memory (export "memory") 1 10))`,
			expectedMax: 4,
		},
		{
			name:        "initial size over the cap",
			wat:         `(module (memory (export "memory") 5))`,
			expectedErr: errdefs.ErrCapacity,
		},
	}

	ctx := context.Background()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer func() { _ = runtime.Close(ctx) }()

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			limited, err := LimitMemory(assemble(t, tCase.wat), 4)
			if tCase.expectedErr != nil {
				assert.ErrorIs(t, err, tCase.expectedErr)

				return
			}

			require.NoError(t, err)

			compiled, err := runtime.CompileModule(ctx, limited)
			require.NoError(t, err)

			maximum, ok := compiled.ExportedMemories()["memory"].Max()
			assert.True(t, ok)
			assert.Equal(t, tCase.expectedMax, maximum)
		})
	}

	bytecode := assemble(t, `(module (func (export "f")))`)

	limited, err := LimitMemory(bytecode, 4)
	assert.NoError(t, err)
	assert.Equal(t, bytecode, limited)
}
