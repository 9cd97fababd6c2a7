package engines

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/gas"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
	"github.com/contractvm/wasm-engine/wasm/memory"
)

func newBaseInstance(limit uint64) *BaseInstance {
	return &BaseInstance{
		Memory:  memory.Region{Memory: memory.NewSlice(1), Name: interfaces.PrimaryMemory, Max: 2 * memory.PageSize},
		Storage: memory.Region{Memory: memory.NewSlice(1), Name: interfaces.StorageMemory, Max: 2 * memory.PageSize},
		Meter:   gas.NewCounter(limit),
		Limit:   limit,
	}
}

func TestBaseInstanceStorage(t *testing.T) {
	inst := newBaseInstance(100)

	key, err := inst.WriteStorage([]byte("value"))
	assert.NoError(t, err)

	size, err := inst.RequestStorage(key)
	assert.NoError(t, err)
	assert.Equal(t, uint32(5), size)

	assert.NoError(t, inst.LoadFromStorage(key, 64))

	data, err := inst.ReadMemory(64, 5)
	assert.NoError(t, err)
	assert.Equal(t, []byte("value"), data)

	first, err := inst.ReadByte(64)
	assert.NoError(t, err)
	assert.Equal(t, byte('v'), first)

	assert.Equal(t, memory.PageSize, inst.Memory.Size())

	_, err = inst.RequestStorage(2)
	assert.ErrorIs(t, err, errdefs.ErrMemoryAccess)
}

func TestBaseInstanceGrowFor(t *testing.T) {
	tCases := []struct {
		name        string
		memoryName  string
		additional  uint64
		expectedErr error
	}{
		{
			name:       "grow primary memory",
			memoryName: interfaces.PrimaryMemory,
			additional: 10,
		},
		{
			name:       "grow storage memory",
			memoryName: interfaces.StorageMemory,
			additional: memory.PageSize,
		},
		{
			name:        "grow beyond the cap",
			memoryName:  interfaces.PrimaryMemory,
			additional:  memory.PageSize + 1,
			expectedErr: errdefs.ErrCapacity,
		},
		{
			name:        "unknown memory",
			memoryName:  "scratch",
			expectedErr: errdefs.ErrNotFound,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			inst := newBaseInstance(100)

			start, err := inst.GrowFor(tCase.additional, tCase.memoryName)

			if tCase.expectedErr == nil {
				assert.NoError(t, err)
				assert.Equal(t, memory.PageSize, start)
			} else {
				assert.ErrorIs(t, err, tCase.expectedErr)
			}
		})
	}
}

func TestBaseInstanceGas(t *testing.T) {
	inst := newBaseInstance(1000)

	inst.Gas().UseGas(300)
	assert.Equal(t, uint64(300), inst.UsedGas())
	assert.Equal(t, uint64(1000), inst.MaxGas())

	inst.SetUsedGas(900)
	assert.Equal(t, uint64(100), inst.Gas().Remaining())
}

func TestTrapFrom(t *testing.T) {
	hostTrap := &errdefs.TrapError{Abort: true, Message: "bad input at a.ts:1:1"}

	tCases := []struct {
		name             string
		callErr          error
		hostErr          error
		exhausted        bool
		expectedOutOfGas bool
		expectedAbort    bool
		expectedCause    error
	}{
		{
			name:    "engine failure without host cause",
			callErr: errors.New("unreachable"),
		},
		{
			name:             "engine failure after gas ran out",
			callErr:          errors.New("all fuel consumed"),
			exhausted:        true,
			expectedOutOfGas: true,
		},
		{
			name:          "host trap preferred",
			callErr:       errors.New("wasm trap"),
			hostErr:       hostTrap,
			expectedAbort: true,
		},
		{
			name:          "host error wrapped",
			callErr:       errors.New("wasm trap"),
			hostErr:       errors.Wrap(errdefs.ErrDispatch, "storage_load"),
			expectedCause: errdefs.ErrDispatch,
		},
		{
			name:             "trap carried by call error",
			callErr:          errors.Wrap(errdefs.OutOfGas(), "host function"),
			hostErr:          errors.New("ignored"),
			expectedOutOfGas: true,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			inst := newBaseInstance(10)
			if tCase.exhausted {
				inst.Gas().UseGas(10)
			}

			if tCase.hostErr != nil {
				inst.RecordHostError(tCase.hostErr)
			}

			err := inst.TrapFrom(tCase.callErr)

			trap, ok := errdefs.AsTrap(err)
			assert.True(t, ok)
			assert.ErrorIs(t, err, errdefs.ErrTrap)
			assert.Equal(t, tCase.expectedOutOfGas, trap.OutOfGas)
			assert.Equal(t, tCase.expectedAbort, trap.Abort)

			if tCase.expectedCause != nil {
				assert.ErrorIs(t, err, tCase.expectedCause)
			}

			again, _ := errdefs.AsTrap(inst.TrapFrom(errors.New("next call")))
			assert.False(t, again.Abort)
		})
	}
}

func TestUnboundHost(t *testing.T) {
	var host interfaces.HostBindings = UnboundHost{}

	_, err := host.Call(8, 16)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.ErrorIs(t, host.ConsoleLog(8), errdefs.ErrConfiguration)
	assert.ErrorIs(t, host.Abort(0, 0, 1, 1), errdefs.ErrConfiguration)
}
