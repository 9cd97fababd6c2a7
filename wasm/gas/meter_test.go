package gas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter(t *testing.T) {
	tCases := []struct {
		name              string
		limit             uint64
		costs             []uint64
		expectedRemaining uint64
		expectedUsed      uint64
	}{
		{
			name:              "no charges",
			limit:             100,
			expectedRemaining: 100,
		},
		{
			name:              "several charges",
			limit:             100,
			costs:             []uint64{10, 20, 30},
			expectedRemaining: 40,
			expectedUsed:      60,
		},
		{
			name:              "exact exhaustion",
			limit:             100,
			costs:             []uint64{100},
			expectedRemaining: 0,
			expectedUsed:      100,
		},
		{
			name:              "charge saturates at zero",
			limit:             100,
			costs:             []uint64{60, 60, ^uint64(0)},
			expectedRemaining: 0,
			expectedUsed:      100,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			meter := NewCounter(tCase.limit)

			for _, cost := range tCase.costs {
				before := meter.Remaining()
				meter.UseGas(cost)
				assert.LessOrEqual(t, meter.Remaining(), before)
			}

			assert.Equal(t, tCase.expectedRemaining, meter.Remaining())
			assert.Equal(t, tCase.expectedUsed, Used(meter, tCase.limit))
			assert.Equal(t, tCase.expectedRemaining == 0, Exhausted(meter))
		})
	}
}

func TestSetUsed(t *testing.T) {
	tCases := []struct {
		name              string
		used              uint64
		expectedRemaining uint64
	}{
		{
			name:              "nothing used",
			expectedRemaining: 1000,
		},
		{
			name:              "part used",
			used:              250,
			expectedRemaining: 750,
		},
		{
			name:              "more than the limit",
			used:              5000,
			expectedRemaining: 0,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			meter := NewCounter(0)

			SetUsed(meter, 1000, tCase.used)

			assert.Equal(t, tCase.expectedRemaining, meter.Remaining())
			assert.Equal(t, min(tCase.used, 1000), Used(meter, 1000))
		})
	}
}

func TestDefaultSchedule(t *testing.T) {
	schedule := DefaultSchedule()

	assert.NotZero(t, schedule.Call)
	assert.NotZero(t, schedule.FunctionCall)
	assert.NotZero(t, schedule.Instruction)
	assert.NotZero(t, schedule.Abort)
	assert.Greater(t, schedule.StorageStore, schedule.StorageLoad)
}
