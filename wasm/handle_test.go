package wasm

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/plugins/drivers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/contractvm/wasm-engine/wasm/manager"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

var (
	IOBufValidSize int32 = 20

	IOBufValidInput = "this is normal input"

	failedFuncCallErr = errors.New("function call failed")
	failedGetMemErr   = errors.New("failed to get memory range")
	failedWriteErr    = errors.New("failed to write buffer")
)

// mockContract keeps buffers in a map keyed by pointer. Its
// workingMainFunc echoes the buffer passed as first argument.
type mockContract struct {
	buffers  map[uint32][]byte
	next     uint32
	writeErr error
	abort    *runner.AbortData
	args     [][]int32
}

func (c *mockContract) ID() uint64 {
	return 1
}

func (c *mockContract) store(data []byte) uint32 {
	if c.buffers == nil {
		c.buffers = make(map[uint32][]byte)
	}

	c.next += 64
	c.buffers[c.next] = append([]byte(nil), data...)

	return c.next
}

func (c *mockContract) Call(_ context.Context, function string, params ...int32) (manager.CallResponse, error) {
	c.args = append(c.args, params)

	switch function {
	case "failed":
		return manager.CallResponse{GasUsed: 5}, failedFuncCallErr
	case "failedMemoryGet":
		return manager.CallResponse{Result: []interface{}{int32(-1)}, GasUsed: 5}, nil
	case "unsuccessWASMExecution":
		return manager.CallResponse{Result: []interface{}{int32(0)}, GasUsed: 5}, nil
	case "workingMainFunc":
		if len(params) == 0 {
			return manager.CallResponse{Result: []interface{}{IOBufValidSize}, GasUsed: 42}, nil
		}

		ptr := c.store(append([]byte("echo: "), c.buffers[uint32(params[0])]...))

		return manager.CallResponse{Result: []interface{}{int32(ptr)}, GasUsed: 42}, nil
	default:
		return manager.CallResponse{}, unexpectedFuncNameErr
	}
}

func (c *mockContract) WriteBuffer(data []byte, _ int32, _ uint32) (uint32, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}

	return c.store(data), nil
}

func (c *mockContract) ReadArrayBuffer(ptr uint32) ([]byte, error) {
	data, ok := c.buffers[ptr]
	if !ok {
		return nil, failedGetMemErr
	}

	return data, nil
}

func (c *mockContract) AbortData() (runner.AbortData, bool) {
	if c.abort == nil {
		return runner.AbortData{}, false
	}

	return *c.abort, true
}

func stdoutFile(t *testing.T) string {
	t.Helper()

	stdOutFile, err := os.CreateTemp(t.TempDir(), "stdOutPath")
	if err != nil {
		t.Fatal("unable to create std out file for test")
	}
	stdOutFile.Close()

	return stdOutFile.Name()
}

func TestRun(t *testing.T) {
	tCases := []struct {
		name              string
		tHandle           *taskHandle
		expectedErrMsg    string
		expectedTaskState drivers.TaskState
		expectedOutput    *taskOutput
	}{
		{
			name: "input is more than IO buffer size",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{},
				ioBufferConf: IOBufferConfig{
					Enabled:    true,
					Size:       1,
					InputValue: "more than one byte",
				},
			},
			expectedErrMsg:    "input must be less than or equal to 1 bytes to fit IO buffer",
			expectedTaskState: drivers.TaskStateUnknown,
		},
		{
			name: "failed to write IO buffer",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{writeErr: failedWriteErr},
				ioBufferConf: IOBufferConfig{
					Enabled:    true,
					Size:       IOBufValidSize,
					InputValue: IOBufValidInput,
				},
				mainFunc: Main{
					MainFuncName: "workingMainFunc",
				},
			},
			expectedErrMsg:    "unable to write IO buffer: failed to write buffer",
			expectedTaskState: drivers.TaskStateUnknown,
		},
		{
			name: "failed to get memory",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{},
				ioBufferConf: IOBufferConfig{
					Enabled:    true,
					Size:       IOBufValidSize,
					InputValue: IOBufValidInput,
				},
				mainFunc: Main{
					MainFuncName: "failedMemoryGet",
				},
			},
			expectedErrMsg:    "unable to read result buffer: failed to get memory range",
			expectedTaskState: drivers.TaskStateUnknown,
		},
		{
			name: "failed to call MainFunc",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{},
				ioBufferConf: IOBufferConfig{
					Enabled: false,
				},
				mainFunc: Main{
					MainFuncName: "failed",
				},
			},
			expectedErrMsg:    "failed to call failed: function call failed",
			expectedTaskState: drivers.TaskStateUnknown,
		},
		{
			name: "aborted MainFunc",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract: &mockContract{
					abort: &runner.AbortData{Message: "overflow", File: "counter.ts", Line: 3, Column: 9},
				},
				mainFunc: Main{
					MainFuncName: "failed",
				},
			},
			expectedErrMsg:    "failed to call failed: function call failed",
			expectedTaskState: drivers.TaskStateUnknown,
		},
		{
			name: "empty result pointer",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{},
				ioBufferConf: IOBufferConfig{
					Enabled:    true,
					Size:       IOBufValidSize,
					InputValue: IOBufValidInput,
				},
				mainFunc: Main{
					MainFuncName: "unsuccessWASMExecution",
				},
			},
			expectedErrMsg:    "unsuccessful WASM call",
			expectedTaskState: drivers.TaskStateUnknown,
		},
		{
			name: "unable to open writer",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{},
				taskConfig: &drivers.TaskConfig{
					StdoutPath: "nonExistingFile",
				},
				ioBufferConf: IOBufferConfig{
					Enabled:    true,
					Size:       IOBufValidSize,
					InputValue: IOBufValidInput,
				},
				mainFunc: Main{
					MainFuncName: "workingMainFunc",
				},
			},
			expectedErrMsg:    "open nonExistingFile: no such file or directory",
			expectedTaskState: drivers.TaskStateUnknown,
		},
		{
			name: "successful run with buffer",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{},
				taskConfig: &drivers.TaskConfig{
					StdoutPath: stdoutFile(t),
				},
				ioBufferConf: IOBufferConfig{
					Enabled:    true,
					Size:       IOBufValidSize,
					InputValue: IOBufValidInput,
				},
				mainFunc: Main{
					MainFuncName: "workingMainFunc",
					Args:         []int32{7},
				},
			},
			expectedTaskState: drivers.TaskStateExited,
			expectedOutput: &taskOutput{
				Result:  []interface{}{float64(128)},
				GasUsed: 42,
				Output:  "echo: " + IOBufValidInput,
			},
		},
		{
			name: "successful run without buffer",
			tHandle: &taskHandle{
				logger:       hclog.Default(),
				completionCh: make(chan struct{}),
				contract:     &mockContract{},
				taskConfig: &drivers.TaskConfig{
					StdoutPath: stdoutFile(t),
				},
				ioBufferConf: IOBufferConfig{
					Enabled: false,
				},
				mainFunc: Main{
					MainFuncName: "workingMainFunc",
				},
			},
			expectedTaskState: drivers.TaskStateExited,
			expectedOutput: &taskOutput{
				Result:  []interface{}{float64(IOBufValidSize)},
				GasUsed: 42,
			},
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			released := false
			tCase.tHandle.release = func() {
				released = true
			}

			tCase.tHandle.run()

			if tCase.expectedErrMsg == "" {
				assert.Nil(t, tCase.tHandle.exitResult.Err)
			} else {
				assert.Equal(t, tCase.expectedErrMsg, tCase.tHandle.exitResult.Err.Error())
			}

			assert.Equal(t, tCase.expectedTaskState, tCase.tHandle.procState)
			assert.True(t, released)

			_, open := <-tCase.tHandle.completionCh
			assert.False(t, open)

			if tCase.expectedOutput != nil {
				data, err := os.ReadFile(tCase.tHandle.taskConfig.StdoutPath)
				assert.NoError(t, err)

				var out taskOutput
				assert.NoError(t, json.Unmarshal(data, &out))
				assert.Equal(t, *tCase.expectedOutput, out)
			}
		})
	}
}

func TestRunPassesInputPointer(t *testing.T) {
	contract := &mockContract{}

	h := &taskHandle{
		logger:       hclog.Default(),
		completionCh: make(chan struct{}),
		contract:     contract,
		taskConfig: &drivers.TaskConfig{
			StdoutPath: stdoutFile(t),
		},
		ioBufferConf: IOBufferConfig{
			Enabled:    true,
			Size:       IOBufValidSize,
			InputValue: IOBufValidInput,
		},
		mainFunc: Main{
			MainFuncName: "workingMainFunc",
			Args:         []int32{7, 8},
		},
	}

	h.run()

	assert.Equal(t, [][]int32{{64, 7, 8}}, contract.args)
	assert.Equal(t, []byte(IOBufValidInput), contract.buffers[64])
}

func TestResultPointer(t *testing.T) {
	tCases := []struct {
		name        string
		result      []interface{}
		expectedPtr uint32
		expectedOk  bool
	}{
		{name: "no result"},
		{name: "null pointer", result: []interface{}{int32(0)}},
		{name: "not a pointer", result: []interface{}{int64(8)}},
		{name: "pointer", result: []interface{}{int32(8)}, expectedPtr: 8, expectedOk: true},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			ptr, ok := resultPointer(tCase.result)

			assert.Equal(t, tCase.expectedPtr, ptr)
			assert.Equal(t, tCase.expectedOk, ok)
		})
	}
}
