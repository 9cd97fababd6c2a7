package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad/client/lib/fifo"
	"github.com/hashicorp/nomad/plugins/drivers"

	"github.com/contractvm/wasm-engine/wasm/buffer"
	"github.com/contractvm/wasm-engine/wasm/manager"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

// taskContract is the part of a managed contract a task drives.
type taskContract interface {
	ID() uint64
	Call(ctx context.Context, function string, params ...int32) (manager.CallResponse, error)
	WriteBuffer(data []byte, id int32, align uint32) (uint32, error)
	ReadArrayBuffer(ptr uint32) ([]byte, error)
	AbortData() (runner.AbortData, bool)
}

// taskOutput is written to the task's stdout as JSON.
type taskOutput struct {
	Result  []interface{} `json:"result"`
	GasUsed uint64        `json:"gasUsed"`
	// Output is the buffer the main function returned when the IO buffer
	// is enabled.
	Output string `json:"output,omitempty"`
}

// taskHandle should store all relevant runtime information
// such as process ID if this is a local task or other meta
// data if this driver deals with external APIs.
type taskHandle struct {
	logger hclog.Logger

	startedAt   time.Time
	completedAt time.Time
	taskConfig  *drivers.TaskConfig
	exitResult  *drivers.ExitResult
	procState   drivers.TaskState

	contract taskContract
	// release destroys the contract once the task ends.
	release      func()
	ctx          context.Context
	cancel       context.CancelFunc
	completionCh chan struct{}
	mainFunc     Main
	ioBufferConf IOBufferConfig

	// stateLock syncs access to all fields below
	stateLock sync.RWMutex
}

func (h *taskHandle) TaskStatus() *drivers.TaskStatus {
	h.stateLock.RLock()
	defer h.stateLock.RUnlock()

	return &drivers.TaskStatus{
		ID:          h.taskConfig.ID,
		Name:        h.taskConfig.Name,
		State:       h.procState,
		StartedAt:   h.startedAt,
		CompletedAt: h.completedAt,
		ExitResult:  h.exitResult,
	}
}

func (h *taskHandle) IsRunning() bool {
	h.stateLock.RLock()
	defer h.stateLock.RUnlock()

	return h.procState == drivers.TaskStateRunning
}

// stop cancels the host requests of the running call.
func (h *taskHandle) stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *taskHandle) context() context.Context {
	if h.ctx == nil {
		return context.Background()
	}

	return h.ctx
}

func (h *taskHandle) run() {
	defer close(h.completionCh)
	defer h.stop()

	if h.release != nil {
		defer h.release()
	}

	h.stateLock.Lock()
	if h.exitResult == nil {
		h.exitResult = &drivers.ExitResult{}
	}
	h.stateLock.Unlock()

	args := h.mainFunc.Args

	if h.ioBufferConf.Enabled {
		input := []byte(h.ioBufferConf.InputValue)
		if len(input) > int(h.ioBufferConf.Size) {
			h.reportError(fmt.Errorf("input must be less than or equal to %d bytes to fit IO buffer", h.ioBufferConf.Size))

			return
		}

		id := h.ioBufferConf.ID
		if id == 0 {
			id = buffer.ArrayBufferID
		}

		ptr, err := h.contract.WriteBuffer(input, id, h.ioBufferConf.Align)
		if err != nil {
			h.reportError(fmt.Errorf("unable to write IO buffer: %w", err))

			return
		}

		h.logger.Debug("copied data from task config to IO buffer", "bytes", len(input), "ptr", ptr)

		//nolint:gosec
		args = append([]int32{int32(ptr)}, args...)
	}

	resp, err := h.contract.Call(h.context(), h.mainFunc.MainFuncName, args...)
	if err != nil {
		if abort, ok := h.contract.AbortData(); ok {
			h.logger.Error("contract aborted", "message", abort.Message, "file", abort.File, "line", abort.Line, "column", abort.Column)
		}

		h.reportError(fmt.Errorf("failed to call %s: %w", h.mainFunc.MainFuncName, err))

		return
	}

	out := taskOutput{Result: resp.Result, GasUsed: resp.GasUsed}

	if h.ioBufferConf.Enabled {
		ptr, ok := resultPointer(resp.Result)
		if !ok {
			h.reportError(fmt.Errorf("unsuccessful WASM call"))

			return
		}

		data, err := h.contract.ReadArrayBuffer(ptr)
		if err != nil {
			h.reportError(fmt.Errorf("unable to read result buffer: %w", err))

			return
		}

		out.Output = string(data)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		h.reportError(err)

		return
	}

	stdio, err := fifo.OpenWriter(h.taskConfig.StdoutPath)
	if err != nil {
		h.reportError(err)

		return
	}
	defer stdio.Close()

	n, err := stdio.Write(encoded)
	if err != nil {
		h.reportError(err)

		return
	}

	h.logger.Debug("wrote data to stdout", "bytes", n, "gas_used", resp.GasUsed)

	h.reportCompletion()
}

// resultPointer returns the buffer pointer a main function returned. A
// null pointer means the call failed.
func resultPointer(result []interface{}) (uint32, bool) {
	if len(result) == 0 {
		return 0, false
	}

	ptr, ok := result[0].(int32)
	if !ok || ptr == 0 {
		return 0, false
	}

	return uint32(ptr), true
}

func (h *taskHandle) reportError(err error) {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()

	h.exitResult.Err = err
	h.procState = drivers.TaskStateUnknown
	h.completedAt = time.Now()
}

func (h *taskHandle) reportCompletion() {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()

	h.procState = drivers.TaskStateExited
	h.exitResult.ExitCode = 0
	h.exitResult.Signal = 0
	h.completedAt = time.Now()
}
