package runner

import (
	"encoding/hex"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/external"
	"github.com/contractvm/wasm-engine/wasm/gas"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

var _ interfaces.HostBindings = (*Context)(nil)

// Call runs the contract at the address buffer with the calldata buffer.
// A cached instance of the target is preferred; otherwise the host runs it.
// Gas spent by the callee is charged to the caller.
func (c *Context) Call(addressPtr, calldataPtr uint32) (uint32, error) {
	inst, err := c.Instance()
	if err != nil {
		return 0, err
	}

	if err := c.charge(inst, c.env.Schedule.Call); err != nil {
		return 0, err
	}

	address, err := inst.ReadArrayBuffer(addressPtr)
	if err != nil {
		return 0, errors.Wrap(err, "unable to read call address")
	}

	calldata, err := inst.ReadArrayBuffer(calldataPtr)
	if err != nil {
		return 0, errors.Wrap(err, "unable to read calldata")
	}

	cost, payload, callErr := c.callContract(inst, address, calldata)
	if callErr != nil {
		inst.Gas().UseGas(cost)

		return 0, callErr
	}

	ptr, err := c.deliver(inst, payload)
	if err != nil {
		return 0, err
	}

	if err := c.charge(inst, cost); err != nil {
		return 0, err
	}

	return ptr, nil
}

func (c *Context) callContract(inst interfaces.ModuleInstance, address, calldata []byte) (uint64, []byte, error) {
	if c.depth >= c.env.MaxCallDepth {
		return 0, nil, errdefs.NewTrap("call depth %d exceeded", c.env.MaxCallDepth)
	}

	budget := inst.Gas().Remaining()

	child := c.child(address)
	defer child.Close()

	callee, err := c.env.Cache.Read(address, child)

	switch {
	case err == nil:
		c.logger.Trace("calling cached contract", "target", hex.EncodeToString(address), "budget", budget)

		child.Bind(callee)

		return child.Invoke(budget, calldata)
	case errors.Is(err, errdefs.ErrNotFound):
		c.logger.Trace("dispatching contract call", "target", hex.EncodeToString(address), "budget", budget)

		result, err := c.execute(external.CallOtherContract, external.EncodeCallRequest(external.CallRequest{
			GasLimit: budget,
			Address:  address,
			Calldata: calldata,
		}))
		if err != nil {
			return external.SpentGas(err), nil, err
		}

		return external.SplitResult(result)
	default:
		return 0, nil, err
	}
}

// RequestLoad fetches the value of the key buffer from the host, stages it
// in storage memory and returns its size. Load copies it out afterwards.
func (c *Context) RequestLoad(keyPtr uint32) (uint32, error) {
	inst, key, err := c.input(keyPtr)
	if err != nil {
		return 0, err
	}

	value, err := c.dispatch(inst, external.StorageLoad, c.env.Schedule.StorageLoad, key)
	if err != nil {
		return 0, err
	}

	storageKey, err := inst.WriteStorage(value)
	if err != nil {
		return 0, errors.Wrap(err, "unable to stage storage value")
	}

	c.staged[string(key)] = storageKey

	return inst.RequestStorage(storageKey)
}

// Load copies a value staged by RequestLoad into guest memory at dest.
func (c *Context) Load(keyPtr, dest uint32) error {
	inst, key, err := c.input(keyPtr)
	if err != nil {
		return err
	}

	storageKey, ok := c.staged[string(key)]
	if !ok {
		return errors.Wrapf(errdefs.ErrNotFound, "storage key %x was not requested", key)
	}

	return inst.LoadFromStorage(storageKey, dest)
}

// StorageLoad returns a buffer holding the value of the key buffer.
func (c *Context) StorageLoad(keyPtr uint32) (uint32, error) {
	return c.roundTrip(keyPtr, external.StorageLoad, c.env.Schedule.StorageLoad)
}

func (c *Context) StorageStore(dataPtr uint32) (uint32, error) {
	return c.roundTrip(dataPtr, external.StorageStore, c.env.Schedule.StorageStore)
}

func (c *Context) DeployFromAddress(dataPtr uint32) (uint32, error) {
	return c.roundTrip(dataPtr, external.DeployFromAddress, c.env.Schedule.Deploy)
}

func (c *Context) EncodeAddress(dataPtr uint32) (uint32, error) {
	return c.roundTrip(dataPtr, external.EncodeAddress, c.env.Schedule.EncodeAddress)
}

// ConsoleLog forwards the buffer to the host without waiting.
func (c *Context) ConsoleLog(dataPtr uint32) error {
	inst, data, err := c.input(dataPtr)
	if err != nil {
		return err
	}

	if err := c.charge(inst, c.env.Schedule.Log); err != nil {
		return err
	}

	_, err = c.execute(external.ConsoleLog, data)

	return err
}

// Abort records the guest's reason for stopping and traps. Only the first
// abort of an attempt is kept. The report is recorded even when its cost
// exhausts the budget.
func (c *Context) Abort(messagePtr, filePtr, line, column uint32) error {
	inst, err := c.Instance()
	if err != nil {
		return err
	}

	chargeErr := c.charge(inst, c.env.Schedule.Abort)

	data := AbortData{Line: line, Column: column}

	if data.Message, err = readString(inst, messagePtr); err != nil {
		data.Message = "<unreadable message>"
	}

	if data.File, err = readString(inst, filePtr); err != nil {
		data.File = "<unreadable file>"
	}

	if c.abort == nil {
		c.abort = &data
	}

	c.logger.Debug("guest aborted", "message", data.Message, "file", data.File, "line", line, "column", column)

	if chargeErr != nil {
		return chargeErr
	}

	return &errdefs.TrapError{Abort: true, Message: data.String()}
}

// roundTrip reads the input buffer, runs kind on the host and writes the
// payload back as a new buffer.
func (c *Context) roundTrip(dataPtr uint32, kind external.Kind, fixedCost uint64) (uint32, error) {
	inst, data, err := c.input(dataPtr)
	if err != nil {
		return 0, err
	}

	payload, err := c.dispatch(inst, kind, fixedCost, data)
	if err != nil {
		return 0, err
	}

	return c.deliver(inst, payload)
}

func (c *Context) input(ptr uint32) (interfaces.ModuleInstance, []byte, error) {
	inst, err := c.Instance()
	if err != nil {
		return nil, nil, err
	}

	data, err := inst.ReadArrayBuffer(ptr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to read host function input")
	}

	return inst, data, nil
}

// dispatch charges fixedCost, runs kind on the host and charges the cost
// the host reported.
func (c *Context) dispatch(inst interfaces.ModuleInstance, kind external.Kind, fixedCost uint64, data []byte) ([]byte, error) {
	if err := c.charge(inst, fixedCost); err != nil {
		return nil, err
	}

	result, err := c.execute(kind, data)
	if err != nil {
		return nil, err
	}

	cost, payload, err := external.SplitResult(result)
	if err != nil {
		return nil, err
	}

	if err := c.charge(inst, cost); err != nil {
		return nil, err
	}

	return payload, nil
}

func (c *Context) execute(kind external.Kind, data []byte) ([]byte, error) {
	fn, err := c.env.Functions.Get(kind)
	if err != nil {
		return nil, err
	}

	result, err := fn.Execute(c.ctx, external.Caller{ContractID: c.ID, Network: c.Network.String()}, data)
	if err != nil {
		c.logger.Debug("external function failed", "kind", kind, "error", hclog.Fmt("%+v", err))

		return nil, external.DispatchFailure(kind, err)
	}

	return result, nil
}

func (c *Context) deliver(inst interfaces.ModuleInstance, payload []byte) (uint32, error) {
	ptr, err := inst.WriteBuffer(payload, ResultBufferID, 0)
	if err != nil {
		return 0, errors.Wrap(err, "unable to write result buffer")
	}

	return ptr, nil
}

// charge debits cost and traps once nothing is left.
func (c *Context) charge(inst interfaces.ModuleInstance, cost uint64) error {
	meter := inst.Gas()
	meter.UseGas(cost)

	if gas.Exhausted(meter) {
		return errdefs.OutOfGas()
	}

	return nil
}
