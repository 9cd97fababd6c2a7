package external

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

// CostSize is the length of the cost prefix of a result.
const CostSize = 8

// JoinResult frames payload behind its little-endian execution cost.
func JoinResult(cost uint64, payload []byte) []byte {
	out := make([]byte, CostSize+len(payload))
	binary.LittleEndian.PutUint64(out, cost)
	copy(out[CostSize:], payload)

	return out
}

// SplitResult separates the execution cost from the payload.
func SplitResult(result []byte) (uint64, []byte, error) {
	if len(result) < CostSize {
		return 0, nil, errors.Wrapf(errdefs.ErrDispatch, "result of %d bytes has no cost prefix", len(result))
	}

	return binary.LittleEndian.Uint64(result), result[CostSize:], nil
}

// CallError is returned by a host when the contract it ran failed. Cost is
// the gas the contract spent before failing, which the caller still pays.
type CallError struct {
	Address []byte
	Cost    uint64
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("contract %x failed after %d gas: %v", e.Address, e.Cost, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// SpentGas returns the gas a failed contract call reported, zero when err
// carries no *CallError.
func SpentGas(err error) uint64 {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Cost
	}

	return 0
}

// DispatchFailure marks err as a failed request of kind. The cause stays
// reachable through errors.As.
func DispatchFailure(kind Kind, err error) error {
	if errors.Is(err, errdefs.ErrDispatch) {
		return err
	}

	return fmt.Errorf("%s: %w: %w", kind, err, errdefs.ErrDispatch)
}

// CallRequest is the payload of a CallOtherContract request.
type CallRequest struct {
	GasLimit uint64
	Address  []byte
	Calldata []byte
}

// EncodeCallRequest lays out a call as LE64(gas) || LE32(len(address)) ||
// address || calldata.
func EncodeCallRequest(call CallRequest) []byte {
	out := make([]byte, 12+len(call.Address)+len(call.Calldata))
	binary.LittleEndian.PutUint64(out, call.GasLimit)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(call.Address)))
	copy(out[12:], call.Address)
	copy(out[12+len(call.Address):], call.Calldata)

	return out
}

func DecodeCallRequest(data []byte) (CallRequest, error) {
	if len(data) < 12 {
		return CallRequest{}, errors.Wrapf(errdefs.ErrDispatch, "call request of %d bytes is truncated", len(data))
	}

	addressLen := uint64(binary.LittleEndian.Uint32(data[8:]))
	if addressLen > uint64(len(data)-12) {
		return CallRequest{}, errors.Wrapf(errdefs.ErrDispatch, "call request address of %d bytes is truncated", addressLen)
	}

	return CallRequest{
		GasLimit: binary.LittleEndian.Uint64(data),
		Address:  data[12 : 12+addressLen],
		Calldata: data[12+addressLen:],
	}, nil
}

// StoreRequest is the payload of a StorageStore request.
type StoreRequest struct {
	Key   []byte
	Value []byte
}

// DecodeStoreRequest reads LE32(len(key)) || key || value.
func DecodeStoreRequest(data []byte) (StoreRequest, error) {
	if len(data) < 4 {
		return StoreRequest{}, errors.Wrapf(errdefs.ErrDispatch, "store request of %d bytes is truncated", len(data))
	}

	keyLen := uint64(binary.LittleEndian.Uint32(data))
	if keyLen > uint64(len(data)-4) {
		return StoreRequest{}, errors.Wrapf(errdefs.ErrDispatch, "store request key of %d bytes is truncated", keyLen)
	}

	return StoreRequest{Key: data[4 : 4+keyLen], Value: data[4+keyLen:]}, nil
}

func EncodeStoreRequest(req StoreRequest) []byte {
	out := make([]byte, 4+len(req.Key)+len(req.Value))
	binary.LittleEndian.PutUint32(out, uint32(len(req.Key)))
	copy(out[4:], req.Key)
	copy(out[4+len(req.Key):], req.Value)

	return out
}
