// Package external delegates host function work to the hosting application.
package external

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

// Kind identifies one capability of the hosting application.
type Kind uint8

const (
	StorageLoad Kind = iota
	StorageStore
	CallOtherContract
	DeployFromAddress
	ConsoleLog
	EncodeAddress
)

var kindNames = [...]string{
	StorageLoad:       "storage_load",
	StorageStore:      "storage_store",
	CallOtherContract: "call_other_contract",
	DeployFromAddress: "deploy_from_address",
	ConsoleLog:        "console_log",
	EncodeAddress:     "encode_address",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("kind(%d)", k)
}

// ExternalFunction runs one capability for the contract identified by
// contractID. The result is cost prefixed (see SplitResult) except for
// capabilities without a payload, which return nil.
type ExternalFunction interface {
	Kind() Kind
	Execute(ctx context.Context, caller Caller, data []byte) ([]byte, error)
}

// Functions is the dispatch table handed to every execution context.
type Functions struct {
	StorageLoad       ExternalFunction
	StorageStore      ExternalFunction
	CallOtherContract ExternalFunction
	DeployFromAddress ExternalFunction
	ConsoleLog        ExternalFunction
	EncodeAddress     ExternalFunction
}

// NewFunctions routes every capability through dispatcher. Console logging
// does not wait for the host.
func NewFunctions(dispatcher *Dispatcher) *Functions {
	return &Functions{
		StorageLoad:       &hostFunction{kind: StorageLoad, dispatcher: dispatcher},
		StorageStore:      &hostFunction{kind: StorageStore, dispatcher: dispatcher},
		CallOtherContract: &hostFunction{kind: CallOtherContract, dispatcher: dispatcher},
		DeployFromAddress: &hostFunction{kind: DeployFromAddress, dispatcher: dispatcher},
		ConsoleLog:        &notifyFunction{kind: ConsoleLog, dispatcher: dispatcher},
		EncodeAddress:     &hostFunction{kind: EncodeAddress, dispatcher: dispatcher},
	}
}

// Get returns the function registered for kind.
func (f *Functions) Get(kind Kind) (ExternalFunction, error) {
	if f == nil {
		return nil, errors.Wrap(errdefs.ErrConfiguration, "no external functions configured")
	}

	var fn ExternalFunction

	switch kind {
	case StorageLoad:
		fn = f.StorageLoad
	case StorageStore:
		fn = f.StorageStore
	case CallOtherContract:
		fn = f.CallOtherContract
	case DeployFromAddress:
		fn = f.DeployFromAddress
	case ConsoleLog:
		fn = f.ConsoleLog
	case EncodeAddress:
		fn = f.EncodeAddress
	}

	if fn == nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "no external function for %s", kind)
	}

	return fn, nil
}

// hostFunction submits a request and waits for the host's reply.
type hostFunction struct {
	kind       Kind
	dispatcher *Dispatcher
}

func (f *hostFunction) Kind() Kind {
	return f.kind
}

func (f *hostFunction) Execute(ctx context.Context, caller Caller, data []byte) ([]byte, error) {
	return f.dispatcher.Submit(ctx, caller.request(f.kind, data))
}

// notifyFunction queues a request without waiting for it to be handled.
type notifyFunction struct {
	kind       Kind
	dispatcher *Dispatcher
}

func (f *notifyFunction) Kind() Kind {
	return f.kind
}

func (f *notifyFunction) Execute(ctx context.Context, caller Caller, data []byte) ([]byte, error) {
	return nil, f.dispatcher.Notify(ctx, caller.request(f.kind, data))
}
