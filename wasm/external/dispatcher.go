package external

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

// DefaultQueueSize is the request queue length used when none is given.
const DefaultQueueSize = 64

// Caller identifies the contract invocation a request is made for.
type Caller struct {
	ContractID uint64
	// Network is the name of the network the invocation runs against,
	// empty for the host's default.
	Network string
}

func (c Caller) request(kind Kind, data []byte) *Request {
	return &Request{Kind: kind, ContractID: c.ContractID, Network: c.Network, Data: data}
}

// Request is one capability invocation queued for the host.
type Request struct {
	Kind       Kind
	ContractID uint64
	Network    string
	Data       []byte

	ctx   context.Context
	reply chan reply
}

// Context returns the context of the invocation that queued the request.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}

	return r.ctx
}

type reply struct {
	data []byte
	err  error
}

// Handler is implemented by the hosting application.
type Handler interface {
	Handle(ctx context.Context, req *Request) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// Dispatcher hands requests to the host through a queue. Each request is
// served on its own goroutine, so a handler may itself run contracts that
// dispatch again. Callers of Submit block until their one-shot reply arrives.
type Dispatcher struct {
	logger  hclog.Logger
	handler Handler
	queue   chan *Request

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(logger hclog.Logger, handler Handler, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Dispatcher{
		logger:  logger.Named("dispatcher"),
		handler: handler,
		queue:   make(chan *Request, queueSize),
		done:    make(chan struct{}),
	}
}

// Start runs the queue pump until ctx ends or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.wg.Add(1)

		go d.pump(ctx)
	})
}

func (d *Dispatcher) pump(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()

			return
		case <-d.done:
			return
		case req := <-d.queue:
			d.wg.Add(1)

			go d.serve(req)
		}
	}
}

func (d *Dispatcher) serve(req *Request) {
	defer d.wg.Done()

	data, err := d.handler.Handle(req.Context(), req)
	if err != nil {
		err = DispatchFailure(req.Kind, err)

		d.logger.Debug("host request failed", "kind", req.Kind, "contract", req.ContractID, "error", hclog.Fmt("%+v", err))
	}

	if req.reply != nil {
		req.reply <- reply{data: data, err: err}
	}
}

// Submit queues req and waits for the host's reply.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) ([]byte, error) {
	req.ctx = ctx
	req.reply = make(chan reply, 1)

	select {
	case d.queue <- req:
	case <-ctx.Done():
		return nil, errors.Wrapf(errdefs.ErrDispatch, "%s: %v", req.Kind, ctx.Err())
	case <-d.done:
		return nil, errors.Wrapf(errdefs.ErrDispatch, "%s: dispatcher closed", req.Kind)
	}

	d.logger.Trace("queued host request", "kind", req.Kind, "contract", req.ContractID, "bytes", len(req.Data))

	select {
	case r := <-req.reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, errors.Wrapf(errdefs.ErrDispatch, "%s: %v", req.Kind, ctx.Err())
	case <-d.done:
		return nil, errors.Wrapf(errdefs.ErrDispatch, "%s: dispatcher closed", req.Kind)
	}
}

// Notify queues req without waiting. It fails when the queue is full.
func (d *Dispatcher) Notify(ctx context.Context, req *Request) error {
	req.ctx = context.WithoutCancel(ctx)

	select {
	case <-d.done:
		return errors.Wrapf(errdefs.ErrDispatch, "%s: dispatcher closed", req.Kind)
	default:
	}

	select {
	case d.queue <- req:
		return nil
	case <-d.done:
		return errors.Wrapf(errdefs.ErrDispatch, "%s: dispatcher closed", req.Kind)
	default:
		return errors.Wrapf(errdefs.ErrDispatch, "%s: request queue full", req.Kind)
	}
}

// Close stops the pump and waits for in-flight requests.
func (d *Dispatcher) Close() {
	d.shutdown()
	d.wg.Wait()
}

func (d *Dispatcher) shutdown() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}
