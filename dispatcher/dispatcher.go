/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-proxykit/downstreamqueue"
)

// DefaultBlockTimeout determines how long a request may wait for downstream
// connection capacity before it is rejected with ErrBlockTimeout.
const DefaultBlockTimeout = time.Second * 5

// Default parameters of the downstream connection retry policy.
const (
	DefaultConnectRetryInterval    = time.Millisecond * 100
	DefaultConnectRetryMaxAttempts = 2
)

// Dispatching errors.
var (
	// ErrClosed is returned by Do after the dispatcher has been shut down.
	ErrClosed = errors.New("dispatcher is closed")

	// ErrBlockTimeout is returned by Do when a request spent its whole block
	// timeout waiting for downstream connection capacity.
	ErrBlockTimeout = errors.New("timed out waiting for downstream connection capacity")
)

// Log fields used by the dispatcher.
const (
	logFieldRequestID = "downstream_req_id"
	logFieldAuthority = "downstream_authority"
)

// ServeFunc performs the downstream exchange of a request once its connection
// slot has been granted.
type ServeFunc func(ctx context.Context) error

// ConnectFunc opens the actual downstream connection for an activated request.
type ConnectFunc func(ctx context.Context) error

// Opts represents options for the Dispatcher.
type Opts struct {
	// Logger is used for structured logging of dispatching events.
	Logger log.FieldLogger

	// MetricsCollector collects statistics of the underlying queue.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector downstreamqueue.MetricsCollector

	// BlockTimeout limits how long a request may wait for capacity.
	// DefaultBlockTimeout is used if zero.
	BlockTimeout time.Duration

	// ConnectRetryPolicy defines the backoff for downstream connection
	// attempts. A constant policy with DefaultConnectRetryInterval and
	// DefaultConnectRetryMaxAttempts is used if nil.
	ConnectRetryPolicy retry.Policy
}

// DoOpts represents per-call options for Dispatcher.DoWithOpts.
type DoOpts struct {
	// Prepare is called while the request is still pending and holds no
	// capacity (e.g. route or authority validation). A prepare failure marks
	// the request as failed and removes it from the queue.
	Prepare func(ctx context.Context) error

	// Connect opens the downstream connection once the request is active.
	// It is retried according to the dispatcher's connect retry policy.
	Connect ConnectFunc

	// BlockTimeout overrides the dispatcher's block timeout for this call.
	BlockTimeout time.Duration
}

// Dispatcher serializes access to a downstreamqueue.Queue and suspends callers
// that have to wait for per-host downstream connection capacity.
// All methods are safe for concurrent use.
type Dispatcher struct {
	logger             log.FieldLogger
	blockTimeout       time.Duration
	connectRetryPolicy retry.Policy
	closed             atomic.Bool

	mu      sync.Mutex
	queue   *downstreamqueue.Queue
	waiters map[*downstreamqueue.Request]chan struct{}
}

// New creates a new Dispatcher for the passed queue configuration.
func New(cfg *downstreamqueue.Config) *Dispatcher {
	return NewWithOpts(cfg, Opts{})
}

// NewWithOpts is a more configurable version of creating Dispatcher.
func NewWithOpts(cfg *downstreamqueue.Config, opts Opts) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	blockTimeout := opts.BlockTimeout
	if blockTimeout == 0 {
		blockTimeout = DefaultBlockTimeout
	}
	connectRetryPolicy := opts.ConnectRetryPolicy
	if connectRetryPolicy == nil {
		connectRetryPolicy = retry.NewConstantBackoffPolicy(DefaultConnectRetryInterval, DefaultConnectRetryMaxAttempts)
	}
	return &Dispatcher{
		logger:             logger,
		blockTimeout:       blockTimeout,
		connectRetryPolicy: connectRetryPolicy,
		queue: downstreamqueue.NewFromConfigWithOpts(cfg, downstreamqueue.Opts{
			MetricsCollector: opts.MetricsCollector,
		}),
		waiters: make(map[*downstreamqueue.Request]chan struct{}),
	}
}

// Do runs serve for the given destination authority under admission control:
// it waits for a free downstream connection slot of the authority's host if
// all of them are taken, and hands the freed slot to the longest-waiting
// request when serve finishes.
func (d *Dispatcher) Do(ctx context.Context, authority string, serve ServeFunc) error {
	return d.DoWithOpts(ctx, authority, serve, DoOpts{})
}

// DoWithOpts is a more configurable version of Do.
func (d *Dispatcher) DoWithOpts(ctx context.Context, authority string, serve ServeFunc, opts DoOpts) error {
	if serve == nil {
		return fmt.Errorf("serve func must not be nil")
	}

	req := downstreamqueue.NewRequest(authority)
	logger := d.logger.With(
		log.String(logFieldRequestID, xid.New().String()),
		log.String(logFieldAuthority, authority),
	)

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue.AddPending(req)
	d.mu.Unlock()

	if opts.Prepare != nil {
		if err := opts.Prepare(ctx); err != nil {
			d.mu.Lock()
			if req.DispatchState() == downstreamqueue.DispatchStatePending {
				d.queue.MarkFailure(req)
				d.queue.Remove(req)
			}
			d.mu.Unlock()
			logger.Error("downstream request preparation failed", log.Error(err))
			return fmt.Errorf("prepare downstream request: %w", err)
		}
	}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return ErrClosed
	}
	var waitCh chan struct{}
	if d.queue.CanActivate(authority) {
		d.queue.MarkActive(req)
	} else {
		waitCh = make(chan struct{})
		d.queue.MarkBlocked(req)
		d.waiters[req] = waitCh
	}
	d.mu.Unlock()

	if waitCh != nil {
		if err := d.waitPromotion(ctx, req, waitCh, opts.BlockTimeout, logger); err != nil {
			return err
		}
	}

	if opts.Connect != nil {
		start := time.Now()
		if err := retry.DoWithRetry(ctx, d.connectRetryPolicy, nil, nil, retry.RetryableFunc(opts.Connect)); err != nil {
			d.release(req)
			logger.Error("failed to connect to downstream",
				log.Error(err), log.DurationIn(time.Since(start), time.Millisecond))
			return fmt.Errorf("connect to downstream %q: %w", authority, err)
		}
	}

	serveErr := serve(ctx)
	d.release(req)
	return serveErr
}

// Len returns the number of requests currently owned by the dispatcher's
// queue, regardless of their dispatch state.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Shutdown tears down the queue: all waiting requests fail with ErrClosed,
// and subsequent Do calls are rejected with ErrClosed. Requests that already
// hold a connection slot finish serving undisturbed.
func (d *Dispatcher) Shutdown() {
	d.closed.Store(true)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.Teardown()
	for _, ch := range d.waiters {
		close(ch)
	}
	d.waiters = make(map[*downstreamqueue.Request]chan struct{})
}

// waitPromotion parks the caller until its blocked request is promoted,
// the block timeout fires, the context is canceled or the dispatcher closes.
func (d *Dispatcher) waitPromotion(
	ctx context.Context,
	req *downstreamqueue.Request,
	waitCh chan struct{},
	blockTimeout time.Duration,
	logger log.FieldLogger,
) error {
	if blockTimeout == 0 {
		blockTimeout = d.blockTimeout
	}
	blockTimeoutTimer := time.NewTimer(blockTimeout)
	defer blockTimeoutTimer.Stop()

	select {
	case <-waitCh:
	case <-blockTimeoutTimer.C:
		if d.abandonWait(req) {
			logger.Warn("timed out waiting for downstream connection capacity",
				log.DurationIn(blockTimeout, time.Millisecond))
			return ErrBlockTimeout
		}
		<-waitCh // promotion raced with the timeout, the slot is ours
	case <-ctx.Done():
		if d.abandonWait(req) {
			return ctx.Err()
		}
		<-waitCh
	}

	// The promoter activates the request before closing the channel, so any
	// other state here means the dispatcher was shut down while waiting.
	if req.DispatchState() != downstreamqueue.DispatchStateActive {
		return ErrClosed
	}
	return nil
}

// abandonWait cancels a blocked request. Its FIFO link is tombstoned in O(1)
// and discarded by a later promotion scan. Reports false if the request is no
// longer waiting (it was promoted or the dispatcher was shut down).
func (d *Dispatcher) abandonWait(req *downstreamqueue.Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.waiters[req]; !ok {
		return false
	}
	delete(d.waiters, req)
	d.queue.Remove(req)
	return true
}

// release finalizes an active request and resumes the promoted waiter, if any.
func (d *Dispatcher) release(req *downstreamqueue.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req.DispatchState() != downstreamqueue.DispatchStateActive {
		// The queue was torn down, the slot is gone already.
		return
	}
	promoted := d.queue.Remove(req)
	if promoted == nil {
		return
	}
	d.queue.MarkActive(promoted)
	if ch, ok := d.waiters[promoted]; ok {
		delete(d.waiters, promoted)
		close(ch)
	}
}
