// Package registry routes commands to per-account workers. Each active
// account has exactly one goroutine that owns its aggregate and processes the
// account's mailbox in order, so commands for one account never interleave
// while different accounts proceed in parallel.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/account"
	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/observability"
)

// ErrClosed is returned for commands dispatched to, or still queued in, a
// closed registry.
var ErrClosed = errors.New("account registry is closed")

// Loader materializes an aggregate, typically by replaying its log.
type Loader func(ctx context.Context, accountID string) (*account.Aggregate, error)

// Command runs on the account's worker goroutine with exclusive access to agg.
type Command func(ctx context.Context, agg *account.Aggregate) (any, error)

const (
	stateQueued int32 = iota
	stateRunning
	stateAbandoned
)

type result struct {
	value any
	err   error
}

type request struct {
	ctx   context.Context
	cmd   Command
	state atomic.Int32
	done  chan result
}

func (r *request) reply(v any, err error) {
	r.done <- result{value: v, err: err}
}

type worker struct {
	id      string
	mailbox chan *request
	kick    chan struct{}
	// pending counts dispatches that hold a reference to this worker and have
	// not been answered yet. Guarded by Registry.mu.
	pending int
}

type Registry struct {
	load        Loader
	idleTimeout time.Duration
	mailboxSize int
	logger      *zap.Logger
	validate    func(string) error

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Registry)

// WithIdleTimeout sets how long a worker waits without commands before its
// aggregate is unloaded.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

func WithMailboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithAccountValidator(fn func(string) error) Option {
	return func(r *Registry) {
		if fn != nil {
			r.validate = fn
		}
	}
}

func New(load Loader, opts ...Option) *Registry {
	r := &Registry{
		load:        load,
		idleTimeout: 5 * time.Minute,
		mailboxSize: 64,
		logger:      zap.L(),
		validate:    domain.ValidateAccountID,
		workers:     make(map[string]*worker),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch queues cmd on the account's mailbox and waits for its result.
// If ctx ends while the command is still queued it is skipped and ctx.Err()
// is returned; once started, the caller receives the command's own result.
func (r *Registry) Dispatch(ctx context.Context, accountID string, cmd Command) (any, error) {
	if err := r.validate(accountID); err != nil {
		return nil, err
	}

	w, err := r.acquire(accountID)
	if err != nil {
		return nil, err
	}
	return r.send(ctx, w, cmd)
}

// DispatchResident is Dispatch restricted to accounts that already have a
// live worker. ok is false, and cmd is not run, when the account is passive.
func (r *Registry) DispatchResident(ctx context.Context, accountID string, cmd Command) (v any, ok bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrClosed
	}
	w, ok := r.workers[accountID]
	if ok {
		w.pending++
	}
	r.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	v, err = r.send(ctx, w, cmd)
	return v, true, err
}

func (r *Registry) send(ctx context.Context, w *worker, cmd Command) (any, error) {
	req := &request{ctx: ctx, cmd: cmd, done: make(chan result, 1)}
	select {
	case w.mailbox <- req:
	case <-ctx.Done():
		r.release(w)
		select {
		case w.kick <- struct{}{}:
		default:
		}
		return nil, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		if req.state.CompareAndSwap(stateQueued, stateAbandoned) {
			return nil, ctx.Err()
		}
		res := <-req.done
		return res.value, res.err
	}
}

// Do is Dispatch with a typed result.
func Do[T any](ctx context.Context, r *Registry, accountID string, fn func(ctx context.Context, agg *account.Aggregate) (T, error)) (T, error) {
	v, err := r.Dispatch(ctx, accountID, func(ctx context.Context, agg *account.Aggregate) (any, error) {
		return fn(ctx, agg)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// DoResident is DispatchResident with a typed result.
func DoResident[T any](ctx context.Context, r *Registry, accountID string, fn func(ctx context.Context, agg *account.Aggregate) (T, error)) (T, bool, error) {
	var zero T
	v, ok, err := r.DispatchResident(ctx, accountID, func(ctx context.Context, agg *account.Aggregate) (any, error) {
		return fn(ctx, agg)
	})
	if err != nil || !ok {
		return zero, ok, err
	}
	t, _ := v.(T)
	return t, true, nil
}

// Len reports how many accounts currently have a live worker.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// IDs returns the accounts with a live worker, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Close stops accepting commands, answers queued ones with ErrClosed and waits
// for in-flight commands to finish or ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close registry: %w", ctx.Err())
	}
}

func (r *Registry) acquire(accountID string) (*worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	w, ok := r.workers[accountID]
	if !ok {
		w = &worker{
			id:      accountID,
			mailbox: make(chan *request, r.mailboxSize),
			kick:    make(chan struct{}, 1),
		}
		r.workers[accountID] = w
		observability.SetActiveAggregates(len(r.workers))
		r.wg.Add(1)
		go r.run(w)
	}
	w.pending++
	return w, nil
}

func (r *Registry) release(w *worker) {
	r.mu.Lock()
	w.pending--
	r.mu.Unlock()
}

// retire removes w from the registry if nobody is waiting on it.
func (r *Registry) retire(w *worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	delete(r.workers, w.id)
	observability.SetActiveAggregates(len(r.workers))
	return true
}

func (r *Registry) run(w *worker) {
	defer r.wg.Done()
	logger := r.logger.With(zap.String("account_id", w.id))

	var agg *account.Aggregate
	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.quit:
			r.drain(w)
			return
		default:
		}

		select {
		case req := <-w.mailbox:
			agg = r.handle(w, agg, req, logger)
			idle.Reset(r.idleTimeout)
		case <-idle.C:
			if r.retire(w) {
				logger.Debug("account passivated")
				return
			}
			idle.Reset(r.idleTimeout)
		case <-r.quit:
			r.drain(w)
			return
		}
	}
}

func (r *Registry) handle(w *worker, agg *account.Aggregate, req *request, logger *zap.Logger) *account.Aggregate {
	defer r.release(w)

	if !req.state.CompareAndSwap(stateQueued, stateRunning) {
		return agg
	}
	if agg == nil {
		loaded, err := r.load(req.ctx, w.id)
		if err != nil {
			logger.Warn("load account failed", zap.Error(err))
			req.reply(nil, err)
			return nil
		}
		agg = loaded
	}

	v, err := r.invoke(req, agg, logger)
	req.reply(v, err)
	if errors.Is(err, domain.ErrCorruptLog) || errors.Is(err, domain.ErrPersistenceFailure) || errors.Is(err, errCommandPanic) {
		// Replay on the next command.
		return nil
	}
	return agg
}

var errCommandPanic = errors.New("account command panicked")

func (r *Registry) invoke(req *request, agg *account.Aggregate, logger *zap.Logger) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("account command panic", zap.Any("panic", rec), zap.Stack("stack"))
			v, err = nil, fmt.Errorf("%w: %v", errCommandPanic, rec)
		}
	}()
	return req.cmd(req.ctx, agg)
}

func (r *Registry) drain(w *worker) {
	for {
		if r.retire(w) {
			return
		}
		select {
		case req := <-w.mailbox:
			if req.state.CompareAndSwap(stateQueued, stateRunning) {
				req.reply(nil, ErrClosed)
			}
			r.release(w)
		case <-w.kick:
		}
	}
}
