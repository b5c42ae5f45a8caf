// Package outbox dispatches durable side-effect items to their handlers with
// claim, retry and failure semantics. Handlers perform the actual external
// calls; the dispatcher owns scheduling and bookkeeping.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/observability"
)

const dispatcherService = "outbox-dispatcher"

// permanentError marks a failure that no retry can fix, such as a payload
// that fails validation. The dispatcher fails the item immediately.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher fails the item without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Handler executes one kind of side effect. The returned bytes are stored as
// the item's result on success.
type Handler interface {
	Kind() domain.Kind
	Handle(ctx context.Context, item *domain.Item) ([]byte, error)
}

type Config struct {
	PollInterval  time.Duration
	StaleAfter    time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	BackoffFactor int
	BatchSize     int
	Workers       int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

type Dispatcher struct {
	store    domain.Store
	handlers map[domain.Kind]Handler
	cfg      Config

	log          observability.Logger
	dispCounter  observability.Counter
	dispDuration observability.Histogram

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewDispatcher(store domain.Store, handlers []Handler, cfg Config, tel observability.Observability) *Dispatcher {
	baseLog := observability.NopLogger()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metricsProvider = tel.Metrics()
	}

	byKind := make(map[domain.Kind]Handler, len(handlers))
	for _, h := range handlers {
		byKind[h.Kind()] = h
	}

	return &Dispatcher{
		store:        store,
		handlers:     byKind,
		cfg:          cfg.withDefaults(),
		log:          baseLog.With(observability.F("service", dispatcherService)),
		dispCounter:  metricsProvider.Counter(observability.MOutboxDispatches),
		dispDuration: metricsProvider.Histogram(observability.MOutboxDispatchDuration),
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the polling loop and worker pool. It returns immediately;
// call Stop to drain and shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopped = make(chan struct{})

	work := make(chan *domain.Item)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				d.process(ctx, item)
			}
		}()
	}

	go func() {
		defer close(d.stopped)
		defer func() {
			close(work)
			wg.Wait()
		}()

		poll := time.NewTicker(d.cfg.PollInterval)
		defer poll.Stop()
		sweep := time.NewTicker(d.cfg.StaleAfter)
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-poll.C:
				d.drain(ctx, work)
			case <-d.wake:
				d.drain(ctx, work)
			case <-sweep.C:
				released, err := d.store.ReleaseStale(ctx, time.Now().UTC().Add(-d.cfg.StaleAfter))
				if err != nil {
					d.log.Error("outbox_release_stale_failed", observability.F("error", err.Error()))
				} else if released > 0 {
					d.log.Warn("outbox_released_stale_items", observability.F("count", released))
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight work to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, stopped := d.cancel, d.stopped
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// Wake nudges the loop to poll now instead of waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// TryDispatch claims the given item and processes it synchronously. Used for
// the low-latency first attempt right after enqueue; if the claim is lost to
// a background worker that is fine, the work happens exactly once either way.
func (d *Dispatcher) TryDispatch(ctx context.Context, id string) error {
	item, err := d.store.Claim(ctx, id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotClaimable) {
			return nil
		}
		return err
	}
	d.process(ctx, item)
	return nil
}

func (d *Dispatcher) drain(ctx context.Context, work chan<- *domain.Item) {
	for {
		items, err := d.store.ClaimDue(ctx, time.Now().UTC(), d.cfg.BatchSize)
		if err != nil {
			d.log.Error("outbox_claim_failed", observability.F("error", err.Error()))
			return
		}
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			select {
			case work <- item:
			case <-ctx.Done():
				return
			}
		}
		if len(items) < d.cfg.BatchSize {
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, item *domain.Item) {
	logger := d.log.With(
		observability.F("item_id", item.ID),
		observability.F("kind", string(item.Kind)),
		observability.F("correlation_key", item.CorrelationKey),
	)

	start := time.Now()
	outcome := "success"
	defer func() {
		d.dispCounter.Add(1,
			observability.L("kind", string(item.Kind)),
			observability.L("outcome", outcome),
		)
		d.dispDuration.Observe(time.Since(start).Seconds(),
			observability.L("kind", string(item.Kind)),
		)
	}()

	handler, ok := d.handlers[item.Kind]
	if !ok {
		outcome = "failed"
		logger.Error("outbox_no_handler")
		d.finish(ctx, logger, d.store.MarkFailed(ctx, item.ID, item.Attempts+1, "no handler registered for kind"))
		return
	}

	result, err := handler.Handle(ctx, item)
	attempts := item.Attempts + 1
	if err == nil {
		d.finish(ctx, logger, d.store.MarkCompleted(ctx, item.ID, attempts, result))
		logger.Info("outbox_dispatched", observability.F("attempts", attempts))
		return
	}

	if isPermanent(err) {
		outcome = "failed"
		logger.Error("outbox_dispatch_permanent_failure",
			observability.F("attempts", attempts),
			observability.F("error", err.Error()),
		)
		d.finish(ctx, logger, d.store.MarkFailed(ctx, item.ID, attempts, err.Error()))
		return
	}

	if attempts >= d.cfg.MaxAttempts {
		outcome = "failed"
		logger.Error("outbox_dispatch_attempts_exhausted",
			observability.F("attempts", attempts),
			observability.F("error", err.Error()),
		)
		d.finish(ctx, logger, d.store.MarkFailed(ctx, item.ID, attempts, err.Error()))
		return
	}

	outcome = "retry"
	next := time.Now().UTC().Add(d.backoff(attempts))
	logger.Warn("outbox_dispatch_retry",
		observability.F("attempts", attempts),
		observability.F("next_attempt_at", next),
		observability.F("error", err.Error()),
	)
	d.finish(ctx, logger, d.store.MarkRetry(ctx, item.ID, attempts, next, err.Error()))
}

// backoff returns the delay before the next attempt: base doubling per
// completed attempt (5s, 10s, 20s with the defaults).
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= time.Duration(d.cfg.BackoffFactor)
	}
	return delay
}

func (d *Dispatcher) finish(ctx context.Context, logger observability.Logger, err error) {
	_ = ctx
	if err != nil {
		logger.Error("outbox_state_update_failed", observability.F("error", err.Error()))
	}
}
