// Package bridge implements the generic bridge base every transport
// adapter builds on: queueing, batching, retry with exponential backoff,
// and a three-state circuit breaker, grounded on the ticker-driven
// due/remaining retry-queue split used elsewhere in this stack.
package bridge

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/logging"
)

// Transport is the subclass hook set every bridge implementation
// supplies. The Base calls these in response to the public surface and
// the resilience loops; Transport never touches Base's internals
// directly.
type Transport interface {
	OnStartListening(ctx context.Context) error
	OnStopListening(ctx context.Context) error
	OnHandleChange(ctx context.Context, change contact.ContactChange) error
	OnInitialize(ctx context.Context, config map[string]interface{}) error
	OnShutdown(ctx context.Context, force bool) error
	OnHealthCheck(ctx context.Context) bool
	OnHandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error)
}

// Poller is an optional Transport extension: a bridge that supports
// §4.4.1 periodic polling implements OnPoll, invoked by Base's pollLoop
// every PollInterval while listening. Transports with no inbound polling
// concept (e.g. a push-only websocket bridge) simply omit it.
type Poller interface {
	OnPoll(ctx context.Context) error
}

// Config controls the resilience patterns layered over Transport.
type Config struct {
	BatchSize        int
	BatchDelay       time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	QueueSize        int
	CircuitThreshold int
	CircuitResetTime time.Duration
	PollInterval     time.Duration
	LongPollTimeout  time.Duration

	// OutboundRateLimit caps sustained outbound changes per second.
	// Zero disables limiting (the default): a slow downstream peer is
	// expected to push back through the circuit breaker and retry queue
	// instead.
	OutboundRateLimit float64
	OutboundBurst     int
}

// DefaultConfig returns conservative defaults matching the worked HTTP
// bridge example.
func DefaultConfig() Config {
	return Config{
		BatchSize:        25,
		BatchDelay:       250 * time.Millisecond,
		RetryAttempts:    5,
		RetryDelay:       time.Second,
		QueueSize:        1000,
		CircuitThreshold: 5,
		CircuitResetTime: 30 * time.Second,
	}
}

// Base is the reusable bridge core, embedded by every transport-specific
// driver.
type Base struct {
	id      string
	name    string
	version string
	cfg     Config
	tr      Transport

	mu          sync.Mutex
	inputFn     driver.InputHandler
	isListening bool
	processed   uint64
	failed      uint64
	lastErr     error
	lastProc    time.Time
	startedAt   time.Time

	batchMu sync.Mutex
	batch   []contact.ContactChange
	timer   *time.Timer

	queueMu sync.Mutex
	queue   []contact.ContactChange

	breaker *circuitBreaker
	limiter *rate.Limiter

	retryMu    sync.Mutex
	retryQueue []*pendingRetry
	retrySeq   uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingRetry struct {
	key         string
	changes     []contact.ContactChange
	attempt     int
	nextRetryAt time.Time
}

// NewBase constructs a Base bound to tr, the transport-specific hook set.
func NewBase(id, name, version string, cfg Config, tr Transport) *Base {
	b := &Base{
		id:      id,
		name:    name,
		version: version,
		cfg:     cfg,
		tr:      tr,
		breaker: newCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitResetTime),
	}
	if cfg.OutboundRateLimit > 0 {
		burst := cfg.OutboundBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.OutboundRateLimit), burst)
	}
	return b
}

func (b *Base) ID() string      { return b.id }
func (b *Base) Name() string    { return b.name }
func (b *Base) Version() string { return b.version }

// SetInputHandler stores fn; InvokeInput wraps calls through it with
// observability counters.
func (b *Base) SetInputHandler(fn driver.InputHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputFn = fn
}

// InvokeInput is the framework helper a transport calls when it ingests
// an external event: it increments processed/failed counters, records
// observability fields, and re-raises the caller's error.
func (b *Base) InvokeInput(ctx context.Context, raw interface{}) error {
	b.mu.Lock()
	fn := b.inputFn
	b.mu.Unlock()

	if fn == nil {
		return errors.Newf("bridge %s has no input handler registered", b.id)
	}

	err := fn.HandleExternalInput(ctx, raw)

	b.mu.Lock()
	if err != nil {
		b.failed++
		b.lastErr = err
	} else {
		b.processed++
		b.lastProc = time.Now()
	}
	b.mu.Unlock()

	return err
}

// StartListening is idempotent; delegates to the transport hook.
func (b *Base) StartListening(ctx context.Context) error {
	b.mu.Lock()
	if b.isListening {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.tr.OnStartListening(ctx); err != nil {
		return err
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.startedAt = time.Now()

	b.wg.Add(1)
	go b.retryLoop()

	if b.cfg.PollInterval > 0 {
		b.wg.Add(1)
		go b.pollLoop()
	}

	b.mu.Lock()
	b.isListening = true
	b.mu.Unlock()
	return nil
}

// StopListening is idempotent; delegates to the transport hook.
func (b *Base) StopListening(ctx context.Context) error {
	b.mu.Lock()
	if !b.isListening {
		b.mu.Unlock()
		return nil
	}
	b.isListening = false
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	return b.tr.OnStopListening(ctx)
}

// HandleChange buffers change for batched outbound delivery, flushing
// when the batch reaches BatchSize or the debounce timer expires.
func (b *Base) HandleChange(ctx context.Context, change contact.ContactChange) (driver.DriverResponse, error) {
	b.enqueueBatch(change)
	return driver.DriverResponse{Acknowledged: true}, nil
}

func (b *Base) enqueueBatch(change contact.ContactChange) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	b.batch = append(b.batch, change)

	if b.cfg.BatchSize > 0 && len(b.batch) >= b.cfg.BatchSize {
		b.flushBatchLocked()
		return
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	delay := b.cfg.BatchDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	b.timer = time.AfterFunc(delay, b.FlushBatch)
}

// FlushBatch sends the current buffer through the transport: to the
// overflow queue when the circuit is open, to the retry queue when the
// send fails. A failed batch is not put back into the buffer, so a
// retried batch can reach the transport after batches flushed later.
func (b *Base) FlushBatch() {
	b.batchMu.Lock()
	b.flushBatchLocked()
	b.batchMu.Unlock()
}

// flushBatchLocked routes a drained batch to exactly one of two queues,
// never both: the circuit-open case never attempted delivery, so it goes
// to the offline overflow queue for drainQueue to resend once the circuit
// recovers; an attempted-and-failed send instead goes to the retry queue,
// which owns backoff/redelivery for it from here on. Putting the same
// batch in both would let drainQueue and the retry loop redeliver it
// independently, duplicating already-retried data.
func (b *Base) flushBatchLocked() {
	if len(b.batch) == 0 {
		return
	}
	pending := b.batch
	b.batch = nil

	if !b.breaker.allow() {
		b.enqueueOverflow(pending)
		return
	}

	if err := b.sendBatch(pending); err != nil {
		b.breaker.recordFailure()
		b.scheduleRetry(pending)
		return
	}

	b.breaker.recordSuccess()
	b.drainQueue()
}

func (b *Base) sendBatch(changes []contact.ContactChange) error {
	ctx := context.Background()
	if b.ctx != nil {
		ctx = b.ctx
	}
	if b.limiter != nil {
		if err := b.limiter.WaitN(ctx, 1); err != nil {
			return errors.Wrap(err, "rate limiter wait failed")
		}
	}
	for _, c := range changes {
		if err := b.tr.OnHandleChange(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// enqueueOverflow appends pending to the transport's offline queue,
// bounded by QueueSize. Overflow drops the oldest entries so the newest
// intent is always retained, and emits a queue-overflow observability
// event.
func (b *Base) enqueueOverflow(pending []contact.ContactChange) {
	if b.cfg.QueueSize <= 0 {
		return
	}
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	b.queue = append(b.queue, pending...)
	if over := len(b.queue) - b.cfg.QueueSize; over > 0 {
		b.queue = b.queue[over:]
		logging.Logger.Warnw("bridge queue overflow, dropped oldest entries",
			logging.FieldBridge, b.id, "dropped", over)
	}
}

func (b *Base) drainQueue() {
	b.queueMu.Lock()
	pending := b.queue
	b.queue = nil
	b.queueMu.Unlock()

	if len(pending) == 0 {
		return
	}
	if err := b.sendBatch(pending); err != nil {
		b.breaker.recordFailure()
		b.scheduleRetry(pending)
	}
}

// scheduleRetry enqueues a failed batch for retry with exponential
// backoff, capped at RetryAttempts. Retry state is keyed by contact
// identity: any already-queued retry entries carrying one of this
// batch's contacts have those contacts stripped out (and are dropped
// entirely if nothing is left), so a stale in-flight retry can never
// redeliver a value this newer, just-attempted batch has already
// superseded.
func (b *Base) scheduleRetry(changes []contact.ContactChange) {
	if b.cfg.RetryAttempts <= 0 {
		return
	}
	superseded := make(map[contact.ContactId]struct{}, len(changes))
	for _, c := range changes {
		superseded[c.ContactId] = struct{}{}
	}

	b.retryMu.Lock()
	defer b.retryMu.Unlock()

	b.retryQueue = cancelSupersededRetries(b.retryQueue, superseded)
	b.retrySeq++

	b.retryQueue = append(b.retryQueue, &pendingRetry{
		key:         strconv.FormatUint(b.retrySeq, 10),
		changes:     changes,
		attempt:     1,
		nextRetryAt: time.Now().Add(b.cfg.RetryDelay),
	})
}

// cancelSupersededRetries removes staleIDs from every queued retry's
// changes, dropping any entry left with nothing to send. Called with
// b.retryMu held.
func cancelSupersededRetries(queue []*pendingRetry, staleIDs map[contact.ContactId]struct{}) []*pendingRetry {
	kept := queue[:0]
	for _, pr := range queue {
		remaining := pr.changes[:0]
		for _, c := range pr.changes {
			if _, stale := staleIDs[c.ContactId]; !stale {
				remaining = append(remaining, c)
			}
		}
		if len(remaining) == 0 {
			continue
		}
		pr.changes = remaining
		kept = append(kept, pr)
	}
	return kept
}

func (b *Base) retryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.processRetryQueue()
		}
	}
}

func (b *Base) processRetryQueue() {
	now := time.Now()

	b.retryMu.Lock()
	var due, remaining []*pendingRetry
	for _, pr := range b.retryQueue {
		if pr.nextRetryAt.After(now) {
			remaining = append(remaining, pr)
		} else {
			due = append(due, pr)
		}
	}
	b.retryQueue = remaining
	b.retryMu.Unlock()

	for _, pr := range due {
		if !b.breaker.allow() {
			b.retryMu.Lock()
			b.retryQueue = append(b.retryQueue, pr)
			b.retryMu.Unlock()
			continue
		}

		if err := b.sendBatch(pr.changes); err != nil {
			b.breaker.recordFailure()
			if pr.attempt >= b.cfg.RetryAttempts {
				logging.Logger.Errorw("bridge retry exhausted", logging.FieldBridge, b.id, logging.FieldError, err)
				continue
			}
			backoff := b.cfg.RetryDelay * time.Duration(1<<uint(pr.attempt-1))
			b.retryMu.Lock()
			b.retryQueue = append(b.retryQueue, &pendingRetry{
				key: pr.key, changes: pr.changes, attempt: pr.attempt + 1,
				nextRetryAt: time.Now().Add(backoff),
			})
			b.retryMu.Unlock()
			continue
		}

		b.breaker.recordSuccess()
	}
}

// pollLoop periodically invokes the transport's Poller hook, if it
// implements one, while the bridge is listening. A transport with no
// inbound polling concept leaves PollInterval at zero and never starts
// this loop.
func (b *Base) pollLoop() {
	defer b.wg.Done()

	poller, ok := b.tr.(Poller)
	if !ok {
		return
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := poller.OnPoll(b.ctx); err != nil {
				logging.Logger.Warnw("bridge poll failed", logging.FieldBridge, b.id, logging.FieldError, err)
			}
		}
	}
}

// HandleCommand handles initialize/shutdown/health-check and the
// flush-batch, reset-circuit and get-circuit-state commands itself, and
// forwards everything else (force-poll, ...) to the transport hook.
func (b *Base) HandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	switch cmd.Kind {
	case driver.CommandInitialize:
		if err := b.tr.OnInitialize(ctx, cmd.Config); err != nil {
			return driver.CommandResponse{}, errors.NewCommandError(b.id, false, err)
		}
		return driver.CommandResponse{}, nil

	case driver.CommandShutdown:
		if err := b.tr.OnShutdown(ctx, cmd.Force); err != nil {
			return driver.CommandResponse{}, errors.NewCommandError(b.id, !cmd.Force, err)
		}
		return driver.CommandResponse{}, nil

	case driver.CommandHealthCheck:
		return driver.CommandResponse{Data: map[string]interface{}{"healthy": b.IsHealthy(ctx)}}, nil

	case "flush-batch":
		b.FlushBatch()
		return driver.CommandResponse{}, nil

	case "reset-circuit":
		b.breaker.reset()
		return driver.CommandResponse{}, nil

	case "get-circuit-state":
		return driver.CommandResponse{Data: map[string]interface{}{"state": string(b.breaker.state())}}, nil

	default:
		return b.tr.OnHandleCommand(ctx, cmd)
	}
}

// IsHealthy is listening ∧ handler-registered, combined with the
// transport's own probe.
func (b *Base) IsHealthy(ctx context.Context) bool {
	b.mu.Lock()
	listening := b.isListening
	hasHandler := b.inputFn != nil
	b.mu.Unlock()

	return listening && hasHandler && b.tr.OnHealthCheck(ctx)
}

// GetStats returns an observability snapshot.
func (b *Base) GetStats() driver.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queueMu.Lock()
	pending := uint64(len(b.queue))
	b.queueMu.Unlock()

	return driver.Stats{
		Processed: b.processed,
		Failed:    b.failed,
		Pending:   pending,
		LastError: b.lastErr,
		Uptime:    time.Since(b.startedAt),
		Custom: map[string]interface{}{
			"listening":      b.isListening,
			"last_processed": b.lastProc,
			"circuit_state":  string(b.breaker.state()),
		},
	}
}
