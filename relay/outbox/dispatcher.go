package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/backoff"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/Arslan16/Ufanet-autum-practice/relay/runtime"
)

// RecordIDHeader carries the outbox record id on published messages.
const RecordIDHeader = "x-outbox-record-id"

// CycleGuard decides whether this process may run a dispatch cycle, for
// example while it holds a distributed lock.
type CycleGuard interface {
	Allow(ctx context.Context) (bool, error)
}

// Dispatcher relays PENDING records to their queues. Cycles run one at a time:
// each record of a batch is published in order and the dispatcher waits
// DispatchInterval after the batch before polling again.
type Dispatcher struct {
	store     Store
	publisher Publisher
	logger    log.Logger
	tracer    trace.Tracer
	clock     Clock
	guard     CycleGuard
	cfg       DispatcherConfig

	// stop is closed by Stop and re-armed when a run ends, so a Stop issued
	// before RunContext registers still ends that run.
	stop       chan struct{}
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

var _ relay.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// NewDispatcher creates a dispatcher reading from store and publishing through publisher.
func NewDispatcher(
	store Store,
	publisher Publisher,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		clock:     SystemClock{},
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the effective configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Run implements relay.App.
func (dispatcher *Dispatcher) Run(launcher *relay.Launcher) error {
	return dispatcher.RunContext(launcher.Context(), launcher)
}

// RunContext runs cycles until Stop is called, ctx is cancelled or
// MaxIterations cycles have completed. Stopping is not an error.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *relay.Launcher) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()
	defer cancel()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
			log.Duration("interval", dispatcher.cfg.DispatchInterval),
			log.Int("max_iterations", dispatcher.cfg.MaxIterations),
		)
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	for iteration := 1; ; iteration++ {
		if dispatcher.stopRequested(ctx) {
			return nil
		}

		dispatcher.runCycle(ctx, iteration)

		if dispatcher.cfg.MaxIterations > 0 && iteration >= dispatcher.cfg.MaxIterations {
			dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher reached max iterations",
				log.Int("iterations", iteration),
			)

			return nil
		}

		if !dispatcher.waitNextCycle(ctx) {
			return nil
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context, iteration int) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.cycle",
		trace.WithAttributes(attribute.Int("outbox.iteration", iteration)),
	)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, dispatcher.logger, "outbox", "dispatcher_cycle")

	if dispatcher.guard != nil {
		allowed, err := dispatcher.guard.Allow(cycleCtx)
		if err != nil {
			dispatcher.logger.Log(cycleCtx, log.LevelWarn, "outbox cycle guard failed; skipping cycle",
				log.String("error", sanitizeError(err)),
			)
			opentelemetry.HandleSpanError(span, "cycle guard failed", err)

			return
		}

		if !allowed {
			dispatcher.logger.Log(cycleCtx, log.LevelDebug, "outbox cycle skipped; another relay holds the guard")
			opentelemetry.HandleSpanEvent(span, "outbox.cycle.skipped")

			return
		}
	}

	result := dispatcher.DispatchOnceResult(cycleCtx)

	span.SetAttributes(
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.failed", result.Failed),
		attribute.Int("outbox.state_update_failed", result.StateUpdateFailed),
	)

	if result.Processed > 0 {
		dispatcher.logger.Log(cycleCtx, log.LevelInfo, "outbox cycle finished",
			log.Int("processed", result.Processed),
			log.Int("published", result.Published),
			log.Int("failed", result.Failed),
			log.Int("state_update_failed", result.StateUpdateFailed),
		)
	}
}

func (dispatcher *Dispatcher) waitNextCycle(ctx context.Context) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-dispatcher.stopSignal():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	return backoff.WaitContext(waitCtx, dispatcher.cfg.DispatchInterval) == nil
}

// Stop asks RunContext to return. The in-flight record finishes first. A Stop
// that arrives before the run starts makes the next RunContext return at once.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.runStateMu.Lock()

	if dispatcher.stop == nil {
		dispatcher.stop = make(chan struct{})
	}

	if !isClosedSignal(dispatcher.stop) {
		close(dispatcher.stop)
	}

	cancel := dispatcher.cancelFunc
	dispatcher.runStateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Shutdown stops the dispatcher and waits for the in-flight cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnceResult runs one cycle: every PENDING record, oldest first, is
// published and marked SENT or FAILED. A listing failure counts as an empty cycle.
func (dispatcher *Dispatcher) DispatchOnceResult(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.publisher == nil {
		return DispatchResult{}
	}

	start := dispatcher.clock.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.dispatch_once")
	defer span.End()

	defer func() {
		dispatcher.metrics.dispatchLatency.Record(ctx, dispatcher.clock.Now().Sub(start).Seconds())
	}()

	records, err := dispatcher.store.ListPendingOldestFirst(ctx)
	if err != nil {
		level := log.LevelError
		if IsCancellation(err) || ctx.Err() != nil {
			level = log.LevelInfo
		}

		dispatcher.logger.Log(ctx, level, "outbox list pending failed",
			log.String("error", sanitizeError(err)),
		)
		opentelemetry.HandleSpanError(span, "list pending failed", err)

		return DispatchResult{}
	}

	dispatcher.metrics.queueDepth.Record(ctx, int64(len(records)))
	span.SetAttributes(attribute.Int("outbox.pending", len(records)))

	var result DispatchResult

	for _, record := range records {
		if record == nil {
			continue
		}

		if dispatcher.stopRequested(ctx) {
			dispatcher.logger.Log(ctx, log.LevelInfo, "outbox cycle interrupted by stop request",
				log.Int("remaining", len(records)-result.Processed),
			)

			break
		}

		dispatcher.dispatchRecord(ctx, record, &result)
	}

	return result
}

func (dispatcher *Dispatcher) dispatchRecord(ctx context.Context, record *OutboxRecord, result *DispatchResult) {
	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.publish",
		trace.WithAttributes(
			attribute.Int64("outbox.record_id", record.ID),
			attribute.String("outbox.queue", record.Queue),
		),
	)
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("queue", record.Queue))

	err := dispatcher.publishRecord(ctx, record)
	if err != nil && ctx.Err() != nil && IsCancellation(err) {
		// Leave the record PENDING so the next run delivers it.
		dispatcher.logger.Log(ctx, log.LevelInfo, "outbox publish cancelled",
			log.RecordID(record.ID),
		)

		return
	}

	result.Processed++

	if err != nil {
		result.Failed++
		dispatcher.metrics.eventsFailed.Add(ctx, 1, attrs)
		opentelemetry.HandleSpanError(span, "publish failed", err)

		dispatcher.logger.Log(ctx, log.LevelWarn, "outbox record publish failed",
			log.RecordID(record.ID),
			log.Queue(record.Queue),
			log.String("error", sanitizeError(err)),
		)

		if !dispatcher.setStatus(ctx, record, StatusFailed) {
			result.StateUpdateFailed++
			dispatcher.metrics.eventsStateFailed.Add(ctx, 1, attrs)
		}

		return
	}

	result.Published++
	dispatcher.metrics.eventsDispatched.Add(ctx, 1, attrs)

	if !dispatcher.setStatus(ctx, record, StatusSent) {
		result.StateUpdateFailed++
		dispatcher.metrics.eventsStateFailed.Add(ctx, 1, attrs)

		dispatcher.logger.Log(ctx, log.LevelError, "outbox record published but failed to persist status",
			log.RecordID(record.ID),
			log.Queue(record.Queue),
		)
	}
}

func (dispatcher *Dispatcher) publishRecord(ctx context.Context, record *OutboxRecord) error {
	body, err := json.Marshal(record.Payload)
	if err != nil {
		return NewError(KindTransport, "encode_payload", fmt.Errorf("%w: %w", ErrPayloadNotJSON, err))
	}

	recordID := strconv.FormatInt(record.ID, 10)

	msg := Message{
		Queue:     record.Queue,
		Body:      body,
		MessageID: recordID,
		Durable:   dispatcher.cfg.Durable,
		Headers:   opentelemetry.PrepareQueueHeaders(ctx, map[string]any{RecordIDHeader: recordID}),
	}

	publishCtx, cancel := context.WithTimeout(ctx, dispatcher.cfg.PublishTimeout)
	defer cancel()

	return dispatcher.publisher.Publish(publishCtx, msg)
}

// setStatus persists the outcome even when a stop was requested mid-record, so
// a confirmed publish is not delivered twice.
func (dispatcher *Dispatcher) setStatus(ctx context.Context, record *OutboxRecord, status Status) bool {
	stateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.cfg.PublishTimeout)
	defer cancel()

	updated, err := dispatcher.store.SetStatus(stateCtx, record.ID, status)
	if err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "outbox status update failed",
			log.RecordID(record.ID),
			log.String("status", status.String()),
			log.String("error", sanitizeError(err)),
		)

		return false
	}

	if !updated {
		dispatcher.logger.Log(ctx, log.LevelWarn, "outbox status update rejected",
			log.RecordID(record.ID),
			log.String("status", status.String()),
		)

		return false
	}

	return true
}

func (dispatcher *Dispatcher) stopSignal() <-chan struct{} {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	return dispatcher.stop
}

func (dispatcher *Dispatcher) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	return isClosedSignal(dispatcher.stopSignal())
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil {
		dispatcher.stop = make(chan struct{})
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil

	if isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
	}
}

func isClosedSignal(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
