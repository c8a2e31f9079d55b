package messagebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/backoff"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
	"go.opentelemetry.io/otel/attribute"
)

// ForwardResult captures one forwarding cycle outcome.
type ForwardResult struct {
	Leased      int
	Sent        int
	Rescheduled int
	Dead        int
}

// Forwarder moves due envelopes from a MessageStore to a Transport.
type Forwarder struct {
	store     MessageStore
	transport Transport
	logger    log.Logger
	cfg       ForwarderConfig
	now       func() time.Time
	metrics   forwarderMetrics

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup
}

var _ pipeline.App = (*Forwarder)(nil)

// NewForwarder creates a Forwarder.
func NewForwarder(store MessageStore, transport Transport, opts ...ForwarderOption) (*Forwarder, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(transport) {
		return nil, ErrTransportRequired
	}

	f := &Forwarder{
		store:     store,
		transport: transport,
		logger:    log.NewNop(),
		cfg:       DefaultForwarderConfig(),
		now:       time.Now,
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	f.cfg.normalize()

	if f.cfg.Holder == "" {
		f.cfg.Holder = pipeline.InstanceID() + "-forwarder"
	}

	metrics, err := newForwarderMetrics(f.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init forwarder metrics: %w", err)
	}

	f.metrics = metrics

	return f, nil
}

// Run forwards until Stop is called or the launcher context ends.
func (f *Forwarder) Run(launcher *pipeline.Launcher) error {
	return f.RunContext(launcher.Context())
}

// RunContext forwards until Stop is called or ctx is cancelled.
func (f *Forwarder) RunContext(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	if !f.registerRun(cancel) {
		cancel()

		return ErrForwarderRunning
	}

	defer f.clearRun()

	f.logger.Log(ctx, log.LevelInfo, "message forwarder started", log.String("holder", f.cfg.Holder))
	defer f.logger.Log(context.Background(), log.LevelInfo, "message forwarder stopped")

	defer runtime.RecoverAndLogWithContext(ctx, f.logger, "messagebus", "forwarder_run")

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		f.cycle(ctx)

		select {
		case <-f.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) cycle(ctx context.Context) {
	f.cycleWg.Add(1)
	defer f.cycleWg.Done()
	defer runtime.RecoverAndLogWithContext(ctx, f.logger, "messagebus", "forwarder_cycle")

	for ctx.Err() == nil {
		result := f.ForwardOnce(ctx)
		if result.Leased < f.cfg.BatchSize {
			return
		}
	}
}

// Stop signals the forwarder loop to stop.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		f.runStateMu.Lock()
		cancel := f.cancelFunc
		f.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(f.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.Stop()

	done := make(chan struct{})

	runtime.SafeGo(f.logger, "messagebus.forwarder_shutdown_wait", runtime.KeepRunning, func() {
		f.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("forwarder shutdown: %w", ctx.Err())
	}
}

// ForwardOnce leases one batch of due messages and sends them.
func (f *Forwarder) ForwardOnce(ctx context.Context) ForwardResult {
	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "messagebus.forwarder.forward_once")
	defer span.End()

	start := f.now()

	leased, err := f.store.LeaseDue(ctx, f.cfg.Holder, start.Add(f.cfg.LeaseDuration), f.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to lease due messages", err)
		log.SafeError(f.logger, ctx, "failed to lease due messages", err, true)

		return ForwardResult{}
	}

	result := ForwardResult{Leased: len(leased)}

	for _, msg := range leased {
		// Unsent leases expire and are picked up again.
		if ctx.Err() != nil {
			break
		}

		f.forward(ctx, msg, &result)
	}

	f.record(ctx, result, f.now().Sub(start))

	span.SetAttributes(
		attribute.Int("messagebus.forward.leased", result.Leased),
		attribute.Int("messagebus.forward.sent", result.Sent),
		attribute.Int("messagebus.forward.rescheduled", result.Rescheduled),
		attribute.Int("messagebus.forward.dead", result.Dead),
	)

	return result
}

func (f *Forwarder) forward(ctx context.Context, msg *StoredMessage, result *ForwardResult) {
	env := msg.Envelope

	sendErr := f.transport.Send(opentelemetry.ExtractQueueTraceContext(ctx, env.HeaderMap()), env)
	if sendErr == nil {
		if err := f.store.MarkSent(ctx, f.cfg.Holder, msg.ID); err != nil {
			f.logSettleError(ctx, msg, "failed to mark message sent; it may be delivered again", err)
		}

		result.Sent++

		return
	}

	attempts := msg.Attempts + 1
	lastErr := sendErr.Error()

	if attempts >= f.cfg.MaxAttempts {
		if err := f.store.MarkDead(ctx, f.cfg.Holder, msg.ID, attempts, lastErr); err != nil {
			f.logSettleError(ctx, msg, "failed to dead-letter message", err)

			return
		}

		f.logger.Log(ctx, log.LevelError, "message dead-lettered after exhausting retries",
			log.Int64("message_id", msg.ID),
			log.String("queue", env.Queue),
			log.Int("attempts", attempts),
			log.Err(sendErr),
		)

		result.Dead++

		return
	}

	deliverAt := f.now().Add(f.retryDelay(attempts))

	if err := f.store.Reschedule(ctx, f.cfg.Holder, msg.ID, deliverAt, attempts, lastErr); err != nil {
		f.logSettleError(ctx, msg, "failed to reschedule message", err)

		return
	}

	f.logger.Log(ctx, log.LevelWarn, "message send failed; rescheduled",
		log.Int64("message_id", msg.ID),
		log.String("queue", env.Queue),
		log.Int("attempts", attempts),
		log.Duration("retry_in", deliverAt.Sub(f.now())),
	)

	result.Rescheduled++
}

// retryDelay returns a delay in [d/2, d) where d doubles per attempt from
// RetryInterval, capped at MaxRetryInterval.
func (f *Forwarder) retryDelay(attempts int) time.Duration {
	d := backoff.Capped(f.cfg.RetryInterval, f.cfg.MaxRetryInterval, attempts-1)
	half := d / 2

	return half + backoff.FullJitter(d-half)
}

func (f *Forwarder) logSettleError(ctx context.Context, msg *StoredMessage, text string, err error) {
	level := log.LevelError
	if errors.Is(err, ErrLeaseLost) {
		level = log.LevelWarn
	}

	f.logger.Log(ctx, level, text, log.Int64("message_id", msg.ID), log.Err(err))
}

func (f *Forwarder) record(ctx context.Context, result ForwardResult, elapsed time.Duration) {
	if result.Sent > 0 {
		f.metrics.sent.Add(ctx, int64(result.Sent))
	}

	if result.Rescheduled > 0 {
		f.metrics.rescheduled.Add(ctx, int64(result.Rescheduled))
	}

	if result.Dead > 0 {
		f.metrics.dead.Add(ctx, int64(result.Dead))
	}

	f.metrics.latency.Record(ctx, elapsed.Seconds())
}

func (f *Forwarder) registerRun(cancel context.CancelFunc) bool {
	f.runStateMu.Lock()
	defer f.runStateMu.Unlock()

	if f.running {
		return false
	}

	f.running = true
	f.cancelFunc = cancel

	return true
}

func (f *Forwarder) clearRun() {
	f.runStateMu.Lock()
	defer f.runStateMu.Unlock()

	f.running = false
	f.cancelFunc = nil
}
