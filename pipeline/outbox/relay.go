package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/backoff"
	"github.com/hunterwebapps/mastery-sub005/pipeline/errgroup"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
	"go.opentelemetry.io/otel/attribute"
)

// SignalClassifier derives signals from a relayed change.
type SignalClassifier interface {
	Classify(event messagebus.EntityChangedEvent, now time.Time) []messagebus.SignalRoutedEvent
}

// SignalRouter batches signals per user and publishes them.
type SignalRouter interface {
	Route(ctx context.Context, signals []messagebus.SignalRoutedEvent) error
}

// CycleResult captures one relay cycle outcome.
type CycleResult struct {
	Acquired  int
	Processed int
	Failed    int
	Released  int
	LeaseLost int
}

// Relay drains the outbox: it leases batches, publishes the current state of
// each changed entity and records the outcome on the leased entries.
type Relay struct {
	repo       Repository
	bus        messagebus.Bus
	classifier SignalClassifier
	router     SignalRouter
	state      EntityStateReader
	logger     log.Logger
	cfg        RelayConfig
	now        func() time.Time
	metrics    relayMetrics

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	workersWg  sync.WaitGroup
}

var _ pipeline.App = (*Relay)(nil)

// NewRelay creates a Relay publishing through bus.
func NewRelay(repo Repository, bus messagebus.Bus, opts ...RelayOption) (*Relay, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(bus) {
		return nil, ErrBusRequired
	}

	r := &Relay{
		repo:   repo,
		bus:    bus,
		logger: log.NewNop(),
		cfg:    DefaultRelayConfig(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.cfg.normalize()

	if r.cfg.HolderPrefix == "" {
		r.cfg.HolderPrefix = pipeline.InstanceID()
	}

	metrics, err := newRelayMetrics(r.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init relay metrics: %w", err)
	}

	r.metrics = metrics

	return r, nil
}

// Holder returns the lease holder of worker n.
func (r *Relay) Holder(n int) string {
	return r.cfg.HolderPrefix + "-" + strconv.Itoa(n)
}

// Run relays until Stop is called or the launcher context ends.
func (r *Relay) Run(launcher *pipeline.Launcher) error {
	return r.RunContext(launcher.Context())
}

// RunContext starts the configured workers and blocks until they stop.
func (r *Relay) RunContext(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	if !r.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer r.clearRun()

	r.logger.Log(ctx, log.LevelInfo, "outbox relay started",
		log.Int("workers", r.cfg.Workers),
		log.String("holder_prefix", r.cfg.HolderPrefix),
	)
	defer r.logger.Log(context.Background(), log.LevelInfo, "outbox relay stopped")

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(r.logger)

	for n := 1; n <= r.cfg.Workers; n++ {
		holder := r.Holder(n)

		r.workersWg.Add(1)

		group.Go(func() error {
			r.work(groupCtx, holder)

			return nil
		})
	}

	return group.Wait()
}

func (r *Relay) work(ctx context.Context, holder string) {
	defer r.workersWg.Done()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		result, err := r.cycle(ctx, holder)
		if err == nil && result.Acquired >= r.cfg.BatchSize {
			continue
		}

		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

func (r *Relay) cycle(ctx context.Context, holder string) (result CycleResult, err error) {
	defer runtime.RecoverAndLogWithContext(ctx, r.logger, "outbox", "relay_cycle")

	return r.ProcessOnce(ctx, holder)
}

// Stop signals every worker to stop. In-flight leases are released.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.runStateMu.Lock()
		cancel := r.cancelFunc
		r.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(r.stop)
	})
}

// Shutdown stops the workers and waits for in-flight cycles.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.Stop()

	done := make(chan struct{})

	runtime.SafeGo(r.logger, "outbox.relay_shutdown_wait", runtime.KeepRunning, func() {
		r.workersWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// entityGroup is every leased entry for one entity. The entry with the
// highest ID carries the operation.
type entityGroup struct {
	entries []*Entry
	latest  *Entry
	op      Operation
	event   *messagebus.EntityChangedEvent
	err     error
}

func collapse(entries []*Entry) []*entityGroup {
	index := make(map[string]*entityGroup)

	var groups []*entityGroup

	for _, e := range entries {
		key := e.EntityType + "\x00" + e.EntityID

		g, ok := index[key]
		if !ok {
			g = &entityGroup{}
			index[key] = g
			groups = append(groups, g)
		}

		g.entries = append(g.entries, e)

		if g.latest == nil || e.ID > g.latest.ID {
			g.latest = e
		}
	}

	for _, g := range groups {
		g.op = g.latest.Operation
	}

	return groups
}

func (g *entityGroup) userID() *string {
	if g.latest.UserID != nil {
		return g.latest.UserID
	}

	for i := len(g.entries) - 1; i >= 0; i-- {
		if g.entries[i].UserID != nil {
			return g.entries[i].UserID
		}
	}

	return nil
}

// ProcessOnce runs one acquire, publish and update cycle as holder.
func (r *Relay) ProcessOnce(ctx context.Context, holder string) (CycleResult, error) {
	_, tracer, correlationID := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "outbox.relay.process_once")
	defer span.End()

	start := r.now()

	entries, err := r.repo.AcquireBatch(ctx, holder, start.Add(r.cfg.LeaseDuration), r.cfg.BatchSize, r.cfg.MaxRetryCount)
	if err != nil {
		if ctx.Err() == nil {
			opentelemetry.HandleSpanError(span, "failed to acquire outbox batch", err)
			log.SafeError(r.logger, ctx, "failed to acquire outbox batch", err, true)
		}

		return CycleResult{}, fmt.Errorf("acquire batch: %w", err)
	}

	result := CycleResult{Acquired: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	r.metrics.acquired.Add(ctx, int64(len(entries)))
	defer func() {
		r.metrics.latency.Record(ctx, r.now().Sub(start).Seconds())
	}()

	span.SetAttributes(attribute.String("outbox.holder", holder), attribute.Int("outbox.acquired", len(entries)))

	groups := collapse(entries)

	r.resolve(ctx, groups)

	if err := r.publish(ctx, groups, correlationID); err != nil && ctx.Err() != nil {
		return r.release(ctx, holder, entries, result)
	}

	now := r.now()

	for _, g := range groups {
		for _, e := range g.entries {
			switch {
			case g.err != nil && ctx.Err() != nil:
				e.ReleaseLease()
				result.Released++

				continue
			case g.err != nil:
				e.MarkFailed(g.err, r.cfg.MaxRetryCount)
				result.Failed++

				continue
			}

			e.MarkProcessed(now)
			result.Processed++
		}

		if g.err != nil && ctx.Err() == nil {
			r.logFailure(ctx, g)
		}
	}

	result.LeaseLost = r.persist(ctx, holder, entries)

	r.record(context.WithoutCancel(ctx), result)

	span.SetAttributes(
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.failed", result.Failed),
		attribute.Int("outbox.lease_lost", result.LeaseLost),
	)

	return result, nil
}

// resolve re-reads entity existence so a change relayed after its entity was
// deleted propagates as a deletion.
func (r *Relay) resolve(ctx context.Context, groups []*entityGroup) {
	if r.state == nil {
		return
	}

	for _, g := range groups {
		if g.op == OperationDeleted {
			continue
		}

		exists, err := r.state.Exists(ctx, g.latest.EntityType, g.latest.EntityID)
		if err != nil {
			g.err = fmt.Errorf("%w: %w", ErrEntityStateUnavailable, err)

			continue
		}

		if !exists {
			g.op = OperationDeleted
		}
	}
}

func (r *Relay) publish(ctx context.Context, groups []*entityGroup, correlationID string) error {
	var (
		entryIDs []int64
		events   []messagebus.EntityChangedEvent
		ready    []*entityGroup
	)

	for _, g := range groups {
		if g.err != nil {
			continue
		}

		event := messagebus.EntityChangedEvent{
			EventID:       messagebus.BatchID(messagebus.TypeEntityChanged, strconv.FormatInt(g.latest.ID, 10)),
			EntityType:    g.latest.EntityType,
			EntityID:      g.latest.EntityID,
			Operation:     g.op.String(),
			UserID:        g.userID(),
			CreatedAt:     g.latest.CreatedAt,
			CorrelationID: correlationID,
		}

		g.event = &event
		events = append(events, event)
		ready = append(ready, g)

		for _, e := range g.entries {
			entryIDs = append(entryIDs, e.ID)
		}
	}

	if len(ready) == 0 {
		return nil
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	sort.Slice(entryIDs, func(i, j int) bool { return entryIDs[i] < entryIDs[j] })

	batch := messagebus.NewEntityChangedBatchEvent(entryIDs, events, r.now(), correlationID)

	if err := r.publishWithRetry(ctx, batch); err != nil {
		for _, g := range ready {
			g.err = err
		}

		return err
	}

	if r.classifier == nil {
		return nil
	}

	r.routeSignals(ctx, ready)

	return nil
}

func (r *Relay) publishWithRetry(ctx context.Context, batch messagebus.EntityChangedBatchEvent) error {
	var err error

	for attempt := 0; attempt < r.cfg.PublishAttempts; attempt++ {
		if attempt > 0 {
			if waitErr := backoff.Wait(ctx, backoff.ExponentialWithJitter(r.cfg.PublishBackoff, attempt-1)); waitErr != nil {
				return waitErr
			}
		}

		err = r.bus.Publish(ctx, r.cfg.EmbeddingsQueue, batch)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		r.logger.Log(ctx, log.LevelWarn, "change batch publish failed; retrying",
			log.String("batch_id", batch.BatchID),
			log.Int("attempt", attempt+1),
			log.Err(err),
		)
	}

	return fmt.Errorf("publish change batch %s: %w", batch.BatchID, err)
}

// routeSignals routes each user's signals separately so a failure only
// fails the entities that produced that user's signals.
func (r *Relay) routeSignals(ctx context.Context, groups []*entityGroup) {
	now := r.now()

	byUser := make(map[string][]messagebus.SignalRoutedEvent)
	owners := make(map[string][]*entityGroup)

	var users []string

	for _, g := range groups {
		for _, s := range r.classifier.Classify(*g.event, now) {
			if _, seen := byUser[s.UserID]; !seen {
				users = append(users, s.UserID)
			}

			byUser[s.UserID] = append(byUser[s.UserID], s)

			if owned := owners[s.UserID]; len(owned) == 0 || owned[len(owned)-1] != g {
				owners[s.UserID] = append(owned, g)
			}
		}
	}

	for _, user := range users {
		if err := r.router.Route(ctx, byUser[user]); err != nil {
			for _, g := range owners[user] {
				g.err = fmt.Errorf("route signals: %w", err)
			}
		}
	}
}

func (r *Relay) release(ctx context.Context, holder string, entries []*Entry, result CycleResult) (CycleResult, error) {
	for _, e := range entries {
		e.ReleaseLease()
	}

	result.Released = len(entries)
	result.LeaseLost = r.persist(ctx, holder, entries)

	r.record(context.WithoutCancel(ctx), result)

	r.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "released outbox leases on shutdown",
		log.String("holder", holder),
		log.Int("entries", result.Released),
	)

	return result, ctx.Err()
}

// persist writes entry state even when ctx is already cancelled and returns
// how many entries had lost their lease.
func (r *Relay) persist(ctx context.Context, holder string, entries []*Entry) int {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReleaseTimeout)
	defer cancel()

	err := r.repo.UpdateBatch(persistCtx, holder, entries)
	if err == nil {
		return 0
	}

	lost := countLeaseLost(err)
	if lost > 0 {
		r.logger.Log(persistCtx, log.LevelWarn, "outbox leases reclaimed before update; outcomes skipped",
			log.String("holder", holder),
			log.Int("entries", lost),
		)
	}

	if lost == 0 || !onlyLeaseLost(err) {
		log.SafeError(r.logger, persistCtx, "failed to update outbox batch", err, true)
	}

	return lost
}

func countLeaseLost(err error) int {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, e := range multi.Unwrap() {
			n += countLeaseLost(e)
		}

		return n
	}

	if errors.Is(err, ErrLeaseLost) {
		return 1
	}

	return 0
}

func onlyLeaseLost(err error) bool {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range multi.Unwrap() {
			if !onlyLeaseLost(e) {
				return false
			}
		}

		return true
	}

	return errors.Is(err, ErrLeaseLost)
}

func (r *Relay) logFailure(ctx context.Context, g *entityGroup) {
	level := log.LevelWarn
	msg := "outbox entity propagation failed; will retry"

	if g.latest.Status == StatusFailed {
		level = log.LevelError
		msg = "outbox entity propagation failed permanently"
	}

	r.logger.Log(ctx, level, msg,
		log.String("entity_type", g.latest.EntityType),
		log.String("entity_id", g.latest.EntityID),
		log.Int("retry_count", g.latest.RetryCount),
		log.Err(g.err),
	)
}

func (r *Relay) record(ctx context.Context, result CycleResult) {
	if result.Processed > 0 {
		r.metrics.processed.Add(ctx, int64(result.Processed))
	}

	if result.Failed > 0 {
		r.metrics.failed.Add(ctx, int64(result.Failed))
	}

	if result.Released > 0 {
		r.metrics.released.Add(ctx, int64(result.Released))
	}

	if result.LeaseLost > 0 {
		r.metrics.leaseLost.Add(ctx, int64(result.LeaseLost))
	}
}

func (r *Relay) registerRun(cancel context.CancelFunc) bool {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	if r.running {
		return false
	}

	r.running = true
	r.cancelFunc = cancel

	return true
}

func (r *Relay) clearRun() {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	r.running = false
	r.cancelFunc = nil
}
