package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/cron"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/runtime"
)

const (
	DefaultSweepSchedule    = "* * * * *"
	DefaultArchiveSchedule  = "0 3 * * *"
	DefaultArchiveRetention = 7 * 24 * time.Hour
	DefaultArchiveBatchSize = 500
)

// MaintenanceConfig schedules the lease sweep and the archival of processed
// entries.
type MaintenanceConfig struct {
	SweepSchedule    string
	ArchiveSchedule  string
	Retention        time.Duration
	ArchiveBatchSize int
	Location         *time.Location
}

// DefaultMaintenanceConfig sweeps every minute and archives nightly at 03:00
// UTC, keeping a week of processed entries.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepSchedule:    DefaultSweepSchedule,
		ArchiveSchedule:  DefaultArchiveSchedule,
		Retention:        DefaultArchiveRetention,
		ArchiveBatchSize: DefaultArchiveBatchSize,
		Location:         time.UTC,
	}
}

func (cfg *MaintenanceConfig) normalize() {
	defaults := DefaultMaintenanceConfig()

	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaults.SweepSchedule
	}

	if cfg.ArchiveSchedule == "" {
		cfg.ArchiveSchedule = defaults.ArchiveSchedule
	}

	if cfg.ArchiveBatchSize <= 0 {
		cfg.ArchiveBatchSize = defaults.ArchiveBatchSize
	}

	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
}

// MaintenanceOption configures Maintenance.
type MaintenanceOption func(*Maintenance)

// WithMaintenanceLogger sets the logger.
func WithMaintenanceLogger(logger log.Logger) MaintenanceOption {
	return func(m *Maintenance) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

// WithMaintenanceClock overrides time.Now.
func WithMaintenanceClock(now func() time.Time) MaintenanceOption {
	return func(m *Maintenance) {
		if now != nil {
			m.now = now
		}
	}
}

// Archiver removes at most batchSize rows finished before olderThan and
// reports how many it removed.
type Archiver func(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)

// WithMaintenanceArchiver adds an archive job for another table. It runs on
// ArchiveSchedule with the same retention and batch size as the outbox.
func WithMaintenanceArchiver(name string, archive Archiver) MaintenanceOption {
	return func(m *Maintenance) {
		if name != "" && archive != nil {
			m.archivers = append(m.archivers, namedArchiver{name: name, archive: archive})
		}
	}
}

type namedArchiver struct {
	name    string
	archive Archiver
}

type job struct {
	name     string
	schedule cron.Schedule
	run      func(ctx context.Context) (int64, error)
	next     time.Time
}

// Maintenance runs the outbox housekeeping jobs on cron schedules.
type Maintenance struct {
	repo   Repository
	cfg    MaintenanceConfig
	logger log.Logger
	now    func() time.Time
	jobs   []*job

	archivers []namedArchiver

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
}

var _ pipeline.App = (*Maintenance)(nil)

// NewMaintenance validates cfg and returns a Maintenance app.
func NewMaintenance(repo Repository, cfg MaintenanceConfig, opts ...MaintenanceOption) (*Maintenance, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	cfg.normalize()

	if cfg.Retention <= 0 {
		return nil, ErrRetentionInvalid
	}

	sweep, err := cron.ParseInLocation(cfg.SweepSchedule, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}

	archive, err := cron.ParseInLocation(cfg.ArchiveSchedule, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("archive schedule: %w", err)
	}

	m := &Maintenance{
		repo:   repo,
		cfg:    cfg,
		logger: log.NewNop(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.jobs = []*job{
		{name: "release_expired_leases", schedule: sweep, run: m.SweepOnce},
		{name: "archive_processed_entries", schedule: archive, run: m.ArchiveOnce},
	}

	for _, a := range m.archivers {
		m.jobs = append(m.jobs, &job{
			name:     "archive_" + a.name,
			schedule: archive,
			run: func(ctx context.Context) (int64, error) {
				return m.archiveBatches(ctx, a.name, a.archive)
			},
		})
	}

	return m, nil
}

// Run runs the jobs until Stop is called or the launcher context ends.
func (m *Maintenance) Run(launcher *pipeline.Launcher) error {
	return m.RunContext(launcher.Context())
}

// RunContext runs the jobs until Stop is called or ctx is cancelled.
func (m *Maintenance) RunContext(ctx context.Context) error {
	if !m.registerRun() {
		return ErrMaintenanceRunning
	}

	defer m.clearRun()

	m.logger.Log(ctx, log.LevelInfo, "outbox maintenance started",
		log.String("sweep_schedule", m.cfg.SweepSchedule),
		log.String("archive_schedule", m.cfg.ArchiveSchedule),
	)

	for {
		wake, err := m.schedule(m.now())
		if err != nil {
			return err
		}

		timer := time.NewTimer(wake.Sub(m.now()))

		select {
		case <-m.stop:
			timer.Stop()

			return nil
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}

		m.RunDue(ctx, m.now())
	}
}

// schedule computes pending activations and returns the earliest.
func (m *Maintenance) schedule(now time.Time) (time.Time, error) {
	var earliest time.Time

	for _, j := range m.jobs {
		if j.next.IsZero() {
			next, err := j.schedule.Next(now)
			if err != nil {
				return time.Time{}, fmt.Errorf("schedule %s: %w", j.name, err)
			}

			j.next = next
		}

		if earliest.IsZero() || j.next.Before(earliest) {
			earliest = j.next
		}
	}

	return earliest, nil
}

// RunDue runs every job whose activation is at or before now and returns the
// names of the jobs that ran.
func (m *Maintenance) RunDue(ctx context.Context, now time.Time) []string {
	var ran []string

	if _, err := m.schedule(now); err != nil {
		m.logger.Log(ctx, log.LevelError, "failed to schedule outbox maintenance", log.Err(err))

		return nil
	}

	for _, j := range m.jobs {
		if j.next.After(now) {
			continue
		}

		m.runJob(ctx, j)

		// Missed activations collapse into this run.
		j.next = time.Time{}
		if next, err := j.schedule.Next(now); err == nil {
			j.next = next
		}

		ran = append(ran, j.name)
	}

	return ran
}

func (m *Maintenance) runJob(ctx context.Context, j *job) {
	defer runtime.RecoverAndLogWithContext(ctx, m.logger, "outbox", "maintenance_"+j.name)

	n, err := j.run(ctx)
	if err != nil {
		log.SafeError(m.logger, ctx, "outbox maintenance job failed", err, true)

		return
	}

	if n > 0 {
		m.logger.Log(ctx, log.LevelInfo, "outbox maintenance job completed",
			log.String("job", j.name),
			log.Int64("rows", n),
		)
	}
}

// SweepOnce returns expired leases to Pending.
func (m *Maintenance) SweepOnce(ctx context.Context) (int64, error) {
	n, err := m.repo.ReleaseExpiredLeases(ctx)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}

	return n, nil
}

// ArchiveOnce removes entries processed before the retention window, one
// batch at a time, until a batch comes back short.
func (m *Maintenance) ArchiveOnce(ctx context.Context) (int64, error) {
	return m.archiveBatches(ctx, "processed entries", m.repo.ArchiveProcessedEntries)
}

func (m *Maintenance) archiveBatches(ctx context.Context, name string, archive Archiver) (int64, error) {
	cutoff := m.now().Add(-m.cfg.Retention)

	var total int64

	for {
		n, err := archive(ctx, cutoff, m.cfg.ArchiveBatchSize)
		total += n

		if err != nil {
			return total, fmt.Errorf("archive %s: %w", name, err)
		}

		if n < int64(m.cfg.ArchiveBatchSize) || ctx.Err() != nil {
			return total, nil
		}
	}
}

// Stop signals the scheduler loop to stop.
func (m *Maintenance) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Maintenance) registerRun() bool {
	m.runStateMu.Lock()
	defer m.runStateMu.Unlock()

	if m.running {
		return false
	}

	m.running = true

	return true
}

func (m *Maintenance) clearRun() {
	m.runStateMu.Lock()
	defer m.runStateMu.Unlock()

	m.running = false
}
