package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
)

const defaultTableName = "outbox_entries"

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
	defaultTransactionTimeout = 30 * time.Second

	dialect = goqu.Dialect("postgres")

	entryColumns = []any{
		"id", "entity_type", "entity_id", "operation", "user_id", "created_at",
		"processed_at", "leased_until", "lease_holder", "retry_count", "last_error", "status",
	}
)

var (
	_ outbox.Repository    = (*Repository)(nil)
	_ outbox.Recorder      = (*Repository)(nil)
	_ outbox.FailedCounter = (*Repository)(nil)
)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.Interface(logger) {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithTransactionTimeout bounds transactions started without a deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox entries in PostgreSQL.
type Repository struct {
	client             *pgclient.Client
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(client *pgclient.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		client:             client,
		logger:             log.NewNop(),
		tableName:          defaultTableName,
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, err
	}

	return repo, nil
}

func (repo *Repository) table() exp.IdentifierExpression {
	return goqu.T(repo.tableName)
}

// Add inserts a Pending entry inside tx and assigns entry.ID.
func (repo *Repository) Add(ctx context.Context, tx *sql.Tx, entry *outbox.Entry) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if tx == nil {
		return outbox.ErrTransactionRequired
	}

	if entry == nil {
		return outbox.ErrEntryRequired
	}

	if !entry.Operation.IsValid() {
		return fmt.Errorf("%w: %q", outbox.ErrOperationInvalid, entry.Operation)
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.add")
	defer span.End()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query, args, err := buildInsert(repo.table(), entry, createdAt)
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		opentelemetry.HandleSpanError(span, "failed to insert outbox entry", err)
		log.SafeError(repo.logger, ctx, "failed to insert outbox entry", err, true)

		return fmt.Errorf("inserting outbox entry: %w", err)
	}

	entry.ID = id
	entry.CreatedAt = createdAt
	entry.Status = outbox.StatusPending

	return nil
}

// AcquireBatch implements outbox.Repository.
func (repo *Repository) AcquireBatch(
	ctx context.Context,
	holder string,
	leaseUntil time.Time,
	batchSize, maxRetries int,
) ([]*outbox.Entry, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if strings.TrimSpace(holder) == "" {
		return nil, outbox.ErrHolderRequired
	}

	if batchSize <= 0 {
		return nil, outbox.ErrBatchSizeInvalid
	}

	if maxRetries <= 0 {
		return nil, outbox.ErrMaxRetriesInvalid
	}

	if !leaseUntil.After(time.Now()) {
		return nil, outbox.ErrLeaseExpiryInPast
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.acquire_batch")
	defer span.End()

	query, args, err := buildAcquire(repo.table(), holder, leaseUntil, batchSize, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("building acquire: %w", err)
	}

	entries, err := withTx(repo, ctx, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Entry, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("executing acquire: %w", err)
		}

		defer rows.Close()

		acquired := make([]*outbox.Entry, 0, batchSize)

		for rows.Next() {
			entry, scanErr := scanEntry(rows)
			if scanErr != nil {
				return nil, scanErr
			}

			acquired = append(acquired, entry)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating acquired rows: %w", err)
		}

		return acquired, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to acquire outbox batch", err)
		log.SafeError(repo.logger, ctx, "failed to acquire outbox batch", err, true)

		return nil, fmt.Errorf("acquiring batch: %w", err)
	}

	// RETURNING does not preserve the sub-select order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	span.SetAttributes(attribute.Int("outbox.acquired", len(entries)))

	return entries, nil
}

// ReleaseExpiredLeases implements outbox.Repository.
func (repo *Repository) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.release_expired_leases")
	defer span.End()

	query, args, err := buildReleaseExpired(repo.table())
	if err != nil {
		return 0, fmt.Errorf("building release: %w", err)
	}

	released, err := withTx(repo, ctx, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("executing release: %w", execErr)
		}

		return result.RowsAffected()
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to release expired leases", err)
		log.SafeError(repo.logger, ctx, "failed to release expired leases", err, true)

		return 0, fmt.Errorf("releasing expired leases: %w", err)
	}

	return released, nil
}

// UpdateBatch implements outbox.Repository. Rows still leased by holder are
// updated in one transaction; the rest are reported as lost.
func (repo *Repository) UpdateBatch(ctx context.Context, holder string, entries []*outbox.Entry) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if strings.TrimSpace(holder) == "" {
		return outbox.ErrHolderRequired
	}

	if len(entries) == 0 {
		return nil
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.update_batch")
	defer span.End()

	lost, err := withTx(repo, ctx, func(ctx context.Context, tx *sql.Tx) ([]error, error) {
		var lost []error

		for _, entry := range entries {
			if entry == nil {
				continue
			}

			query, args, buildErr := buildUpdate(repo.table(), holder, entry)
			if buildErr != nil {
				return nil, fmt.Errorf("building update: %w", buildErr)
			}

			result, execErr := tx.ExecContext(ctx, query, args...)
			if execErr != nil {
				return nil, fmt.Errorf("updating entry %d: %w", entry.ID, execErr)
			}

			affected, rowsErr := result.RowsAffected()
			if rowsErr != nil {
				return nil, fmt.Errorf("rows affected: %w", rowsErr)
			}

			if affected == 0 {
				lost = append(lost, fmt.Errorf("%w: entry %d", outbox.ErrLeaseLost, entry.ID))
			}
		}

		return lost, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to update outbox batch", err)
		log.SafeError(repo.logger, ctx, "failed to update outbox batch", err, true)

		return fmt.Errorf("updating batch: %w", err)
	}

	if len(lost) > 0 {
		span.SetAttributes(attribute.Int("outbox.lease_lost", len(lost)))
		repo.logger.Log(ctx, log.LevelWarn, "outbox rows reclaimed before update",
			log.String("holder", holder), log.Int("lost", len(lost)))
	}

	return errors.Join(lost...)
}

// ArchiveProcessedEntries implements outbox.Repository.
func (repo *Repository) ArchiveProcessedEntries(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if batchSize <= 0 {
		return 0, outbox.ErrBatchSizeInvalid
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.archive_processed")
	defer span.End()

	query, args, err := buildArchive(repo.table(), olderThan, batchSize)
	if err != nil {
		return 0, fmt.Errorf("building archive: %w", err)
	}

	removed, err := withTx(repo, ctx, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return 0, fmt.Errorf("executing archive: %w", execErr)
		}

		return result.RowsAffected()
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to archive processed entries", err)
		log.SafeError(repo.logger, ctx, "failed to archive processed entries", err, true)

		return 0, fmt.Errorf("archiving processed entries: %w", err)
	}

	return removed, nil
}

type failedCount struct {
	EntityType string `db:"entity_type"`
	Failed     int64  `db:"failed"`
}

// CountFailedByEntityType reads terminal failures from the replica.
func (repo *Repository) CountFailedByEntityType(ctx context.Context) (map[string]int64, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.count_failed")
	defer span.End()

	replica, err := repo.client.Replica()
	if err != nil {
		return nil, err
	}

	query, args, err := buildCountFailed(repo.table())
	if err != nil {
		return nil, fmt.Errorf("building count: %w", err)
	}

	var rows []failedCount
	if err := sqlx.NewDb(replica, "pgx").SelectContext(ctx, &rows, query, args...); err != nil {
		opentelemetry.HandleSpanError(span, "failed to count failed entries", err)

		return nil, fmt.Errorf("counting failed entries: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.EntityType] = r.Failed
	}

	return counts, nil
}

func buildInsert(table exp.IdentifierExpression, entry *outbox.Entry, createdAt time.Time) (string, []any, error) {
	return dialect.Insert(table).
		Rows(goqu.Record{
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"operation":   string(entry.Operation),
			"user_id":     entry.UserID,
			"created_at":  createdAt.UTC(),
			"status":      string(outbox.StatusPending),
			"retry_count": 0,
		}).
		Returning("id").
		Prepared(true).
		ToSQL()
}

func buildAcquire(table exp.IdentifierExpression, holder string, leaseUntil time.Time, batchSize, maxRetries int) (string, []any, error) {
	eligible := dialect.From(table).
		Select("id").
		Where(
			goqu.C("retry_count").Lt(maxRetries),
			goqu.Or(
				goqu.C("status").Eq(string(outbox.StatusPending)),
				goqu.And(
					goqu.C("status").Eq(string(outbox.StatusProcessing)),
					goqu.C("leased_until").Lt(goqu.L("NOW()")),
				),
			),
		).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize)).
		ForUpdate(exp.SkipLocked)

	return dialect.Update(table).
		Set(goqu.Record{
			"status":       string(outbox.StatusProcessing),
			"lease_holder": holder,
			"leased_until": leaseUntil.UTC(),
		}).
		Where(goqu.C("id").In(eligible)).
		Returning(entryColumns...).
		Prepared(true).
		ToSQL()
}

func buildReleaseExpired(table exp.IdentifierExpression) (string, []any, error) {
	return dialect.Update(table).
		Set(goqu.Record{
			"status":       string(outbox.StatusPending),
			"lease_holder": nil,
			"leased_until": nil,
		}).
		Where(
			goqu.C("status").Eq(string(outbox.StatusProcessing)),
			goqu.C("leased_until").Lt(goqu.L("NOW()")),
		).
		Prepared(true).
		ToSQL()
}

func buildUpdate(table exp.IdentifierExpression, holder string, entry *outbox.Entry) (string, []any, error) {
	return dialect.Update(table).
		Set(goqu.Record{
			"status":       string(entry.Status),
			"retry_count":  entry.RetryCount,
			"last_error":   entry.LastError,
			"processed_at": entry.ProcessedAt,
			"lease_holder": entry.LeaseHolder,
			"leased_until": entry.LeasedUntil,
		}).
		Where(
			goqu.C("id").Eq(entry.ID),
			goqu.C("lease_holder").Eq(holder),
			goqu.C("status").Eq(string(outbox.StatusProcessing)),
		).
		Prepared(true).
		ToSQL()
}

func buildArchive(table exp.IdentifierExpression, olderThan time.Time, batchSize int) (string, []any, error) {
	archivable := dialect.From(table).
		Select("id").
		Where(
			goqu.C("processed_at").IsNotNull(),
			goqu.C("processed_at").Lt(olderThan.UTC()),
		).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize))

	return dialect.Delete(table).
		Where(goqu.C("id").In(archivable)).
		Prepared(true).
		ToSQL()
}

func buildCountFailed(table exp.IdentifierExpression) (string, []any, error) {
	return dialect.From(table).
		Select(goqu.C("entity_type"), goqu.COUNT(goqu.Star()).As("failed")).
		Where(goqu.C("status").Eq(string(outbox.StatusFailed))).
		GroupBy(goqu.C("entity_type")).
		Prepared(true).
		ToSQL()
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*outbox.Entry, error) {
	var (
		entry     outbox.Entry
		operation string
		status    string
	)

	if err := scanner.Scan(
		&entry.ID,
		&entry.EntityType,
		&entry.EntityID,
		&operation,
		&entry.UserID,
		&entry.CreatedAt,
		&entry.ProcessedAt,
		&entry.LeasedUntil,
		&entry.LeaseHolder,
		&entry.RetryCount,
		&entry.LastError,
		&status,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox entry: %w", err)
	}

	op, err := outbox.ParseOperation(operation)
	if err != nil {
		return nil, err
	}

	st, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	entry.Operation = op
	entry.Status = st

	return &entry, nil
}

func withTx[T any](repo *Repository, ctx context.Context, fn func(context.Context, *sql.Tx) (T, error)) (T, error) {
	var zero T

	primary, err := repo.client.Primary()
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	tx, err := primary.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(txCtx, tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func validateIdentifier(identifier string) error {
	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}
