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
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultTableName = "bus_messages"
	driverName       = "pgx"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("message store not initialized")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

	json    = jsoniter.ConfigCompatibleWithStandardLibrary
	dialect = goqu.Dialect("postgres")

	messageColumns = []any{
		"id", "message_id", "message_type", "idempotency_key", "queue", "body", "headers",
		"deliver_at", "created_at", "status", "attempts", "last_error", "lease_holder", "leased_until",
		"sent_at",
	}
)

var _ messagebus.MessageStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithTableName overrides the message table name.
func WithTableName(tableName string) Option {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// Store keeps bus envelopes in PostgreSQL.
type Store struct {
	client    *pgclient.Client
	logger    log.Logger
	tableName string
}

// NewStore creates a PostgreSQL message store.
func NewStore(client *pgclient.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	s := &Store{client: client, logger: log.NewNop(), tableName: defaultTableName}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if !identifierPattern.MatchString(s.tableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s.tableName)
	}

	return s, nil
}

func (s *Store) initialized() bool {
	return s != nil && s.client != nil
}

func (s *Store) table() exp.IdentifierExpression {
	return goqu.T(s.tableName)
}

func (s *Store) primary() (*sqlx.DB, error) {
	db, err := s.client.Primary()
	if err != nil {
		return nil, err
	}

	return sqlx.NewDb(db, driverName), nil
}

// Enqueue implements messagebus.MessageStore. Envelopes whose idempotency
// key is already stored are dropped and reported as not inserted.
func (s *Store) Enqueue(ctx context.Context, tx *sql.Tx, env *messagebus.Envelope) (bool, error) {
	if !s.initialized() {
		return false, ErrStoreNotInitialized
	}

	if env == nil {
		return false, messagebus.ErrEnvelopeRequired
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.bus.enqueue")
	defer span.End()

	query, args, err := buildInsert(s.table(), env)
	if err != nil {
		return false, fmt.Errorf("building insert: %w", err)
	}

	var execer interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	}

	if tx != nil {
		execer = tx
	} else {
		db, dbErr := s.client.Primary()
		if dbErr != nil {
			return false, dbErr
		}

		execer = db
	}

	result, err := execer.ExecContext(ctx, query, args...)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to enqueue message", err)
		log.SafeError(s.logger, ctx, "failed to enqueue message", err, true)

		return false, fmt.Errorf("inserting message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	span.SetAttributes(attribute.Bool("messagebus.duplicate", affected == 0))

	return affected > 0, nil
}

type messageRow struct {
	ID             int64          `db:"id"`
	MessageID      string         `db:"message_id"`
	MessageType    string         `db:"message_type"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Queue          string         `db:"queue"`
	Body           []byte         `db:"body"`
	Headers        []byte         `db:"headers"`
	DeliverAt      time.Time      `db:"deliver_at"`
	CreatedAt      time.Time      `db:"created_at"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	LastError      sql.NullString `db:"last_error"`
	LeaseHolder    sql.NullString `db:"lease_holder"`
	LeasedUntil    sql.NullTime   `db:"leased_until"`
	SentAt         sql.NullTime   `db:"sent_at"`
}

func (row messageRow) toStored() *messagebus.StoredMessage {
	headers := map[string]string{}
	if len(row.Headers) > 0 {
		// Headers only carry trace context; a corrupt value is dropped.
		_ = json.Unmarshal(row.Headers, &headers)
	}

	deliverAt := row.DeliverAt.UTC()

	msg := &messagebus.StoredMessage{
		ID: row.ID,
		Envelope: &messagebus.Envelope{
			MessageID:      row.MessageID,
			MessageType:    row.MessageType,
			IdempotencyKey: row.IdempotencyKey.String,
			Queue:          row.Queue,
			Body:           row.Body,
			Headers:        headers,
			DeliverAt:      &deliverAt,
			CreatedAt:      row.CreatedAt.UTC(),
		},
		Status:   messagebus.MessageStatus(row.Status),
		Attempts: row.Attempts,
	}

	if row.LastError.Valid {
		msg.LastError = &row.LastError.String
	}

	if row.LeaseHolder.Valid {
		msg.LeaseHolder = &row.LeaseHolder.String
	}

	if row.LeasedUntil.Valid {
		until := row.LeasedUntil.Time.UTC()
		msg.LeasedUntil = &until
	}

	if row.SentAt.Valid {
		sentAt := row.SentAt.Time.UTC()
		msg.SentAt = &sentAt
	}

	return msg
}

// LeaseDue implements messagebus.MessageStore.
func (s *Store) LeaseDue(ctx context.Context, holder string, until time.Time, limit int) ([]*messagebus.StoredMessage, error) {
	if !s.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(holder) == "" {
		return nil, messagebus.ErrHolderRequired
	}

	if limit <= 0 {
		return nil, nil
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.bus.lease_due")
	defer span.End()

	query, args, err := buildLease(s.table(), holder, until, limit)
	if err != nil {
		return nil, fmt.Errorf("building lease: %w", err)
	}

	db, err := s.primary()
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		opentelemetry.HandleSpanError(span, "failed to lease messages", err)
		log.SafeError(s.logger, ctx, "failed to lease messages", err, true)

		return nil, fmt.Errorf("leasing messages: %w", err)
	}

	leased := make([]*messagebus.StoredMessage, 0, len(rows))
	for _, row := range rows {
		leased = append(leased, row.toStored())
	}

	// RETURNING does not preserve the sub-select order.
	sort.Slice(leased, func(i, j int) bool { return leased[i].ID < leased[j].ID })

	span.SetAttributes(attribute.Int("messagebus.leased", len(leased)))

	return leased, nil
}

// MarkSent implements messagebus.MessageStore.
func (s *Store) MarkSent(ctx context.Context, holder string, id int64) error {
	return s.settle(ctx, "postgres.bus.mark_sent", holder, id, goqu.Record{
		"status":  string(messagebus.MessageSent),
		"sent_at": goqu.L("NOW()"),
	})
}

// Reschedule implements messagebus.MessageStore.
func (s *Store) Reschedule(ctx context.Context, holder string, id int64, deliverAt time.Time, attempts int, lastErr string) error {
	return s.settle(ctx, "postgres.bus.reschedule", holder, id, goqu.Record{
		"status":     string(messagebus.MessagePending),
		"deliver_at": deliverAt.UTC(),
		"attempts":   attempts,
		"last_error": outbox.SanitizeErrorMessage(lastErr),
	})
}

// MarkDead implements messagebus.MessageStore.
func (s *Store) MarkDead(ctx context.Context, holder string, id int64, attempts int, lastErr string) error {
	return s.settle(ctx, "postgres.bus.mark_dead", holder, id, goqu.Record{
		"status":     string(messagebus.MessageDead),
		"attempts":   attempts,
		"last_error": outbox.SanitizeErrorMessage(lastErr),
	})
}

func (s *Store) settle(ctx context.Context, spanName, holder string, id int64, set goqu.Record) error {
	if !s.initialized() {
		return ErrStoreNotInitialized
	}

	if strings.TrimSpace(holder) == "" {
		return messagebus.ErrHolderRequired
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	query, args, err := buildSettle(s.table(), holder, id, set)
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}

	db, err := s.client.Primary()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to update message", err)

		return fmt.Errorf("updating message %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: message %d", messagebus.ErrLeaseLost, id)
	}

	return nil
}

// ArchiveSent implements messagebus.MessageStore. Dead envelopes are kept
// for replay.
func (s *Store) ArchiveSent(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	if !s.initialized() {
		return 0, ErrStoreNotInitialized
	}

	if batchSize <= 0 {
		return 0, messagebus.ErrBatchSizeInvalid
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.bus.archive_sent")
	defer span.End()

	query, args, err := buildArchiveSent(s.table(), olderThan, batchSize)
	if err != nil {
		return 0, fmt.Errorf("building archive: %w", err)
	}

	db, err := s.client.Primary()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to archive sent messages", err)
		log.SafeError(s.logger, ctx, "failed to archive sent messages", err, true)

		return 0, fmt.Errorf("archiving sent messages: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	span.SetAttributes(attribute.Int64("messagebus.archived", removed))

	return removed, nil
}

type deadCount struct {
	Queue string `db:"queue"`
	Dead  int64  `db:"dead"`
}

// CountDeadByQueue implements messagebus.MessageStore. It reads the replica.
func (s *Store) CountDeadByQueue(ctx context.Context) (map[string]int64, error) {
	if !s.initialized() {
		return nil, ErrStoreNotInitialized
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.bus.count_dead")
	defer span.End()

	replica, err := s.client.Replica()
	if err != nil {
		return nil, err
	}

	query, args, err := buildCountDead(s.table())
	if err != nil {
		return nil, fmt.Errorf("building count: %w", err)
	}

	var rows []deadCount
	if err := sqlx.NewDb(replica, driverName).SelectContext(ctx, &rows, query, args...); err != nil {
		opentelemetry.HandleSpanError(span, "failed to count dead messages", err)

		return nil, fmt.Errorf("counting dead messages: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Queue] = r.Dead
	}

	return counts, nil
}

func buildInsert(table exp.IdentifierExpression, env *messagebus.Envelope) (string, []any, error) {
	headers, err := json.Marshal(env.Headers)
	if err != nil {
		return "", nil, fmt.Errorf("encoding headers: %w", err)
	}

	var idempotencyKey any
	if env.IdempotencyKey != "" {
		idempotencyKey = env.IdempotencyKey
	}

	deliverAt := env.CreatedAt.UTC()
	if env.DeliverAt != nil {
		deliverAt = env.DeliverAt.UTC()
	}

	return dialect.Insert(table).
		Rows(goqu.Record{
			"message_id":      env.MessageID,
			"message_type":    env.MessageType,
			"idempotency_key": idempotencyKey,
			"queue":           env.Queue,
			"body":            env.Body,
			"headers":         string(headers),
			"deliver_at":      deliverAt,
			"created_at":      env.CreatedAt.UTC(),
			"status":          string(messagebus.MessagePending),
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
}

func buildLease(table exp.IdentifierExpression, holder string, until time.Time, limit int) (string, []any, error) {
	due := dialect.From(table).
		Select("id").
		Where(goqu.Or(
			goqu.And(
				goqu.C("status").Eq(string(messagebus.MessagePending)),
				goqu.C("deliver_at").Lte(goqu.L("NOW()")),
			),
			goqu.And(
				goqu.C("status").Eq(string(messagebus.MessageSending)),
				goqu.C("leased_until").Lt(goqu.L("NOW()")),
			),
		)).
		Order(goqu.C("id").Asc()).
		Limit(uint(limit)).
		ForUpdate(exp.SkipLocked)

	return dialect.Update(table).
		Set(goqu.Record{
			"status":       string(messagebus.MessageSending),
			"lease_holder": holder,
			"leased_until": until.UTC(),
		}).
		Where(goqu.C("id").In(due)).
		Returning(messageColumns...).
		Prepared(true).
		ToSQL()
}

func buildSettle(table exp.IdentifierExpression, holder string, id int64, set goqu.Record) (string, []any, error) {
	record := goqu.Record{"lease_holder": nil, "leased_until": nil}
	for k, v := range set {
		record[k] = v
	}

	return dialect.Update(table).
		Set(record).
		Where(
			goqu.C("id").Eq(id),
			goqu.C("lease_holder").Eq(holder),
			goqu.C("status").Eq(string(messagebus.MessageSending)),
		).
		Prepared(true).
		ToSQL()
}

func buildCountDead(table exp.IdentifierExpression) (string, []any, error) {
	return dialect.From(table).
		Select(goqu.C("queue"), goqu.COUNT(goqu.Star()).As("dead")).
		Where(goqu.C("status").Eq(string(messagebus.MessageDead))).
		GroupBy(goqu.C("queue")).
		Prepared(true).
		ToSQL()
}

func buildArchiveSent(table exp.IdentifierExpression, olderThan time.Time, batchSize int) (string, []any, error) {
	archivable := dialect.From(table).
		Select("id").
		Where(
			goqu.C("status").Eq(string(messagebus.MessageSent)),
			goqu.C("sent_at").Lt(olderThan.UTC()),
		).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize))

	return dialect.Delete(table).
		Where(goqu.C("id").In(archivable)).
		Prepared(true).
		ToSQL()
}
