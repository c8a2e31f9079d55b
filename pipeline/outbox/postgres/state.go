package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/opentelemetry"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
	"go.opentelemetry.io/otel/attribute"
)

var _ outbox.EntityStateReader = (*StateReader)(nil)

// StateReader answers existence checks against entity tables on the primary.
// Entity types without a mapped table are reported as existing.
type StateReader struct {
	client *pgclient.Client
	tables map[string]string
}

// NewStateReader maps entity types to the tables holding them.
func NewStateReader(client *pgclient.Client, tables map[string]string) (*StateReader, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	copied := make(map[string]string, len(tables))

	for entityType, table := range tables {
		if err := validateIdentifier(table); err != nil {
			return nil, fmt.Errorf("table for %s: %w", entityType, err)
		}

		copied[entityType] = table
	}

	return &StateReader{client: client, tables: copied}, nil
}

// Exists implements outbox.EntityStateReader.
func (s *StateReader) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	table, ok := s.tables[entityType]
	if !ok {
		return true, nil
	}

	_, tracer, _ := pipeline.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.entity_exists")
	defer span.End()

	span.SetAttributes(attribute.String("entity.type", entityType))

	primary, err := s.client.Primary()
	if err != nil {
		return false, err
	}

	query, args, err := buildExists(table, entityID)
	if err != nil {
		return false, fmt.Errorf("building exists: %w", err)
	}

	var one int
	if err := primary.QueryRowContext(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		opentelemetry.HandleSpanError(span, "failed to check entity existence", err)

		return false, fmt.Errorf("checking %s %s: %w", entityType, entityID, err)
	}

	return true, nil
}

func buildExists(table, entityID string) (string, []any, error) {
	return dialect.From(goqu.T(table)).
		Select(goqu.L("1")).
		Where(goqu.C("id").Eq(entityID)).
		Limit(1).
		Prepared(true).
		ToSQL()
}
