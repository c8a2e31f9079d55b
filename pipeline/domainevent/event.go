package domainevent

import (
	"context"
	"database/sql"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
)

// Event is something that happened to an entity.
type Event interface {
	EventName() string
}

// Change describes an externally relevant entity change.
type Change struct {
	EntityType string
	EntityID   string
	Operation  outbox.Operation
	UserID     *string
}

// ChangeEvent is an event that must be propagated through the outbox.
type ChangeEvent interface {
	Event
	Change() Change
}

// EntityChanged is a ready-made ChangeEvent.
type EntityChanged struct {
	Name       string
	EntityType string
	EntityID   string
	Operation  outbox.Operation
	UserID     *string
}

func (e EntityChanged) EventName() string { return e.Name }

// Change implements ChangeEvent.
func (e EntityChanged) Change() Change {
	return Change{EntityType: e.EntityType, EntityID: e.EntityID, Operation: e.Operation, UserID: e.UserID}
}

// Entity exposes the events raised on it.
type Entity interface {
	DomainEvents() []Event
	ClearDomainEvents()
}

// AggregateRoot is embedded by entities that raise events. It is not safe
// for concurrent use.
type AggregateRoot struct {
	events []Event
}

// Raise attaches e to the aggregate.
func (a *AggregateRoot) Raise(e Event) {
	a.events = append(a.events, e)
}

// DomainEvents returns the raised events in raise order.
func (a *AggregateRoot) DomainEvents() []Event {
	return append([]Event(nil), a.events...)
}

// ClearDomainEvents drops every raised event.
func (a *AggregateRoot) ClearDomainEvents() {
	a.events = nil
}

// UnitOfWork tracks the entities touched by one command.
type UnitOfWork struct {
	entities []Entity
}

// NewUnitOfWork returns an empty unit of work.
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{}
}

// Track adds entities in tracking order.
func (u *UnitOfWork) Track(entities ...Entity) {
	for _, e := range entities {
		if e != nil {
			u.entities = append(u.entities, e)
		}
	}
}

// collect drains events from every entity in tracking order.
func (u *UnitOfWork) collect() []Event {
	var events []Event

	for _, e := range u.entities {
		raised := e.DomainEvents()
		if len(raised) == 0 {
			continue
		}

		e.ClearDomainEvents()

		events = append(events, raised...)
	}

	return events
}

func (u *UnitOfWork) pending() int {
	n := 0
	for _, e := range u.entities {
		n += len(e.DomainEvents())
	}

	return n
}

// ContextWithTx stores the transaction outbox rows must join.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return pipeline.ContextWithTx(ctx, tx)
}
