package domainevent

import "errors"

var (
	ErrPublisherRequired = errors.New("domain event publisher is required")
	ErrRecorderRequired  = errors.New("outbox recorder is required")
	ErrHandlerRequired   = errors.New("domain event handler is required")
	ErrEventNameRequired = errors.New("domain event name is required")
	ErrEventRequired     = errors.New("domain event is required")
	ErrUnitOfWorkNil     = errors.New("unit of work is nil")
)
