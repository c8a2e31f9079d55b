package outbox

import "errors"

var (
	ErrEntryRequired          = errors.New("outbox entry is required")
	ErrEntityTypeRequired     = errors.New("entity type is required")
	ErrEntityIDRequired       = errors.New("entity id is required")
	ErrHolderRequired         = errors.New("lease holder is required")
	ErrRepositoryRequired     = errors.New("outbox repository is required")
	ErrBusRequired            = errors.New("message bus is required")
	ErrRelayRunning           = errors.New("outbox relay is already running")
	ErrMaintenanceRunning     = errors.New("outbox maintenance is already running")
	ErrBatchSizeInvalid       = errors.New("batch size must be greater than zero")
	ErrMaxRetriesInvalid      = errors.New("max retries must be greater than zero")
	ErrLeaseExpiryInPast      = errors.New("lease expiry must be in the future")
	ErrOperationInvalid       = errors.New("invalid outbox operation")
	ErrStatusInvalid          = errors.New("invalid outbox status")
	ErrTransitionInvalid      = errors.New("invalid outbox status transition")
	ErrTransactionRequired    = errors.New("transaction is required")
	ErrRetentionInvalid       = errors.New("archive retention must be greater than zero")
	ErrLeaseLost              = errors.New("outbox lease lost to another holder")
	ErrEntityStateUnavailable = errors.New("entity state unavailable")
)
