package messagebus

import "errors"

var (
	ErrTransportRequired   = errors.New("message transport is required")
	ErrStoreRequired       = errors.New("message store is required")
	ErrQueueRequired       = errors.New("queue name is required")
	ErrMessageRequired     = errors.New("message is required")
	ErrMessageTypeRequired = errors.New("message type is required")
	ErrEnvelopeRequired    = errors.New("envelope is required")
	ErrHandlerRequired     = errors.New("message handler is required")
	ErrDedupStoreRequired  = errors.New("dedup store is required")
	ErrForwarderRunning    = errors.New("message forwarder is already running")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrDuplicateMessage    = errors.New("duplicate idempotency key")
	ErrLeaseLost           = errors.New("message lease lost to another holder")
	ErrHolderRequired      = errors.New("lease holder is required")
	ErrBatchSizeInvalid    = errors.New("batch size must be positive")
)
