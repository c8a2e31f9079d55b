package signal

import "errors"

var (
	ErrMixedUserBatch  = errors.New("signal batch mixes users")
	ErrEmptyBatch      = errors.New("signal batch is empty")
	ErrUserRequired    = errors.New("signal user is required")
	ErrBusRequired     = errors.New("message bus is required")
	ErrPriorityInvalid = errors.New("invalid signal priority")
	ErrRuleInvalid     = errors.New("invalid signal rule")
)
