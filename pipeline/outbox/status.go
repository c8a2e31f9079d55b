package outbox

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an Entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether status is part of the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next may follow status. Processing to
// Processing is a reclaim of an expired lease. Processed and Failed are
// terminal.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusProcessed || next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

// Operation is the kind of entity change an entry records.
type Operation string

const (
	OperationCreated Operation = "Created"
	OperationUpdated Operation = "Updated"
	OperationDeleted Operation = "Deleted"
)

// ParseOperation validates a raw operation value case-insensitively.
func ParseOperation(raw string) (Operation, error) {
	for _, op := range []Operation{OperationCreated, OperationUpdated, OperationDeleted} {
		if strings.EqualFold(strings.TrimSpace(raw), string(op)) {
			return op, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrOperationInvalid, raw)
}

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	switch op {
	case OperationCreated, OperationUpdated, OperationDeleted:
		return true
	default:
		return false
	}
}

func (op Operation) String() string {
	return string(op)
}
