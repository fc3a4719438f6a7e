package outbox

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an outbox record. Values are stored lowercase.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusArchived Status = "archived"
)

// ParseStatus accepts any letter case.
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
	case StatusPending, StatusSent, StatusFailed, StatusArchived:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether status may move to next.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusPending || next == StatusArchived
	case StatusSent:
		return next == StatusArchived
	default:
		return false
	}
}

// Predecessors lists the statuses that may transition to target.
func Predecessors(target Status) []Status {
	out := make([]Status, 0, 2)

	for _, from := range []Status{StatusPending, StatusSent, StatusFailed, StatusArchived} {
		if from.CanTransitionTo(target) {
			out = append(out, from)
		}
	}

	return out
}

// ValidateTransition returns ErrTransitionInvalid when from cannot move to to.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrStatusInvalid, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
