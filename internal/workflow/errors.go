package workflow

import (
	"fmt"

	"bitacora/internal/domain"
	"bitacora/internal/perm"
)

// InvalidTransitionError reports an operation attempted from a status it is
// not legal from.
type InvalidTransitionError struct {
	Op     perm.Operation
	From   domain.EntryStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s from status %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot %s from status %s", e.Op, e.From)
}

// PermissionDeniedError reports a caller the operation table rejects.
type PermissionDeniedError struct {
	Op     perm.Operation
	UserID string
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %s may not %s: %s", e.UserID, e.Op, e.Reason)
}

// MissingTaskError reports an operation that requires a task the entry does
// not carry for this user.
type MissingTaskError struct {
	EntryID string
	UserID  string
	Kind    string
}

func (e *MissingTaskError) Error() string {
	return fmt.Sprintf("no %s task for user %s on entry %s", e.Kind, e.UserID, e.EntryID)
}

// ValidationError reports malformed input rejected before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
