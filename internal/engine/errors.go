package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBody rejects a ticket submitted without text.
	ErrEmptyBody = errors.New("ticket body must not be empty")
	// ErrAlreadyExists rejects a duplicate identifier or a second active
	// ticket for the same submitter.
	ErrAlreadyExists = errors.New("already exists")
)

// InvalidTransitionError names the current and requested state of a
// rejected transition.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// NotAssignedError indicates the caller is not the mission's assignee.
type NotAssignedError struct {
	MissionID string
}

func (e NotAssignedError) Error() string {
	return fmt.Sprintf("mission %s is not assigned to the caller", e.MissionID)
}

// LockedAssignmentError indicates the mission can no longer be
// reassigned.
type LockedAssignmentError struct {
	MissionID string
}

func (e LockedAssignmentError) Error() string {
	return fmt.Sprintf("mission %s assignment is locked", e.MissionID)
}
