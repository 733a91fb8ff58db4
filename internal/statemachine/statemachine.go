// Package statemachine implements the legal application status transitions
// (C7, §4.7) as pure functions over a fixed table.
package statemachine

import (
	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/servererr"
)

var transitions = map[application.Status]map[application.Status]bool{
	application.StatusPending: {
		application.StatusValidating: true,
		application.StatusCancelled:  true,
	},
	application.StatusValidating: {
		application.StatusApproved:    true,
		application.StatusRejected:    true,
		application.StatusUnderReview: true,
	},
	application.StatusUnderReview: {
		application.StatusApproved: true,
		application.StatusRejected: true,
	},
}

// CanTransition reports whether from -> to is a legal transition, including
// the no-op self-transition which is always legal.
func CanTransition(from, to application.Status) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Transition validates and returns the new status, or a StateTransition
// error if the move is illegal. Callers must treat a (to, nil) result with
// from == to as a no-op: no audit row should be written.
func Transition(from, to application.Status) (application.Status, error) {
	if from == to {
		return to, nil
	}
	if !CanTransition(from, to) {
		return from, servererr.StateTransition(string(from), string(to))
	}
	return to, nil
}

// IsNoOp reports whether from -> to would be a self-transition.
func IsNoOp(from, to application.Status) bool {
	return from == to
}
