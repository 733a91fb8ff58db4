package statemachine

import (
	"testing"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/servererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to application.Status
	}{
		{application.StatusPending, application.StatusValidating},
		{application.StatusPending, application.StatusCancelled},
		{application.StatusValidating, application.StatusApproved},
		{application.StatusValidating, application.StatusRejected},
		{application.StatusValidating, application.StatusUnderReview},
		{application.StatusUnderReview, application.StatusApproved},
		{application.StatusUnderReview, application.StatusRejected},
	}
	for _, c := range cases {
		got, err := Transition(c.from, c.to)
		require.NoError(t, err, "%s -> %s should be legal", c.from, c.to)
		assert.Equal(t, c.to, got)
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to application.Status
	}{
		{application.StatusPending, application.StatusApproved},
		{application.StatusApproved, application.StatusPending},
		{application.StatusRejected, application.StatusValidating},
		{application.StatusCompleted, application.StatusPending},
		{application.StatusCancelled, application.StatusValidating},
	}
	for _, c := range cases {
		_, err := Transition(c.from, c.to)
		require.Error(t, err, "%s -> %s should be illegal", c.from, c.to)
		appErr, ok := servererr.As(err)
		require.True(t, ok)
		assert.Equal(t, servererr.CodeStateTransition, appErr.Code)
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	got, err := Transition(application.StatusValidating, application.StatusValidating)
	require.NoError(t, err)
	assert.Equal(t, application.StatusValidating, got)
	assert.True(t, IsNoOp(application.StatusValidating, application.StatusValidating))
}

func TestFinalStatesHaveNoExits(t *testing.T) {
	finals := []application.Status{
		application.StatusApproved,
		application.StatusRejected,
		application.StatusCancelled,
		application.StatusCompleted,
	}
	for _, s := range finals {
		assert.True(t, s.Final())
		assert.False(t, CanTransition(s, application.StatusValidating))
	}
}
