package servererr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(DuplicateDocument("ES")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("application", "x")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ProviderUnavailable("BR", "mockbank")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(NetworkTimeout("fetch", errors.New("deadline"))))
	assert.True(t, IsRecoverable(ExternalService("mockbank", errors.New("boom"))))
	assert.True(t, IsRecoverable(ProviderUnavailable("BR", "mockbank")))
	assert.False(t, IsRecoverable(Validation("bad")))
	assert.False(t, IsRecoverable(errors.New("plain")))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Validation("bad")))
	assert.True(t, IsPermanent(NotFound("application", "x")))
	assert.True(t, IsPermanent(StateTransition("APPROVED", "PENDING")))
	assert.True(t, IsPermanent(DuplicateDocument("ES")))
	assert.False(t, IsPermanent(NetworkTimeout("fetch", nil)))
}

func TestIsRetryableByScheduler(t *testing.T) {
	assert.True(t, IsRetryableByScheduler("ProviderUnavailableError"))
	assert.True(t, IsRetryableByScheduler("NetworkTimeoutError"))
	assert.True(t, IsRetryableByScheduler("ExternalServiceError"))
	assert.False(t, IsRetryableByScheduler("ValidationError"))
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Recoverable("provider failed", cause)
	require.ErrorIs(t, err, cause)
}

func TestToEnvelope(t *testing.T) {
	env := ToEnvelope(DuplicateDocument("MX"), "req-1")
	assert.Equal(t, "an active application already exists for this document", env.Error)
	assert.Equal(t, "req-1", env.RequestID)
	assert.Equal(t, "MX", env.Detail["country"])

	fallback := ToEnvelope(errors.New("boom"), "req-2")
	assert.Equal(t, "internal error", fallback.Error)
}
