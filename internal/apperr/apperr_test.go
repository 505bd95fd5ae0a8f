package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{NotFound("call", "c1"), http.StatusNotFound},
		{Unauthorized("no"), http.StatusUnauthorized},
		{Forbidden("no"), http.StatusForbidden},
		{RateLimited("slow down", time.Second), http.StatusTooManyRequests},
		{ExternalAPI("groq", 500, "boom", true), http.StatusBadGateway},
		{Unavailable("llm not configured"), http.StatusServiceUnavailable},
		{CircuitOpen("groq"), http.StatusServiceUnavailable},
		{Internal(errors.New("nil map")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.HTTPStatus(), tc.err.Code)
	}
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, IsRetryable(RateLimited("x", 0)))
	assert.True(t, IsRetryable(CircuitOpen("sarvam")))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.True(t, IsFatal(Unauthorized("bad key")))
	assert.True(t, IsFatal(Fatal(CodeAnalysisFormat, "unparseable", nil)))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsFatal(nil))

	wrapped := fmt.Errorf("transcribe: %w", Unauthorized("bad key"))
	assert.True(t, IsFatal(wrapped))
	assert.True(t, HasCode(wrapped, CodeUnauthorized))
}

func TestFrom_WrapsUnknownAndTimeouts(t *testing.T) {
	e := From(errors.New("boom"))
	require.NotNil(t, e)
	assert.Equal(t, CodeInternal, e.Code)
	assert.False(t, e.Operational)

	e = From(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, CodeRetryable, e.Code)
	assert.True(t, e.Retryable)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", RateLimited("429", 7*time.Second))
	assert.Equal(t, 7*time.Second, RetryAfterOf(err))
	e, ok := As(err)
	require.True(t, ok)
	assert.EqualValues(t, 7000, e.Details["retry_after_ms"])
}
