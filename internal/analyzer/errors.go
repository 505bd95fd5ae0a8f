package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"callscore/internal/apperr"

	"github.com/sashabaranov/go-openai"
)

const provider = "llm"

// statusOf extracts the HTTP status of a go-openai error, or 0.
func statusOf(err error) (int, string) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := string(reqErr.Body)
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return reqErr.HTTPStatusCode, msg
	}
	return 0, ""
}

// fallbackEligible reports whether the fallback model should be tried. err is
// a classified error that keeps the gateway error in its chain.
func fallbackEligible(err error) bool {
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindCircuitOpen {
		return false
	}
	status, _ := statusOf(err)
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// classify maps a gateway error to a canonical error.
func classify(model string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	status, msg := statusOf(err)
	if status == 0 {
		if errors.Is(err, context.Canceled) {
			return apperr.Retryable("llm request cancelled", err)
		}
		if apperr.IsTimeout(err) {
			e := apperr.Retryable("llm request timed out", err)
			e.Code = apperr.CodeTimeout
			return e
		}
		return apperr.Retryable("llm request failed", err)
	}
	text := fmt.Sprintf("llm gateway returned %d for %s", status, model)
	if msg != "" {
		text += ": " + truncate(msg, 300)
	}
	switch {
	case status == http.StatusUnauthorized:
		return apperr.Unauthorized(text).WithDetail("model", model).WithCause(err)
	case status == http.StatusPaymentRequired:
		e := apperr.Fatal(apperr.CodeNoCredits, text, err)
		e.Status = http.StatusPaymentRequired
		return e
	case status == http.StatusBadRequest:
		return apperr.Fatal(apperr.CodeBadRequest, text, err).WithDetail("model", model)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited(text, 0).WithDetail("model", model).WithCause(err)
	case status == http.StatusRequestTimeout || status >= 500:
		return apperr.ExternalAPI(provider, status, text, true).WithCause(err)
	default:
		return apperr.ExternalAPI(provider, status, text, false).WithCause(err)
	}
}
