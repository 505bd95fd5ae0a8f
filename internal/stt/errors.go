package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"callscore/internal/apperr"

	"github.com/go-resty/resty/v2"
)

// StatusError maps a vendor HTTP status to a canonical error.
func StatusError(provider string, status int, body string, retryAfter time.Duration) error {
	msg := fmt.Sprintf("%s returned %d", provider, status)
	if detail := vendorMessage(body); detail != "" {
		msg += ": " + detail
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Unauthorized(msg).WithDetail("provider", provider).WithDetail("status", status)
	case status == http.StatusRequestEntityTooLarge:
		return apperr.Fatal(apperr.CodeAudioTooLarge, msg, nil).WithDetail("provider", provider)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited(msg, retryAfter).WithDetail("provider", provider)
	case status == http.StatusUnsupportedMediaType:
		return apperr.Fatal(apperr.CodeUnsupportedFormat, msg, nil).WithDetail("provider", provider)
	case status == http.StatusRequestTimeout || status >= 500:
		return apperr.ExternalAPI(provider, status, msg, true)
	default:
		return apperr.ExternalAPI(provider, status, msg, false)
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// vendorMessage extracts a short message from a JSON error body.
func vendorMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	var m map[string]any
	if json.Unmarshal([]byte(body), &m) == nil {
		for _, k := range []string{"message", "detail", "error", "err_msg"} {
			switch v := m[k].(type) {
			case string:
				return truncate(v, 300)
			case map[string]any:
				if s, ok := v["message"].(string); ok {
					return truncate(s, 300)
				}
			}
		}
	}
	return truncate(body, 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// transportError classifies a failure before any response arrived.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return apperr.Retryable(provider+" request cancelled", err)
	}
	if apperr.IsTimeout(err) {
		e := apperr.Retryable(provider+" request timed out", err)
		e.Code = apperr.CodeTimeout
		return e
	}
	return apperr.Retryable(provider+" request failed", err)
}

// doJSON executes a resty request and decodes a 2xx JSON body into out. It
// returns the raw body for Result.RawResponse.
func doJSON(provider string, send func() (*resty.Response, error), out any) ([]byte, error) {
	resp, err := send()
	if err != nil {
		return nil, transportError(provider, err)
	}
	body := resp.Body()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, StatusError(provider, resp.StatusCode(), string(body),
			ParseRetryAfter(resp.Header().Get("Retry-After"), time.Now()))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, apperr.ExternalAPI(provider, resp.StatusCode(), "unparseable response: "+err.Error(), true)
	}
	return body, nil
}

func newRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}
