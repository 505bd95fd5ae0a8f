// Package respond writes the {ok, data, error} API envelope.
package respond

import (
	"strconv"
	"time"

	"callscore/internal/apperr"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Envelope is the body of every API response.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const ctxExposeErrors = "respond.expose_errors"

// ExposeErrors controls whether non-operational error messages reach
// clients. Production hides them.
func ExposeErrors(expose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxExposeErrors, expose)
		c.Next()
	}
}

// OK writes a successful envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{OK: true, Data: data})
}

// Fail maps err to its canonical status and writes an error envelope.
func Fail(c *gin.Context, err error) {
	e := apperr.From(err)
	log := logger.FromGin(c)
	if e.Operational {
		log.Warn("request failed", "code", e.Code, "status", e.HTTPStatus(), "err", err)
	} else {
		log.Error("request failed", "code", e.Code, "err", err)
	}

	body := &ErrorBody{Code: e.Code, Message: e.Message, Details: e.Details, Timestamp: e.Timestamp}
	if !e.Operational {
		if c.GetBool(ctxExposeErrors) && e.Err != nil {
			body.Message = e.Err.Error()
		} else {
			body.Message = "internal error"
			body.Details = nil
		}
	}
	if e.RetryAfter > 0 {
		c.Header("Retry-After", formatSeconds(e.RetryAfter))
	}
	c.AbortWithStatusJSON(e.HTTPStatus(), Envelope{OK: false, Error: body})
}

// BadRequest is Fail with a validation error.
func BadRequest(c *gin.Context, msg string) {
	Fail(c, apperr.Validation(msg))
}

// NoRoute answers unknown paths with the envelope.
func NoRoute(c *gin.Context) {
	Fail(c, apperr.NotFound("route", c.Request.Method+" "+c.Request.URL.Path))
}

func formatSeconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
