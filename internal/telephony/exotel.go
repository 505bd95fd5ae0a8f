package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/config"
	"callscore/internal/objectstore"

	"github.com/spf13/cast"
)

// maxPayloadBytes bounds a webhook body.
const maxPayloadBytes = 1 << 20

// Exotel adapts the Exotel passthru/status callback. Exotel posts form
// fields in CamelCase; applets forwarding JSON use snake_case. Both are read.
type Exotel struct {
	cfg config.ExotelConfig
	now func() time.Time
}

func NewExotel(cfg config.ExotelConfig) *Exotel {
	return &Exotel{cfg: cfg, now: time.Now}
}

func (p *Exotel) Name() string { return "exotel" }

// RecordingCredentials returns the API key pair Exotel recording URLs
// accept as basic auth.
func (p *Exotel) RecordingCredentials() *objectstore.Credentials {
	if p.cfg.APIKey == "" || p.cfg.APIToken == "" {
		return nil
	}
	return &objectstore.Credentials{Username: p.cfg.APIKey, Password: p.cfg.APIToken}
}

func (p *Exotel) ParseCompletion(r *http.Request) (CompletionEvent, error) {
	raw, err := ReadPayload(r)
	if err != nil {
		return CompletionEvent{}, err
	}
	return ParseEvent(raw, p.now())
}

// field aliases, snake_case first.
var (
	fCallSID          = []string{"call_sid", "CallSid", "callSid"}
	fTransactionID    = []string{"transaction_id", "TransactionId"}
	fFrom             = []string{"from", "From", "CallFrom"}
	fTo               = []string{"to", "To", "CallTo"}
	fDirection        = []string{"direction", "Direction"}
	fCallType         = []string{"call_type", "CallType"}
	fDialCallStatus   = []string{"dial_call_status", "DialCallStatus"}
	fDialCallDuration = []string{"dial_call_duration", "DialCallDuration"}
	fOnCallDuration   = []string{"on_call_duration", "OnCallDuration"}
	fRecordingURL     = []string{"recording_url", "RecordingUrl", "RecordingURL"}
	fStartTime        = []string{"start_time", "StartTime"}
	fCurrentTime      = []string{"current_time", "CurrentTime"}
	fAgentID          = []string{"agent_id", "AgentId"}
)

// ReadPayload decodes a JSON object body, or form and query values for
// any other content type. An empty body yields an empty payload.
func ReadPayload(r *http.Request) (map[string]any, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" || strings.HasSuffix(mt, "+json") {
		raw := map[string]any{}
		dec := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, apperr.Validation("webhook body is not a JSON object").WithCause(err)
		}
		return raw, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxPayloadBytes)
	if err := r.ParseForm(); err != nil {
		return nil, apperr.Validation("webhook form is malformed").WithCause(err)
	}
	raw := make(map[string]any, len(r.Form))
	for k, vs := range r.Form {
		if len(vs) > 0 {
			raw[k] = vs[0]
		}
	}
	return raw, nil
}

// ParseEvent reads a flat vendor payload. Durations may arrive as numbers
// or strings. Only call_sid is required here; ingestion rules are applied
// by Intake.
func ParseEvent(raw map[string]any, receivedAt time.Time) (CompletionEvent, error) {
	ev := CompletionEvent{
		ProviderCallID: str(raw, fCallSID),
		TransactionID:  str(raw, fTransactionID),
		From:           str(raw, fFrom),
		To:             str(raw, fTo),
		Direction:      calls.ParseDirection(strings.ToLower(str(raw, fDirection))),
		CallType:       strings.ToLower(str(raw, fCallType)),
		DialCallStatus: str(raw, fDialCallStatus),
		RecordingURL:   str(raw, fRecordingURL),
		StartTime:      str(raw, fStartTime),
		CurrentTime:    str(raw, fCurrentTime),
		AgentID:        str(raw, fAgentID),
		ReceivedAt:     receivedAt.UTC(),
		Raw:            raw,
	}
	if ev.ProviderCallID == "" {
		return ev, apperr.Validation("call_sid is required").WithDetail("field", "call_sid")
	}
	// Talk time is the better duration; dial duration includes ringing.
	if d, ok := duration(raw, fOnCallDuration); ok {
		ev.DurationSeconds = &d
	} else if d, ok := duration(raw, fDialCallDuration); ok {
		ev.DurationSeconds = &d
	}
	return ev, nil
}

func lookup(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(raw map[string]any, keys []string) string {
	v, ok := lookup(raw, keys)
	if !ok {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if s == "null" {
		return ""
	}
	return strings.TrimSpace(s)
}

func duration(raw map[string]any, keys []string) (int, bool) {
	v, ok := lookup(raw, keys)
	if !ok {
		return 0, false
	}
	if s, isStr := v.(string); isStr {
		v = strings.TrimSpace(s)
		if v == "" {
			return 0, false
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f < 0 {
		return 0, false
	}
	return int(f + 0.5), true
}
