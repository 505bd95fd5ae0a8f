// Package telephony turns vendor call-completion webhooks into calls and
// starts their pipeline.
package telephony

import (
	"net/http"
	"strings"
	"time"

	"callscore/internal/calls"
	"callscore/internal/objectstore"
)

// Provider is the vendor adapter used by the webhook handler.
//
// Rules:
// - Adapters only translate the vendor payload; ingestion decisions live in Intake.
// - Keep CompletionEvent provider-agnostic; the raw payload goes to call metadata.
type Provider interface {
	Name() string
	ParseCompletion(r *http.Request) (CompletionEvent, error)
	// RecordingCredentials are sent with recording downloads, or nil.
	RecordingCredentials() *objectstore.Credentials
}

// CallTypeCompleted is the only call_type that is ingested.
const CallTypeCompleted = "completed"

// CompletionEvent is a call-completion notice from a vendor.
type CompletionEvent struct {
	// ProviderCallID is the vendor's unique call id (external_call_sid).
	ProviderCallID string `json:"call_sid"`
	TransactionID  string `json:"transaction_id,omitempty"`

	From      string          `json:"from"`
	To        string          `json:"to"`
	Direction calls.Direction `json:"direction,omitempty"`

	CallType       string `json:"call_type"`
	DialCallStatus string `json:"dial_call_status,omitempty"`
	RecordingURL   string `json:"recording_url,omitempty"`

	DurationSeconds *int `json:"duration_seconds,omitempty"`

	StartTime   string `json:"start_time,omitempty"`
	CurrentTime string `json:"current_time,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
	// Raw holds every field the vendor sent, stored verbatim.
	Raw map[string]any `json:"-"`
}

// IgnoreReason returns why the event is not ingested, or "".
func (e CompletionEvent) IgnoreReason() string {
	switch {
	case !strings.EqualFold(strings.TrimSpace(e.CallType), CallTypeCompleted):
		return "call_type is not completed"
	case strings.TrimSpace(e.RecordingURL) == "":
		return "no recording_url"
	default:
		return ""
	}
}

// Call builds the call row for orgID.
func (e CompletionEvent) Call(orgID string) calls.Call {
	meta := make(map[string]any, len(e.Raw)+1)
	for k, v := range e.Raw {
		meta[k] = v
	}
	meta["received_at"] = e.ReceivedAt.UTC().Format(time.RFC3339)
	return calls.Call{
		OrgID:           orgID,
		AgentID:         e.AgentID,
		ExternalCallSID: e.ProviderCallID,
		RecordingURL:    strings.TrimSpace(e.RecordingURL),
		DurationSeconds: e.DurationSeconds,
		Direction:       e.Direction,
		CallerNumber:    e.From,
		CalleeNumber:    e.To,
		Metadata:        meta,
	}
}

// Registry maps vendor path names to adapters.
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	r := Registry{}
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}
