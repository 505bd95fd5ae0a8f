// Package notify routes alerts and digests to delivery channels and records
// every dispatch.
package notify

import (
	"context"

	"callscore/internal/calls"
)

// Message is one rendered dispatch.
type Message struct {
	Type   calls.NotificationType
	Title  string
	Text   string
	CallID string
	// ChatID and Email address a specific recipient; empty means the
	// channel's default.
	ChatID string
	Email  string
}

// Receipt is what a channel reports after a successful send.
type Receipt struct {
	VendorID string
	// Mock is true when the channel only pretended to deliver.
	Mock bool
}

// Channel delivers messages. A channel without credentials runs in mock mode:
// it returns a Receipt with Mock set instead of failing.
type Channel interface {
	Name() calls.Channel
	// Configured reports whether real credentials are present.
	Configured() bool
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// ChannelInfo describes a channel for the API.
type ChannelInfo struct {
	Name       calls.Channel `json:"name"`
	Configured bool          `json:"configured"`
	Enabled    bool          `json:"enabled"`
	Mock       bool          `json:"mock"`
}
