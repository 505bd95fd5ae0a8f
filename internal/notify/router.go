package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/scoring"
)

// Store is the persistence the router needs.
type Store interface {
	AppendNotification(ctx context.Context, n calls.Notification) (calls.Notification, error)
	HasSentNotification(ctx context.Context, dedupeKey string) (bool, error)
	ListPreferences(ctx context.Context) ([]calls.UserPreferences, error)
}

// Settings are the global notification switches. They apply to the default
// recipient; users with stored preferences use their own.
type Settings struct {
	Enabled            bool            `json:"enabled"`
	AlertLowScore      bool            `json:"alert_low_score"`
	AlertCriticalIssue bool            `json:"alert_critical_issue"`
	DailyDigest        bool            `json:"daily_digest"`
	Channels           []calls.Channel `json:"channels"`
}

// Dispatch is the outcome of one channel send.
type Dispatch struct {
	NotificationID string                   `json:"notification_id,omitempty"`
	Channel        calls.Channel            `json:"channel"`
	Type           calls.NotificationType   `json:"type"`
	UserID         string                   `json:"user_id,omitempty"`
	Status         calls.NotificationStatus `json:"status"`
	VendorID       string                   `json:"vendor_id,omitempty"`
	Mock           bool                     `json:"mock,omitempty"`
	Skipped        bool                     `json:"skipped,omitempty"` // already sent earlier
	Error          string                   `json:"error,omitempty"`
}

// recipient is one resolved destination set.
type recipient struct {
	userID        string
	channels      []calls.Channel
	chatID        string
	threshold     float64
	lowScore      bool
	criticalIssue bool
	digest        bool
}

// Observer counts dispatches that reached a channel.
type Observer interface {
	ObserveNotification(channel, typ, status string)
}

type Router struct {
	store    Store
	channels map[calls.Channel]Channel
	scoring  scoring.Config
	log      *slog.Logger
	now      func() time.Time
	observer Observer

	mu       sync.RWMutex
	settings Settings
}

func NewRouter(store Store, sc scoring.Config, settings Settings, log *slog.Logger, channels ...Channel) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		store:    store,
		channels: make(map[calls.Channel]Channel, len(channels)),
		scoring:  sc,
		log:      log,
		now:      time.Now,
		settings: settings,
	}
	for _, ch := range channels {
		r.channels[ch.Name()] = ch
	}
	return r
}

// SetObserver installs o. Call it before the router is shared.
func (r *Router) SetObserver(o Observer) { r.observer = o }

func (r *Router) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.settings
	s.Channels = slices.Clone(s.Channels)
	return s
}

// UpdateSettings replaces the global settings. Unknown channels are rejected.
func (r *Router) UpdateSettings(s Settings) error {
	for _, ch := range s.Channels {
		if _, ok := r.channels[ch]; !ok {
			return apperr.Validation(fmt.Sprintf("unknown notification channel %q", ch))
		}
	}
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
	return nil
}

// Channels describes every registered channel.
func (r *Router) Channels() []ChannelInfo {
	s := r.Settings()
	out := make([]ChannelInfo, 0, len(r.channels))
	for _, name := range []calls.Channel{calls.ChannelTelegram, calls.ChannelConsole, calls.ChannelEmail} {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		out = append(out, ChannelInfo{
			Name:       name,
			Configured: ch.Configured(),
			Enabled:    slices.Contains(s.Channels, name),
			Mock:       !ch.Configured(),
		})
	}
	return out
}

// Wants reports whether Route would dispatch anything for a. The pipeline
// uses it to decide whether to enqueue a notify job.
func (r *Router) Wants(ctx context.Context, a calls.Analysis) bool {
	recips, err := r.recipients(ctx)
	if err != nil {
		return true
	}
	for _, rc := range recips {
		if rc.lowScore && a.OverallScore < rc.threshold {
			return true
		}
		if rc.criticalIssue && len(a.AlertingIssues()) > 0 {
			return true
		}
	}
	return false
}

// Route dispatches the alerts an analysis warrants: a low_score_alert when
// the score is below the recipient's threshold and one critical_issue per
// high or critical issue. Every attempt is persisted. Sends already recorded
// as sent are skipped, so Route is safe to repeat. The returned error is
// retryable when at least one send failed transiently.
func (r *Router) Route(ctx context.Context, a calls.Analysis, call calls.Call) ([]Dispatch, error) {
	recips, err := r.recipients(ctx)
	if err != nil {
		return nil, err
	}
	var out []Dispatch
	var failures []error
	for _, rc := range recips {
		if rc.lowScore && a.OverallScore < rc.threshold {
			msg := lowScoreMessage(call, a, rc.threshold, r.scoring)
			meta := map[string]any{"score": a.OverallScore, "threshold": rc.threshold, "analysis_id": a.ID}
			d, errs := r.fanOut(ctx, rc, msg, meta, func(ch calls.Channel) string {
				return dedupeKey(a.ID, calls.NotificationLowScoreAlert, ch, rc.userID, 0)
			})
			out, failures = append(out, d...), append(failures, errs...)
		}
		if rc.criticalIssue {
			for i, is := range a.Issues {
				if !is.Severity.Alerting() {
					continue
				}
				msg := criticalIssueMessage(call, a, is)
				meta := map[string]any{"severity": string(is.Severity), "issue_type": is.Type, "analysis_id": a.ID}
				d, errs := r.fanOut(ctx, rc, msg, meta, func(ch calls.Channel) string {
					return dedupeKey(a.ID, calls.NotificationCriticalIssue, ch, rc.userID, i)
				})
				out, failures = append(out, d...), append(failures, errs...)
			}
		}
	}
	return out, r.failureError(failures)
}

// SendDigest delivers a rendered digest to every recipient that wants one.
// Unless force is set, a digest already sent for date on a channel is skipped.
func (r *Router) SendDigest(ctx context.Context, date, title, text string, force bool) ([]Dispatch, error) {
	recips, err := r.recipients(ctx)
	if err != nil {
		return nil, err
	}
	msg := Message{Type: calls.NotificationDailyDigest, Title: title, Text: text}
	var out []Dispatch
	var failures []error
	for _, rc := range recips {
		if !rc.digest && !force {
			continue
		}
		d, errs := r.fanOut(ctx, rc, msg, map[string]any{"date": date}, func(ch calls.Channel) string {
			if force {
				return ""
			}
			return dedupeKey("digest-"+date, calls.NotificationDailyDigest, ch, rc.userID, 0)
		})
		out, failures = append(out, d...), append(failures, errs...)
	}
	return out, r.failureError(failures)
}

// SendCustom sends a free-form message on the given channels, or on every
// enabled channel when none are given. It ignores the Enabled switch.
func (r *Router) SendCustom(ctx context.Context, title, text, callID string, channels []calls.Channel, meta map[string]any) ([]Dispatch, error) {
	if text == "" {
		return nil, apperr.Validation("message is required")
	}
	if len(channels) == 0 {
		channels = r.Settings().Channels
	}
	for _, ch := range channels {
		if _, ok := r.channels[ch]; !ok {
			return nil, apperr.Validation(fmt.Sprintf("unknown notification channel %q", ch))
		}
	}
	rc := recipient{channels: channels}
	msg := Message{Type: calls.NotificationCustom, Title: title, Text: text, CallID: callID}
	out, failures := r.fanOut(ctx, rc, msg, meta, func(calls.Channel) string { return "" })
	return out, r.failureError(failures)
}

// TestChannel sends a test message through one channel.
func (r *Router) TestChannel(ctx context.Context, ch calls.Channel) (Dispatch, error) {
	out, err := r.SendCustom(ctx, "Test notification",
		fmt.Sprintf("Test message from callscore at %s.", r.now().UTC().Format(time.RFC3339)),
		"", []calls.Channel{ch}, map[string]any{"test": true})
	if len(out) == 0 {
		return Dispatch{}, err
	}
	return out[0], err
}

func (r *Router) fanOut(ctx context.Context, rc recipient, msg Message, meta map[string]any, keyFor func(calls.Channel) string) ([]Dispatch, []error) {
	var out []Dispatch
	var failures []error
	for _, name := range rc.channels {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		d, err := r.dispatch(ctx, ch, rc, msg, meta, keyFor(name))
		out = append(out, d)
		if err != nil {
			failures = append(failures, err)
		}
	}
	return out, failures
}

func (r *Router) dispatch(ctx context.Context, ch Channel, rc recipient, msg Message, meta map[string]any, key string) (Dispatch, error) {
	d := Dispatch{Channel: ch.Name(), Type: msg.Type, UserID: rc.userID}
	if key != "" {
		sent, err := r.store.HasSentNotification(ctx, key)
		if err != nil {
			return d, apperr.Retryable("check notification dedupe", err)
		}
		if sent {
			d.Skipped = true
			d.Status = calls.NotificationSent
			return d, nil
		}
	}
	if ch.Name() == calls.ChannelTelegram && rc.chatID != "" {
		msg.ChatID = rc.chatID
	}

	receipt, sendErr := ch.Send(ctx, msg)
	n := calls.Notification{
		CallID:    msg.CallID,
		UserID:    rc.userID,
		Channel:   ch.Name(),
		Type:      msg.Type,
		Message:   messageText(msg),
		Metadata:  map[string]any{},
		DedupeKey: key,
	}
	for k, v := range meta {
		n.Metadata[k] = v
	}
	if sendErr != nil {
		n.Status = calls.NotificationFailed
		n.Metadata["error"] = sendErr.Error()
		if e, ok := apperr.As(sendErr); ok {
			n.Metadata["error_code"] = e.Code
		}
		d.Error = sendErr.Error()
	} else {
		now := r.now().UTC()
		n.Status = calls.NotificationSent
		n.SentAt = &now
		if receipt.VendorID != "" {
			n.Metadata["vendor_message_id"] = receipt.VendorID
		}
		if receipt.Mock {
			n.Metadata["mock"] = true
		}
		d.VendorID, d.Mock = receipt.VendorID, receipt.Mock
	}
	d.Status = n.Status
	if r.observer != nil {
		r.observer.ObserveNotification(string(ch.Name()), string(msg.Type), string(n.Status))
	}

	saved, err := r.store.AppendNotification(context.WithoutCancel(ctx), n)
	if err != nil {
		r.log.Error("notification not recorded", "channel", ch.Name(), "type", msg.Type, "err", err)
		if sendErr == nil {
			sendErr = apperr.Retryable("record notification", err)
		}
	} else {
		d.NotificationID = saved.ID
	}
	if sendErr != nil {
		r.log.Warn("notification send failed", "channel", ch.Name(), "type", msg.Type, "user_id", rc.userID, "err", sendErr)
	}
	return d, sendErr
}

// failureError folds send failures into one error. Only transient failures
// are returned: a rejected token will not succeed on retry.
func (r *Router) failureError(failures []error) error {
	var retryable []error
	for _, err := range failures {
		if apperr.IsRetryable(err) {
			retryable = append(retryable, err)
		}
	}
	if len(retryable) == 0 {
		return nil
	}
	return apperr.Retryable(fmt.Sprintf("%d notification sends failed", len(retryable)), errors.Join(retryable...))
}

// recipients resolves who receives alerts. Stored preferences take over from
// the global default once any exist. The Enabled switch gates both.
func (r *Router) recipients(ctx context.Context) ([]recipient, error) {
	s := r.Settings()
	if !s.Enabled {
		return nil, nil
	}
	prefs, err := r.store.ListPreferences(ctx)
	if err != nil {
		return nil, apperr.Retryable("load notification preferences", err)
	}
	if len(prefs) == 0 {
		return []recipient{{
			channels:      s.Channels,
			threshold:     r.scoring.AlertThreshold,
			lowScore:      s.AlertLowScore,
			criticalIssue: s.AlertCriticalIssue,
			digest:        s.DailyDigest,
		}}, nil
	}
	out := make([]recipient, 0, len(prefs))
	for _, p := range prefs {
		rc := recipient{
			userID:        p.UserID,
			chatID:        p.TelegramChatID,
			threshold:     p.LowScoreThreshold,
			lowScore:      p.AlertLowScore,
			criticalIssue: p.AlertCriticalIssue,
			digest:        p.DailyDigest,
		}
		if rc.threshold <= 0 {
			rc.threshold = r.scoring.AlertThreshold
		}
		for _, ch := range []calls.Channel{calls.ChannelTelegram, calls.ChannelConsole, calls.ChannelEmail} {
			if p.ChannelEnabled(ch) {
				rc.channels = append(rc.channels, ch)
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

func dedupeKey(scope string, typ calls.NotificationType, ch calls.Channel, userID string, n int) string {
	if userID == "" {
		userID = "default"
	}
	return fmt.Sprintf("%s:%s:%s:%s:%d", scope, typ, ch, userID, n)
}

func messageText(m Message) string {
	if m.Title == "" {
		return m.Text
	}
	return m.Title + "\n\n" + m.Text
}
