package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/scoring"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	rows  []calls.Notification
	prefs []calls.UserPreferences
}

func (m *memStore) AppendNotification(_ context.Context, n calls.Notification) (calls.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()
	m.rows = append(m.rows, n)
	return n, nil
}

func (m *memStore) HasSentNotification(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.rows {
		if n.DedupeKey == key && n.Status == calls.NotificationSent {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListPreferences(context.Context) ([]calls.UserPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]calls.UserPreferences(nil), m.prefs...), nil
}

func (m *memStore) byType(t calls.NotificationType) []calls.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.Notification
	for _, n := range m.rows {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func defaultSettings() Settings {
	return Settings{
		Enabled:            true,
		AlertLowScore:      true,
		AlertCriticalIssue: true,
		DailyDigest:        true,
		Channels:           []calls.Channel{calls.ChannelConsole},
	}
}

func testCall() calls.Call {
	d := 60
	return calls.Call{ID: "call-1", ExternalCallSID: "s1", AgentID: "agent-7", CallerNumber: "9", CalleeNumber: "8", DurationSeconds: &d}
}

func lowAnalysis() calls.Analysis {
	return calls.Analysis{
		ID:           "an-1",
		CallID:       "call-1",
		OverallScore: 40,
		Sentiment:    calls.SentimentNegative,
		CategoryScores: map[string]calls.CategoryScore{
			"closing_next_steps": {Score: 20, Weight: 0.2},
			"greeting_rapport":   {Score: 70, Weight: 0.15},
		},
		Issues: []calls.Issue{
			{Type: "objection_handling", Severity: calls.SeverityHigh, Detail: "dismissed the price concern"},
			{Type: "greeting_rapport", Severity: calls.SeverityLow, Detail: "no name given"},
		},
		Summary: "Agent failed to close.",
	}
}

func TestRouteLowScoreAndCriticalIssue(t *testing.T) {
	store := &memStore{}
	console := NewNullChannel(calls.ChannelConsole)
	r := NewRouter(store, scoring.DefaultConfig(), defaultSettings(), nil, console)

	require.True(t, r.Wants(context.Background(), lowAnalysis()))
	out, err := r.Route(context.Background(), lowAnalysis(), testCall())
	require.NoError(t, err)
	require.Len(t, out, 2)

	low := store.byType(calls.NotificationLowScoreAlert)
	require.Len(t, low, 1)
	assert.Equal(t, calls.NotificationSent, low[0].Status)
	assert.Equal(t, "call-1", low[0].CallID)
	assert.NotNil(t, low[0].SentAt)
	assert.Equal(t, "null-1", low[0].Metadata["vendor_message_id"])
	assert.Contains(t, low[0].Message, "Low score alert: 40.0")
	assert.Contains(t, low[0].Message, "closing_next_steps (20)")

	crit := store.byType(calls.NotificationCriticalIssue)
	require.Len(t, crit, 1, "only the high severity issue alerts")
	assert.Contains(t, crit[0].Message, "dismissed the price concern")
	assert.Len(t, console.Sent(), 2)
}

func TestRouteAboveThresholdSendsNothing(t *testing.T) {
	store := &memStore{}
	console := NewNullChannel(calls.ChannelConsole)
	r := NewRouter(store, scoring.DefaultConfig(), defaultSettings(), nil, console)

	a := calls.Analysis{ID: "an-2", OverallScore: 78, Sentiment: calls.SentimentPositive}
	assert.False(t, r.Wants(context.Background(), a))
	out, err := r.Route(context.Background(), a, testCall())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, store.rows)
}

func TestRouteRespectsSwitches(t *testing.T) {
	store := &memStore{}
	s := defaultSettings()
	s.AlertLowScore = false
	r := NewRouter(store, scoring.DefaultConfig(), s, nil, NewNullChannel(calls.ChannelConsole))

	_, err := r.Route(context.Background(), lowAnalysis(), testCall())
	require.NoError(t, err)
	assert.Empty(t, store.byType(calls.NotificationLowScoreAlert))
	assert.Len(t, store.byType(calls.NotificationCriticalIssue), 1)

	s.Enabled = false
	require.NoError(t, r.UpdateSettings(s))
	assert.False(t, r.Wants(context.Background(), lowAnalysis()))
}

func TestRouteIsIdempotent(t *testing.T) {
	store := &memStore{}
	console := NewNullChannel(calls.ChannelConsole)
	r := NewRouter(store, scoring.DefaultConfig(), defaultSettings(), nil, console)

	_, err := r.Route(context.Background(), lowAnalysis(), testCall())
	require.NoError(t, err)
	out, err := r.Route(context.Background(), lowAnalysis(), testCall())
	require.NoError(t, err)
	for _, d := range out {
		assert.True(t, d.Skipped)
	}
	assert.Len(t, store.rows, 2)
	assert.Len(t, console.Sent(), 2)
}

func TestRouteRetriesOnlyFailedSends(t *testing.T) {
	store := &memStore{}
	console := NewNullChannel(calls.ChannelConsole)
	telegram := NewNullChannel(calls.ChannelTelegram)
	telegram.SetErr(apperr.ExternalAPI("telegram", 502, "bad gateway", true))
	s := defaultSettings()
	s.Channels = []calls.Channel{calls.ChannelConsole, calls.ChannelTelegram}
	r := NewRouter(store, scoring.DefaultConfig(), s, nil, console, telegram)

	_, err := r.Route(context.Background(), lowAnalysis(), testCall())
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	failed := 0
	for _, n := range store.rows {
		if n.Status == calls.NotificationFailed {
			failed++
			assert.Equal(t, apperr.CodeExternalAPI, n.Metadata["error_code"])
		}
	}
	assert.Equal(t, 2, failed)

	telegram.SetErr(nil)
	_, err = r.Route(context.Background(), lowAnalysis(), testCall())
	require.NoError(t, err)
	assert.Len(t, console.Sent(), 2, "console sends are not repeated")
	assert.Len(t, telegram.Sent(), 2)
}

func TestRoutePermanentFailureDoesNotRetry(t *testing.T) {
	store := &memStore{}
	console := NewNullChannel(calls.ChannelConsole)
	console.SetErr(apperr.Unauthorized("bad token"))
	r := NewRouter(store, scoring.DefaultConfig(), defaultSettings(), nil, console)

	out, err := r.Route(context.Background(), lowAnalysis(), testCall())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, calls.NotificationFailed, out[0].Status)
}

func TestRoutePerUserPreferences(t *testing.T) {
	store := &memStore{prefs: []calls.UserPreferences{
		{UserID: "u1", TelegramEnabled: true, TelegramChatID: "chat-1", AlertLowScore: true, LowScoreThreshold: 60},
		{UserID: "u2", ConsoleEnabled: true, AlertLowScore: true, LowScoreThreshold: 30},
	}}
	console := NewNullChannel(calls.ChannelConsole)
	telegram := NewNullChannel(calls.ChannelTelegram)
	r := NewRouter(store, scoring.DefaultConfig(), defaultSettings(), nil, console, telegram)

	a := calls.Analysis{ID: "an-3", OverallScore: 55}
	out, err := r.Route(context.Background(), a, testCall())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "u1", out[0].UserID)
	require.Len(t, telegram.Sent(), 1)
	assert.Equal(t, "chat-1", telegram.Sent()[0].ChatID)
	assert.Empty(t, console.Sent())
}

func TestSendDigestDedupesPerDate(t *testing.T) {
	store := &memStore{}
	console := NewNullChannel(calls.ChannelConsole)
	r := NewRouter(store, scoring.DefaultConfig(), defaultSettings(), nil, console)

	_, err := r.SendDigest(context.Background(), "2025-01-02", "Daily digest", "12 calls", false)
	require.NoError(t, err)
	out, err := r.SendDigest(context.Background(), "2025-01-02", "Daily digest", "12 calls", false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Skipped)

	_, err = r.SendDigest(context.Background(), "2025-01-02", "Daily digest", "12 calls", true)
	require.NoError(t, err)
	assert.Len(t, console.Sent(), 2)
	assert.Len(t, store.byType(calls.NotificationDailyDigest), 2)
}

func TestSendCustomValidates(t *testing.T) {
	r := NewRouter(&memStore{}, scoring.DefaultConfig(), defaultSettings(), nil, NewNullChannel(calls.ChannelConsole))
	_, err := r.SendCustom(context.Background(), "hi", "", "", nil, nil)
	assert.Error(t, err)
	_, err = r.SendCustom(context.Background(), "hi", "body", "", []calls.Channel{"pager"}, nil)
	assert.Error(t, err)

	d, err := r.TestChannel(context.Background(), calls.ChannelConsole)
	require.NoError(t, err)
	assert.Equal(t, calls.NotificationCustom, d.Type)
	assert.Equal(t, calls.NotificationSent, d.Status)
}

func TestChannelsInfo(t *testing.T) {
	r := NewRouter(&memStore{}, scoring.DefaultConfig(), defaultSettings(), nil,
		NewTelegram(TelegramConfig{}, nil), NewNullChannel(calls.ChannelConsole))
	info := r.Channels()
	require.Len(t, info, 2)
	assert.Equal(t, calls.ChannelTelegram, info[0].Name)
	assert.True(t, info[0].Mock)
	assert.False(t, info[0].Enabled)
	assert.True(t, info[1].Enabled)

	assert.Error(t, r.UpdateSettings(Settings{Channels: []calls.Channel{calls.ChannelEmail}}))
}

func TestTelegramSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{BotToken: "TOKEN", ChatID: "default-chat", BaseURL: srv.URL}, nil)
	rc, err := tg.Send(context.Background(), Message{Title: "Alert", Text: "score 40", ChatID: "chat-9"})
	require.NoError(t, err)
	assert.Equal(t, "42", rc.VendorID)
	assert.False(t, rc.Mock)
	assert.Equal(t, "chat-9", got["chat_id"])
	assert.True(t, strings.HasPrefix(got["text"].(string), "Alert\n\n"))
}

func TestTelegramErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "BAD") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	}))
	defer srv.Close()

	_, err := NewTelegram(TelegramConfig{BotToken: "SLOW", ChatID: "c", BaseURL: srv.URL}, nil).
		Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 7*time.Second, apperr.RetryAfterOf(err))

	_, err = NewTelegram(TelegramConfig{BotToken: "BAD", ChatID: "c", BaseURL: srv.URL}, nil).
		Send(context.Background(), Message{Text: "x"})
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))
}

func TestTelegramMockWithoutToken(t *testing.T) {
	rc, err := NewTelegram(TelegramConfig{}, nil).Send(context.Background(), Message{Text: "x"})
	require.NoError(t, err)
	assert.True(t, rc.Mock)
}

func TestEmailSend(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "smtp.example.com", Port: 2525, Username: "u", Password: "p", From: "qa@example.com", To: []string{"lead@example.com"}}, nil)
	var addr string
	var body string
	e.send = func(a string, _ smtp.Auth, from string, to []string, msg []byte) error {
		addr, body = a, string(msg)
		assert.Equal(t, "qa@example.com", from)
		assert.Equal(t, []string{"lead@example.com"}, to)
		return nil
	}
	rc, err := e.Send(context.Background(), Message{Type: calls.NotificationLowScoreAlert, Title: "Low score", Text: "line1\nline2"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:2525", addr)
	assert.Contains(t, body, "Subject: Low score\r\n")
	assert.Contains(t, body, "line1\r\nline2")
	assert.NotEmpty(t, rc.VendorID)

	e.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	_, err = e.Send(context.Background(), Message{Text: "x"})
	assert.True(t, apperr.IsRetryable(err))

	rc, err = NewEmail(EmailConfig{}, nil).Send(context.Background(), Message{Text: "x"})
	require.NoError(t, err)
	assert.True(t, rc.Mock)
}
