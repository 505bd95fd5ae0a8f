package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/httpapi/respond"
	"callscore/internal/notify"
	"callscore/internal/store"
	"callscore/pkg/logger"

	"github.com/gin-gonic/gin"
)

func (h Handlers) router(c *gin.Context) (*notify.Router, bool) {
	if h.Router == nil {
		respond.Fail(c, apperr.Unavailable("notifications are not configured"))
		return nil, false
	}
	return h.Router, true
}

// ListNotifications serves GET /api/notifications?type=&status=&channel=&callId=&page=&limit=.
func (h Handlers) ListNotifications(c *gin.Context) {
	p, err := page(c)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	f := store.NotificationFilter{
		CallID:  c.Query("callId"),
		Type:    calls.NotificationType(c.Query("type")),
		Status:  calls.NotificationStatus(c.Query("status")),
		Channel: calls.Channel(c.Query("channel")),
		Page:    p,
	}
	if f.CallID != "" {
		// scope to the caller's org
		call, err := h.Store.GetCall(c.Request.Context(), f.CallID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && call.OrgID != h.orgID(c)) {
			respond.Fail(c, apperr.NotFound("call", f.CallID))
			return
		}
		if err != nil {
			respond.Fail(c, err)
			return
		}
	}
	rows, total, err := h.Store.ListNotifications(c.Request.Context(), f)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if rows == nil {
		rows = []calls.Notification{}
	}
	respond.OK(c, http.StatusOK, paged(rows, total, p))
}

// NotificationStatistics groups the dispatch log of the last ?days= days.
func (h Handlers) NotificationStatistics(c *gin.Context) {
	days, err := intQuery(c, "days", 7)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if days < 1 || days > 365 {
		respond.Fail(c, apperr.Validation("days must be within 1..365"))
		return
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)
	st, err := h.Store.NotificationStatistics(c.Request.Context(), from, to)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"days": days, "from": from, "to": to, "statistics": st})
}

func (h Handlers) NotificationChannels(c *gin.Context) {
	r, ok := h.router(c)
	if !ok {
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"channels": r.Channels(), "settings": r.Settings()})
}

type testNotificationRequest struct {
	Channel string `json:"channel"`
}

// TestNotification sends a test message on one channel (default: console).
func (h Handlers) TestNotification(c *gin.Context) {
	r, ok := h.router(c)
	if !ok {
		return
	}
	var req testNotificationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.BadRequest(c, "invalid json")
			return
		}
	}
	if req.Channel == "" {
		req.Channel = string(calls.ChannelConsole)
	}
	ch, ok := calls.ParseChannel(req.Channel)
	if !ok {
		respond.Fail(c, apperr.Validation("unknown notification channel").WithDetail("channel", req.Channel))
		return
	}
	d, err := r.TestChannel(c.Request.Context(), ch)
	logger.FromGin(c).Info("test notification", "channel", ch, "status", d.Status, "client_ip", c.ClientIP())
	if err != nil && d.Channel == "" {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, d)
}

type sendNotificationRequest struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	CallID   string   `json:"call_id"`
	Channels []string `json:"channels"`
}

// SendNotification sends a free-form message, optionally about a call.
func (h Handlers) SendNotification(c *gin.Context) {
	r, ok := h.router(c)
	if !ok {
		return
	}
	var req sendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid json")
		return
	}
	chans, err := parseChannels(req.Channels)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if req.CallID != "" {
		call, err := h.Store.GetCall(c.Request.Context(), req.CallID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && call.OrgID != h.orgID(c)) {
			respond.Fail(c, apperr.NotFound("call", req.CallID))
			return
		}
		if err != nil {
			respond.Fail(c, err)
			return
		}
	}
	out, err := r.SendCustom(c.Request.Context(), req.Title, req.Message, req.CallID, chans, map[string]any{"source": "api"})
	if err != nil && len(out) == 0 {
		respond.Fail(c, err)
		return
	}
	h.logAction(c, req.CallID, "notification sent", map[string]any{"channels": req.Channels})
	body := gin.H{"dispatches": out}
	if err != nil {
		body["error"] = apperr.From(err).Message
	}
	respond.OK(c, http.StatusOK, body)
}

type settingsRequest struct {
	Enabled            *bool    `json:"enabled"`
	AlertLowScore      *bool    `json:"alert_low_score"`
	AlertCriticalIssue *bool    `json:"alert_critical_issue"`
	DailyDigest        *bool    `json:"daily_digest"`
	Channels           []string `json:"channels"`
}

// UpdateSettings applies a partial update of the global notification
// switches. Absent fields keep their value.
func (h Handlers) UpdateSettings(c *gin.Context) {
	r, ok := h.router(c)
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid json")
		return
	}
	s := r.Settings()
	setIf(&s.Enabled, req.Enabled)
	setIf(&s.AlertLowScore, req.AlertLowScore)
	setIf(&s.AlertCriticalIssue, req.AlertCriticalIssue)
	setIf(&s.DailyDigest, req.DailyDigest)
	if req.Channels != nil {
		chans, err := parseChannels(req.Channels)
		if err != nil {
			respond.Fail(c, err)
			return
		}
		s.Channels = chans
	}
	if err := r.UpdateSettings(s); err != nil {
		respond.Fail(c, err)
		return
	}
	logger.FromGin(c).Info("notification settings updated", "enabled", s.Enabled, "channels", s.Channels,
		"daily_digest", s.DailyDigest, "client_ip", c.ClientIP())
	respond.OK(c, http.StatusOK, r.Settings())
}

// GetPreferences returns a user's stored preferences, or the defaults
// derived from the global settings when none are stored.
func (h Handlers) GetPreferences(c *gin.Context) {
	userID := c.Param("userId")
	p, err := h.Store.GetPreferences(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		respond.OK(c, http.StatusOK, gin.H{"preferences": h.defaultPreferences(userID), "stored": false})
		return
	}
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"preferences": p, "stored": true})
}

func (h Handlers) PutPreferences(c *gin.Context) {
	var p calls.UserPreferences
	if err := c.ShouldBindJSON(&p); err != nil {
		respond.BadRequest(c, "invalid json")
		return
	}
	p.UserID = c.Param("userId")
	if strings.TrimSpace(p.UserID) == "" {
		respond.BadRequest(c, "userId is required")
		return
	}
	if p.LowScoreThreshold < 0 || p.LowScoreThreshold > 100 {
		respond.Fail(c, apperr.Validation("low_score_threshold must be within 0..100"))
		return
	}
	if p.LowScoreThreshold == 0 {
		p.LowScoreThreshold = h.Scoring.AlertThreshold
	}
	if p.TelegramEnabled && p.TelegramChatID == "" {
		respond.Fail(c, apperr.Validation("telegram_chat_id is required when telegram is enabled"))
		return
	}
	saved, err := h.Store.UpsertPreferences(c.Request.Context(), p)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	logger.FromGin(c).Info("user preferences updated", "user_id", saved.UserID)
	respond.OK(c, http.StatusOK, gin.H{"preferences": saved, "stored": true})
}

func (h Handlers) defaultPreferences(userID string) calls.UserPreferences {
	p := calls.UserPreferences{UserID: userID, LowScoreThreshold: h.Scoring.AlertThreshold}
	if h.Router == nil {
		return p
	}
	s := h.Router.Settings()
	p.AlertLowScore = s.AlertLowScore
	p.AlertCriticalIssue = s.AlertCriticalIssue
	p.DailyDigest = s.DailyDigest
	for _, ch := range s.Channels {
		switch ch {
		case calls.ChannelTelegram:
			p.TelegramEnabled = true
		case calls.ChannelConsole:
			p.ConsoleEnabled = true
		case calls.ChannelEmail:
			p.EmailEnabled = true
		}
	}
	return p
}

func parseChannels(in []string) ([]calls.Channel, error) {
	out := make([]calls.Channel, 0, len(in))
	for _, s := range in {
		ch, ok := calls.ParseChannel(s)
		if !ok {
			return nil, apperr.Validation("unknown notification channel").WithDetail("channel", s)
		}
		out = append(out, ch)
	}
	return out, nil
}

func setIf(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
