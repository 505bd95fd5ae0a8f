package calls

import "time"

// Organization is the tenant scope. Created once at bootstrap.
type Organization struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Call represents one recorded telephony call moving through the pipeline.
//
// Invariants:
// - ExternalCallSID is unique; duplicate webhooks resolve to the same row.
// - Status only moves forward along the transition table in status.go.
type Call struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	AgentID         string    `json:"agent_id,omitempty"`
	ExternalCallSID string    `json:"external_call_sid"`
	RecordingURL    string    `json:"recording_url"`
	LocalAudioPath  string    `json:"local_audio_path,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	Direction       Direction `json:"direction,omitempty"`
	CallerNumber    string    `json:"caller_number"`
	CalleeNumber    string    `json:"callee_number"`
	Status          Status    `json:"status"`

	// Metadata keeps the vendor payload fields verbatim.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Direction string

const (
	DirectionIncoming     Direction = "incoming"
	DirectionOutgoing     Direction = "outgoing"
	DirectionOutgoingDial Direction = "outgoing-dial"
	DirectionInbound      Direction = "inbound"
	DirectionOutbound     Direction = "outbound"
)

// ParseDirection accepts the vendor spellings; unknown values yield "".
func ParseDirection(s string) Direction {
	switch d := Direction(s); d {
	case DirectionIncoming, DirectionOutgoing, DirectionOutgoingDial, DirectionInbound, DirectionOutbound:
		return d
	case "outbound-dial":
		return DirectionOutgoingDial
	default:
		return ""
	}
}

// Segment is one timed span of a transcript.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Transcript is 1:1 with Call. Re-transcription replaces it.
type Transcript struct {
	ID               string    `json:"id"`
	CallID           string    `json:"call_id"`
	Content          string    `json:"content"`
	Language         string    `json:"language"`
	SpeakerSegments  []Segment `json:"speaker_segments"`
	WordCount        int       `json:"word_count"`
	STTProvider      string    `json:"stt_provider"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalises vendor/LLM spellings, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// Alerting reports whether the severity triggers a critical_issue alert.
func (s Severity) Alerting() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment defaults to neutral.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(s) {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return Sentiment(s)
	default:
		return SentimentNeutral
	}
}

type CategoryScore struct {
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Feedback string  `json:"feedback,omitempty"`
}

type Issue struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Analysis is 1:1 with Call. Re-analysis replaces the row.
type Analysis struct {
	ID               string                   `json:"id"`
	CallID           string                   `json:"call_id"`
	OverallScore     float64                  `json:"overall_score"`
	CategoryScores   map[string]CategoryScore `json:"category_scores"`
	Issues           []Issue                  `json:"issues"`
	Recommendations  []string                 `json:"recommendations"`
	Summary          string                   `json:"summary"`
	Sentiment        Sentiment                `json:"sentiment"`
	LLMModel         string                   `json:"llm_model"`
	PromptTokens     int                      `json:"prompt_tokens"`
	CompletionTokens int                      `json:"completion_tokens"`
	ProcessingTimeMs int64                    `json:"processing_time_ms"`
	CreatedAt        time.Time                `json:"created_at"`
}

// AlertingIssues returns the issues with high or critical severity.
func (a Analysis) AlertingIssues() []Issue {
	var out []Issue
	for _, is := range a.Issues {
		if is.Severity.Alerting() {
			out = append(out, is)
		}
	}
	return out
}

type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelConsole  Channel = "console"
	ChannelEmail    Channel = "email"
)

func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(s); c {
	case ChannelTelegram, ChannelConsole, ChannelEmail:
		return c, true
	default:
		return "", false
	}
}

type NotificationType string

const (
	NotificationLowScoreAlert NotificationType = "low_score_alert"
	NotificationCriticalIssue NotificationType = "critical_issue"
	NotificationDailyDigest   NotificationType = "daily_digest"
	NotificationCustom        NotificationType = "custom"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is an append-only dispatch log entry.
type Notification struct {
	ID       string             `json:"id"`
	CallID   string             `json:"call_id,omitempty"`
	UserID   string             `json:"user_id,omitempty"`
	Channel  Channel            `json:"channel"`
	Type     NotificationType   `json:"type"`
	Message  string             `json:"message"`
	Status   NotificationStatus `json:"status"`
	Metadata map[string]any     `json:"metadata,omitempty"`

	// DedupeKey identifies the logical dispatch so retries skip what was sent.
	DedupeKey string `json:"-"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// UserPreferences are per-user channel and threshold choices.
type UserPreferences struct {
	UserID             string    `json:"user_id"`
	TelegramEnabled    bool      `json:"telegram_enabled"`
	TelegramChatID     string    `json:"telegram_chat_id,omitempty"`
	ConsoleEnabled     bool      `json:"console_enabled"`
	EmailEnabled       bool      `json:"email_enabled"`
	AlertLowScore      bool      `json:"alert_low_score"`
	AlertCriticalIssue bool      `json:"alert_critical_issue"`
	DailyDigest        bool      `json:"daily_digest"`
	LowScoreThreshold  float64   `json:"low_score_threshold"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ChannelEnabled reports whether the user opted into ch.
func (p UserPreferences) ChannelEnabled(ch Channel) bool {
	switch ch {
	case ChannelTelegram:
		return p.TelegramEnabled
	case ChannelConsole:
		return p.ConsoleEnabled
	case ChannelEmail:
		return p.EmailEnabled
	default:
		return false
	}
}
