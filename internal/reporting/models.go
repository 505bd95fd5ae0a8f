package reporting

import "time"

// Trend directions.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// trendDeadBand is the average-score change below which a period is stable.
const trendDeadBand = 2.0

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DailyRequest asks for the digest of one UTC day.
// Org isolation: OrgID is required.
type DailyRequest struct {
	OrgID          string    `json:"org_id"`
	Date           time.Time `json:"date"`
	IncludeDetails bool      `json:"include_details"`
}

type WeeklyRequest struct {
	OrgID string `json:"org_id"`
	// Days counts back from End (inclusive). Defaults to 7.
	Days int       `json:"days"`
	End  time.Time `json:"end"`
}

type TrendRequest struct {
	OrgID string    `json:"org_id"`
	Days  int       `json:"days"`
	End   time.Time `json:"end"`
}

type AgentRequest struct {
	OrgID   string    `json:"org_id"`
	AgentID string    `json:"agent_id"`
	Days    int       `json:"days"`
	End     time.Time `json:"end"`
}

// IssueSummary groups issues by category and severity.
type IssueSummary struct {
	Category string   `json:"category"`
	Severity string   `json:"severity"`
	Count    int      `json:"count"`
	Examples []string `json:"examples,omitempty"`
}

type AgentStats struct {
	AgentID    string         `json:"agent_id"`
	TotalCalls int            `json:"total_calls"`
	AvgScore   float64        `json:"avg_score"`
	MinScore   float64        `json:"min_score"`
	MaxScore   float64        `json:"max_score"`
	Sentiment  map[string]int `json:"sentiment"`
}

// CallLine is one analyzed call in a detailed digest.
type CallLine struct {
	CallID          string    `json:"call_id"`
	AnalysisID      string    `json:"analysis_id"`
	ExternalCallSID string    `json:"external_call_sid"`
	AgentID         string    `json:"agent_id,omitempty"`
	Score           float64   `json:"score"`
	Band            string    `json:"band"`
	Sentiment       string    `json:"sentiment"`
	Summary         string    `json:"summary,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Summary is the aggregate shared by daily and multi-day digests.
type Summary struct {
	TotalCalls       int                `json:"total_calls"`
	AvgScore         float64            `json:"avg_score"`
	MinScore         float64            `json:"min_score"`
	MedianScore      float64            `json:"median_score"`
	MaxScore         float64            `json:"max_score"`
	ByBand           map[string]int     `json:"by_band"`
	Sentiment        map[string]int     `json:"sentiment"`
	CategoryAverages map[string]float64 `json:"category_averages"`
	TopIssues        []IssueSummary     `json:"top_issues"`
	Agents           []AgentStats       `json:"agents"`
	AlertsCount      int                `json:"alerts_count"`
	// NeedsImprovement lists agents whose average falls below the alert threshold.
	NeedsImprovement []AgentStats `json:"needs_improvement"`

	// issues is every issue group, ranked; TopIssues is its head.
	issues []IssueSummary
}

type Digest struct {
	OrgID string    `json:"org_id"`
	Date  string    `json:"date"`
	Range TimeRange `json:"range"`
	Summary
	Calls       []CallLine `json:"calls,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// DaySummary is one day inside a multi-day report.
type DaySummary struct {
	Date       string  `json:"date"`
	TotalCalls int     `json:"total_calls"`
	AvgScore   float64 `json:"avg_score"`
}

type WeeklyDigest struct {
	OrgID string    `json:"org_id"`
	Days  int       `json:"days"`
	Range TimeRange `json:"range"`
	Summary
	Daily       []DaySummary `json:"daily"`
	GeneratedAt time.Time    `json:"generated_at"`
}

type PeriodSummary struct {
	Range      TimeRange `json:"range"`
	TotalCalls int       `json:"total_calls"`
	AvgScore   float64   `json:"avg_score"`
}

type Trend struct {
	OrgID     string        `json:"org_id"`
	Days      int           `json:"days"`
	Current   PeriodSummary `json:"current"`
	Previous  PeriodSummary `json:"previous"`
	Change    float64       `json:"change"`
	Direction string        `json:"direction"`
}

type AgentReport struct {
	OrgID   string    `json:"org_id"`
	AgentID string    `json:"agent_id"`
	Days    int       `json:"days"`
	Range   TimeRange `json:"range"`
	AgentStats
	MedianScore      float64            `json:"median_score"`
	CategoryAverages map[string]float64 `json:"category_averages"`
	TopIssues        []IssueSummary     `json:"top_issues"`
	Daily            []DaySummary       `json:"daily"`
	RecentCalls      []CallLine         `json:"recent_calls"`
}
