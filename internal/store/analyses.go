package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"callscore/internal/calls"
	"callscore/internal/scoring"
)

const analysisColumns = `id, call_id, overall_score, category_scores, issues, recommendations, summary, sentiment,
	llm_model, prompt_tokens, completion_tokens, processing_time_ms, created_at`

// CompleteAnalysis writes the analysis and moves the call to analyzed in one
// transaction. from is the status the caller observed: transcribed for the
// first analysis, analyzed for a re-analysis (status is kept).
func (s *Store) CompleteAnalysis(ctx context.Context, a calls.Analysis, from calls.Status) (out calls.Analysis, err error) {
	err = s.tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		switch from {
		case calls.StatusAnalyzed:
			if err := s.touchInStatusTx(ctx, tx, a.CallID, calls.StatusAnalyzed); err != nil {
				return err
			}
		default:
			msg := fmt.Sprintf("scored %.1f by %s", a.OverallScore, a.LLMModel)
			if err := s.advanceTx(ctx, tx, a.CallID, from, calls.StatusAnalyzed, "analyze", msg); err != nil {
				return err
			}
		}
		var err error
		out, err = s.upsertAnalysisTx(ctx, tx, a)
		return err
	})
	return out, err
}

func (s *Store) upsertAnalysisTx(ctx context.Context, tx *sql.Tx, a calls.Analysis) (calls.Analysis, error) {
	var n int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM transcripts WHERE call_id = ?`), a.CallID).Scan(&n); err != nil {
		return calls.Analysis{}, err
	}
	if n == 0 {
		return calls.Analysis{}, fmt.Errorf("%w: analysis requires a transcript for call %s", calls.ErrIllegalTransition, a.CallID)
	}

	a.ID = s.newID()
	a.CreatedAt = s.now()
	if a.CategoryScores == nil {
		a.CategoryScores = map[string]calls.CategoryScore{}
	}
	if a.Issues == nil {
		a.Issues = []calls.Issue{}
	}
	if a.Recommendations == nil {
		a.Recommendations = []string{}
	}
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO analyses (`+analysisColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			id = excluded.id,
			overall_score = excluded.overall_score,
			category_scores = excluded.category_scores,
			issues = excluded.issues,
			recommendations = excluded.recommendations,
			summary = excluded.summary,
			sentiment = excluded.sentiment,
			llm_model = excluded.llm_model,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			processing_time_ms = excluded.processing_time_ms,
			created_at = excluded.created_at`),
		a.ID, a.CallID, a.OverallScore, toJSON(a.CategoryScores, "{}"), toJSON(a.Issues, "[]"),
		toJSON(a.Recommendations, "[]"), a.Summary, string(a.Sentiment), a.LLMModel,
		a.PromptTokens, a.CompletionTokens, a.ProcessingTimeMs, fmtTime(a.CreatedAt))
	if err != nil {
		return calls.Analysis{}, fmt.Errorf("upsert analysis: %w", err)
	}
	return a, nil
}

func (s *Store) GetAnalysisByCall(ctx context.Context, callID string) (calls.Analysis, error) {
	return s.getAnalysis(ctx, `call_id = ?`, callID)
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (calls.Analysis, error) {
	return s.getAnalysis(ctx, `id = ?`, id)
}

func (s *Store) getAnalysis(ctx context.Context, where string, arg string) (calls.Analysis, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+analysisColumns+` FROM analyses WHERE `+where), arg)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Analysis{}, ErrNotFound
	}
	return a, err
}

func (s *Store) CountAnalyses(ctx context.Context, callID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM analyses WHERE call_id = ?`), callID).Scan(&n)
	return n, err
}

// AnalysisRow is an analysis joined with the call fields listings need.
type AnalysisRow struct {
	calls.Analysis
	OrgID           string    `json:"org_id"`
	AgentID         string    `json:"agent_id,omitempty"`
	ExternalCallSID string    `json:"external_call_sid"`
	CallerNumber    string    `json:"caller_number"`
	CalleeNumber    string    `json:"callee_number"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	CallCreatedAt   time.Time `json:"call_created_at"`
}

// AnalysisFilter narrows ListAnalyses. Nil bounds are open.
type AnalysisFilter struct {
	OrgID     string
	AgentID   string
	MinScore  *float64
	MaxScore  *float64
	Below     *float64
	Sentiment calls.Sentiment
	From      time.Time
	To        time.Time
	Page      Page
}

func (f AnalysisFilter) where() (string, []any) {
	var where []string
	var args []any
	if f.OrgID != "" {
		where = append(where, "c.org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.AgentID != "" {
		where = append(where, "c.agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.MinScore != nil {
		where = append(where, "a.overall_score >= ?")
		args = append(args, *f.MinScore)
	}
	if f.MaxScore != nil {
		where = append(where, "a.overall_score <= ?")
		args = append(args, *f.MaxScore)
	}
	if f.Below != nil {
		where = append(where, "a.overall_score < ?")
		args = append(args, *f.Below)
	}
	if f.Sentiment != "" {
		where = append(where, "a.sentiment = ?")
		args = append(args, string(f.Sentiment))
	}
	if !f.From.IsZero() {
		where = append(where, "a.created_at >= ?")
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "a.created_at < ?")
		args = append(args, fmtTime(f.To))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

const analysisRowSelect = `SELECT a.id, a.call_id, a.overall_score, a.category_scores, a.issues, a.recommendations,
	a.summary, a.sentiment, a.llm_model, a.prompt_tokens, a.completion_tokens, a.processing_time_ms, a.created_at,
	c.org_id, c.agent_id, c.external_call_sid, c.caller_number, c.callee_number, c.duration_seconds, c.created_at
	FROM analyses a JOIN calls c ON c.id = a.call_id`

// ListAnalyses returns one page of analyses (newest first) and the total.
func (s *Store) ListAnalyses(ctx context.Context, f AnalysisFilter) ([]AnalysisRow, int, error) {
	clause, args := f.where()
	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM analyses a JOIN calls c ON c.id = a.call_id`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	p := f.Page.normalize()
	rows, err := s.queryAnalysisRows(ctx, analysisRowSelect+clause+` ORDER BY a.created_at DESC, a.id LIMIT ? OFFSET ?`,
		append(args, p.Limit, p.offset())...)
	return rows, total, err
}

// AnalysesBetween returns every analysis created in [from, to), oldest first.
func (s *Store) AnalysesBetween(ctx context.Context, orgID string, from, to time.Time) ([]AnalysisRow, error) {
	clause, args := AnalysisFilter{OrgID: orgID, From: from, To: to}.where()
	return s.queryAnalysisRows(ctx, analysisRowSelect+clause+` ORDER BY a.created_at, a.id`, args...)
}

func (s *Store) queryAnalysisRows(ctx context.Context, query string, args ...any) ([]AnalysisRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisRow
	for rows.Next() {
		var (
			r        AnalysisRow
			agent    sql.NullString
			duration sql.NullInt64
			callAt   string
		)
		a, err := scanAnalysis(rows, &r.OrgID, &agent, &r.ExternalCallSID, &r.CallerNumber, &r.CalleeNumber, &duration, &callAt)
		if err != nil {
			return nil, err
		}
		r.Analysis = a
		r.AgentID = agent.String
		if duration.Valid {
			d := int(duration.Int64)
			r.DurationSeconds = &d
		}
		r.CallCreatedAt = parseTime(callAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanAnalysis(sc scanner, extra ...any) (calls.Analysis, error) {
	var (
		a                       calls.Analysis
		cats, issues, recs, cat string
		sentiment               string
	)
	dest := append([]any{&a.ID, &a.CallID, &a.OverallScore, &cats, &issues, &recs, &a.Summary, &sentiment,
		&a.LLMModel, &a.PromptTokens, &a.CompletionTokens, &a.ProcessingTimeMs, &cat}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return calls.Analysis{}, err
	}
	a.Sentiment = calls.Sentiment(sentiment)
	a.CreatedAt = parseTime(cat)
	if err := fromJSON(cats, &a.CategoryScores); err != nil {
		return calls.Analysis{}, fmt.Errorf("analysis %s category_scores: %w", a.ID, err)
	}
	if err := fromJSON(issues, &a.Issues); err != nil {
		return calls.Analysis{}, fmt.Errorf("analysis %s issues: %w", a.ID, err)
	}
	if err := fromJSON(recs, &a.Recommendations); err != nil {
		return calls.Analysis{}, fmt.Errorf("analysis %s recommendations: %w", a.ID, err)
	}
	return a, nil
}

// Statistics aggregates analyses and call statuses for the dashboard.
type Statistics struct {
	TotalCalls    int            `json:"total_calls"`
	TotalAnalyses int            `json:"total_analyses"`
	AverageScore  float64        `json:"average_score"`
	MinScore      float64        `json:"min_score"`
	MaxScore      float64        `json:"max_score"`
	AlertsCount   int            `json:"alerts_count"`
	ByBand        map[string]int `json:"by_band"`
	BySentiment   map[string]int `json:"by_sentiment"`
	CallsByStatus map[string]int `json:"calls_by_status"`
}

func (s *Store) Statistics(ctx context.Context, orgID string, sc scoring.Config) (Statistics, error) {
	st := Statistics{
		ByBand:        map[string]int{},
		BySentiment:   map[string]int{},
		CallsByStatus: map[string]int{},
	}
	for _, b := range scoring.AllBands {
		st.ByBand[string(b)] = 0
	}

	orgClause, args := "", []any{}
	if orgID != "" {
		orgClause = " WHERE c.org_id = ?"
		args = append(args, orgID)
	}

	var avg, lo, hi sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*), AVG(a.overall_score), MIN(a.overall_score), MAX(a.overall_score),
		COALESCE(SUM(CASE WHEN a.overall_score < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN a.overall_score >= ? AND a.overall_score < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN a.overall_score >= ? AND a.overall_score < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN a.overall_score >= ? THEN 1 ELSE 0 END), 0)
		FROM analyses a JOIN calls c ON c.id = a.call_id`+orgClause),
		append([]any{sc.AlertThreshold, sc.AlertThreshold, sc.GoodThreshold, sc.GoodThreshold, sc.ExcellentThreshold, sc.ExcellentThreshold}, args...)...).
		Scan(&st.TotalAnalyses, &avg, &lo, &hi,
			intPtr(st.ByBand, string(scoring.BandPoor)), intPtr(st.ByBand, string(scoring.BandNeedsImprovement)),
			intPtr(st.ByBand, string(scoring.BandGood)), intPtr(st.ByBand, string(scoring.BandExcellent)))
	if err != nil {
		return Statistics{}, err
	}
	st.AverageScore = scoring.Round1(avg.Float64)
	st.MinScore, st.MaxScore = lo.Float64, hi.Float64
	st.AlertsCount = st.ByBand[string(scoring.BandPoor)]

	if err := s.groupCount(ctx, `SELECT a.sentiment, COUNT(*) FROM analyses a JOIN calls c ON c.id = a.call_id`+orgClause+` GROUP BY a.sentiment`, args, st.BySentiment); err != nil {
		return Statistics{}, err
	}
	callClause := ""
	if orgID != "" {
		callClause = " WHERE org_id = ?"
	}
	if err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM calls`+callClause+` GROUP BY status`, args, st.CallsByStatus); err != nil {
		return Statistics{}, err
	}
	for _, n := range st.CallsByStatus {
		st.TotalCalls += n
	}
	return st, nil
}

// intPtr lets Scan write straight into a map slot.
func intPtr(m map[string]int, key string) *countInto {
	return &countInto{m: m, key: key}
}

type countInto struct {
	m   map[string]int
	key string
}

func (c *countInto) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		c.m[c.key] = int(v)
	case float64:
		c.m[c.key] = int(v)
	case []byte:
		return c.Scan(string(v))
	case string:
		n, err := strconv.ParseFloat(v, 64)
		c.m[c.key] = int(n)
		return err
	case nil:
		c.m[c.key] = 0
	default:
		return fmt.Errorf("unexpected count type %T", src)
	}
	return nil
}

func (s *Store) groupCount(ctx context.Context, query string, args []any, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
