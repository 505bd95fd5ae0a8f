package export

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"callscore/internal/calls"
	"callscore/internal/reporting"
	"callscore/internal/scoring"
	"callscore/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func newExporter(t *testing.T) *Exporter {
	t.Helper()
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	d := 95
	repo := reporting.NewMemoryRepo()
	repo.Analyses = []store.AnalysisRow{
		{
			Analysis: calls.Analysis{
				ID: "an-1", CallID: "c1", OverallScore: 42.04, Sentiment: calls.SentimentNegative,
				CategoryScores: map[string]calls.CategoryScore{"greeting_rapport": {Score: 60, Weight: 0.15}},
				Issues: []calls.Issue{
					{Type: "objection_handling", Severity: calls.SeverityHigh, Detail: "ignored price"},
					{Type: "greeting_rapport", Severity: calls.SeverityLow},
				},
				Summary: "Missed the close, then apologised.", LLMModel: "m1", CreatedAt: now.Add(-time.Hour),
			},
			OrgID: "org1", AgentID: "agent-1", ExternalCallSID: "s1", DurationSeconds: &d,
		},
		{
			Analysis: calls.Analysis{ID: "an-old", CallID: "c0", OverallScore: 90, CreatedAt: now.AddDate(0, 0, -40)},
			OrgID:    "org1",
		},
	}
	e, err := New(repo, t.TempDir(), scoring.DefaultConfig())
	require.NoError(t, err)
	e.now = func() time.Time { return now }
	return e
}

func TestAnalysesCSV(t *testing.T) {
	e := newExporter(t)
	f, err := e.Analyses(context.Background(), Request{OrgID: "org1"})
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f.Format)
	assert.Equal(t, 1, f.Rows, "default range is the last 30 days")

	fh, err := os.Open(f.Path)
	require.NoError(t, err)
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	col := map[string]int{}
	for i, h := range rows[0] {
		col[h] = i
	}
	r := rows[1]
	assert.Equal(t, "an-1", r[col["analysis_id"]])
	assert.Equal(t, "42.0", r[col["overall_score"]])
	assert.Equal(t, "poor", r[col["band"]])
	assert.Equal(t, "60.0", r[col["greeting_rapport"]])
	assert.Equal(t, "", r[col["closing_next_steps"]])
	assert.Equal(t, "2", r[col["issues"]])
	assert.Equal(t, "objection_handling:high", r[col["alerting_issues"]])
	assert.Equal(t, "95", r[col["duration_seconds"]])

	p, err := e.Open(f.Name)
	require.NoError(t, err)
	assert.Equal(t, f.Path, p)
}

func TestAnalysesXLSX(t *testing.T) {
	e := newExporter(t)
	f, err := e.Analyses(context.Background(), Request{OrgID: "org1", Format: FormatXLSX,
		From: time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Rows)

	x, err := excelize.OpenFile(f.Path)
	require.NoError(t, err)
	defer x.Close()
	rows, err := x.GetRows("Analyses")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "analysis_id", rows[0][0])
}

func TestAnalysesValidation(t *testing.T) {
	e := newExporter(t)
	_, err := e.Analyses(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	f, err := ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	_, err = e.Open("../secret")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
