// Package export writes analyses to CSV or XLSX files under
// <storage_root>/exports.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callscore/internal/scoring"
	"callscore/internal/store"

	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var ErrInvalidRequest = errors.New("export: invalid request")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, s)
	}
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Source lists analyses of an organization in a time range.
type Source interface {
	AnalysesBetween(ctx context.Context, orgID string, from, to time.Time) ([]store.AnalysisRow, error)
}

type Request struct {
	OrgID  string
	From   time.Time
	To     time.Time
	Format Format
}

// File is a written export.
type File struct {
	Name        string `json:"name"`
	Path        string `json:"-"`
	Format      Format `json:"format"`
	Rows        int    `json:"rows"`
	ContentType string `json:"content_type"`
}

type Exporter struct {
	src     Source
	dir     string
	scoring scoring.Config
	now     func() time.Time
}

// New creates <root>/exports.
func New(src Source, root string, sc scoring.Config) (*Exporter, error) {
	dir := filepath.Join(root, "exports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}
	return &Exporter{src: src, dir: dir, scoring: sc, now: time.Now}, nil
}

func (e *Exporter) Dir() string { return e.dir }

// Analyses writes every analysis of req.OrgID created in [From, To). A zero
// range covers the last 30 days.
func (e *Exporter) Analyses(ctx context.Context, req Request) (File, error) {
	if req.OrgID == "" {
		return File{}, fmt.Errorf("%w: org id is required", ErrInvalidRequest)
	}
	if req.Format == "" {
		req.Format = FormatCSV
	}
	if req.To.IsZero() {
		req.To = e.now().UTC()
	}
	if req.From.IsZero() {
		req.From = req.To.AddDate(0, 0, -30)
	}
	if !req.From.Before(req.To) {
		return File{}, fmt.Errorf("%w: from must be before to", ErrInvalidRequest)
	}

	rows, err := e.src.AnalysesBetween(ctx, req.OrgID, req.From, req.To)
	if err != nil {
		return File{}, err
	}
	table := e.table(rows)

	name := fmt.Sprintf("analyses_%s_%s.%s", req.OrgID, e.now().UTC().Format("20060102T150405"), req.Format)
	path := filepath.Join(e.dir, name)
	switch req.Format {
	case FormatCSV:
		err = writeCSV(path, table)
	case FormatXLSX:
		err = writeXLSX(path, table)
	default:
		return File{}, fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, req.Format)
	}
	if err != nil {
		_ = os.Remove(path)
		return File{}, err
	}
	return File{Name: name, Path: path, Format: req.Format, Rows: len(rows), ContentType: req.Format.ContentType()}, nil
}

// Open resolves a previously written export by name.
func (e *Exporter) Open(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: bad file name", ErrInvalidRequest)
	}
	p := filepath.Join(e.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

func (e *Exporter) table(rows []store.AnalysisRow) [][]string {
	cats := e.scoring.Rubric.Keys()
	header := []string{"analysis_id", "call_id", "external_call_sid", "agent_id", "caller_number", "callee_number",
		"duration_seconds", "overall_score", "band", "sentiment"}
	header = append(header, cats...)
	header = append(header, "issues", "alerting_issues", "summary", "llm_model", "created_at")

	out := make([][]string, 0, len(rows)+1)
	out = append(out, header)
	for _, r := range rows {
		dur := ""
		if r.DurationSeconds != nil {
			dur = strconv.Itoa(*r.DurationSeconds)
		}
		line := []string{r.ID, r.CallID, r.ExternalCallSID, r.AgentID, r.CallerNumber, r.CalleeNumber,
			dur, formatScore(r.OverallScore), string(e.scoring.Band(r.OverallScore)), string(r.Sentiment)}
		for _, k := range cats {
			if cs, ok := r.CategoryScores[k]; ok {
				line = append(line, formatScore(cs.Score))
			} else {
				line = append(line, "")
			}
		}
		alerting := r.AlertingIssues()
		types := make([]string, 0, len(alerting))
		for _, is := range alerting {
			types = append(types, is.Type+":"+string(is.Severity))
		}
		line = append(line, strconv.Itoa(len(r.Issues)), strings.Join(types, "; "), r.Summary, r.LLMModel,
			r.CreatedAt.UTC().Format(time.RFC3339))
		out = append(out, line)
	}
	return out
}

func formatScore(v float64) string {
	return strconv.FormatFloat(scoring.Round1(v), 'f', 1, 64)
}

func writeCSV(path string, table [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(table); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeXLSX(path string, table [][]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Analyses"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(table) > 0 {
		if err := sw.SetColWidth(1, len(table[0]), 16); err != nil {
			return err
		}
	}
	for i, row := range table {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.SaveAs(path)
}
