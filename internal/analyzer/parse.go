package analyzer

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/scoring"

	"github.com/spf13/cast"
)

// Verdict is the repaired model output.
type Verdict struct {
	OverallScore    float64
	Recomputed      bool
	CategoryScores  map[string]calls.CategoryScore
	Issues          []calls.Issue
	Recommendations []string
	Summary         string
	Sentiment       calls.Sentiment
}

// ExtractJSON returns the first balanced {...} object in s, skipping braces
// inside string literals. It returns "" when none is found.
func ExtractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// decodeObject parses content as a JSON object, falling back once to the
// first balanced object inside it.
func decodeObject(content string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &obj); err == nil && obj != nil {
		return obj, nil
	}
	candidate := ExtractJSON(content)
	if candidate == "" {
		return nil, apperr.Fatal(apperr.CodeAnalysisFormat, "model response contains no JSON object", nil).
			WithDetail("content", truncate(content, 200))
	}
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
		return nil, apperr.Fatal(apperr.CodeAnalysisFormat, "model response is not valid JSON", err).
			WithDetail("content", truncate(content, 200))
	}
	return obj, nil
}

// ParseVerdict decodes and repairs a model response against the rubric.
// Categories outside the rubric are dropped, scores are clamped to [0,100],
// and an absent or out-of-range overall score is recomputed as the weighted
// mean of the category scores.
func ParseVerdict(content string, rubric scoring.Rubric) (Verdict, error) {
	obj, err := decodeObject(content)
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{
		CategoryScores:  parseCategories(obj["category_scores"], rubric),
		Issues:          parseIssues(obj["issues"]),
		Recommendations: parseStrings(obj["recommendations"]),
		Summary:         strings.TrimSpace(cast.ToString(obj["summary"])),
		Sentiment:       calls.ParseSentiment(strings.ToLower(strings.TrimSpace(cast.ToString(obj["sentiment"])))),
	}

	overall, err := cast.ToFloat64E(obj["overall_score"])
	valid := err == nil && obj["overall_score"] != nil && !math.IsNaN(overall) && overall >= 0 && overall <= 100
	if valid {
		v.OverallScore = scoring.Round1(overall)
		return v, nil
	}

	scores := make(map[string]float64, len(v.CategoryScores))
	for k, cs := range v.CategoryScores {
		scores[k] = cs.Score
	}
	mean, ok := rubric.WeightedMean(scores)
	if !ok {
		return Verdict{}, apperr.Fatal(apperr.CodeAnalysisFormat,
			"model response has neither a valid overall_score nor category scores", nil)
	}
	v.OverallScore = mean
	v.Recomputed = true
	return v, nil
}

func parseCategories(raw any, rubric scoring.Rubric) map[string]calls.CategoryScore {
	out := map[string]calls.CategoryScore{}
	add := func(key string, val any) {
		key = strings.TrimSpace(strings.ToLower(key))
		w, ok := rubric.Weight(key)
		if !ok {
			return
		}
		cs := calls.CategoryScore{Weight: w}
		switch t := val.(type) {
		case map[string]any:
			s, err := cast.ToFloat64E(t["score"])
			if err != nil || t["score"] == nil {
				return
			}
			cs.Score = s
			cs.Feedback = strings.TrimSpace(cast.ToString(t["feedback"]))
		default:
			s, err := cast.ToFloat64E(t)
			if err != nil || t == nil {
				return
			}
			cs.Score = s
		}
		cs.Score = scoring.Round1(clamp(cs.Score, 0, 100))
		out[key] = cs
	}
	switch t := raw.(type) {
	case map[string]any:
		for k, val := range t {
			add(k, val)
		}
	case []any:
		// Some models return [{"category": "...", "score": ..}].
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key := cast.ToString(m["category"])
			if key == "" {
				key = cast.ToString(m["key"])
			}
			add(key, m)
		}
	}
	return out
}

func parseIssues(raw any) []calls.Issue {
	list, _ := raw.([]any)
	out := make([]calls.Issue, 0, len(list))
	for _, item := range list {
		switch t := item.(type) {
		case map[string]any:
			is := calls.Issue{
				Type:     firstString(t, "type", "category"),
				Severity: calls.ParseSeverity(strings.ToLower(cast.ToString(t["severity"]))),
				Detail:   firstString(t, "detail", "description", "issue"),
			}
			if is.Type == "" {
				is.Type = "general"
			}
			out = append(out, is)
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, calls.Issue{Type: "general", Severity: calls.SeverityMedium, Detail: s})
			}
		}
	}
	return out
}

func parseStrings(raw any) []string {
	out := []string{}
	switch t := raw.(type) {
	case []any:
		for _, item := range t {
			if s := strings.TrimSpace(cast.ToString(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(cast.ToString(m[k])); s != "" {
			return s
		}
	}
	return ""
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
