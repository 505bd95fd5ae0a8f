package notify

import (
	"fmt"
	"sort"
	"strings"

	"callscore/internal/calls"
	"callscore/internal/scoring"
)

func lowScoreMessage(call calls.Call, a calls.Analysis, threshold float64, sc scoring.Config) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Score: %.1f / 100 (threshold %.0f, band %s)\n", a.OverallScore, threshold, sc.Band(a.OverallScore))
	writeCallLine(&b, call)
	fmt.Fprintf(&b, "Sentiment: %s\n", a.Sentiment)
	if weak := weakestCategories(a, 2); len(weak) > 0 {
		fmt.Fprintf(&b, "Weakest: %s\n", strings.Join(weak, ", "))
	}
	if a.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Summary)
	}
	if len(a.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for i, r := range a.Recommendations {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return Message{
		Type:   calls.NotificationLowScoreAlert,
		Title:  fmt.Sprintf("Low score alert: %.1f", a.OverallScore),
		Text:   strings.TrimSpace(b.String()),
		CallID: call.ID,
	}
}

func criticalIssueMessage(call calls.Call, a calls.Analysis, is calls.Issue) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Severity: %s\nIssue: %s\n", is.Severity, is.Type)
	if is.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", is.Detail)
	}
	writeCallLine(&b, call)
	fmt.Fprintf(&b, "Score: %.1f / 100", a.OverallScore)
	return Message{
		Type:   calls.NotificationCriticalIssue,
		Title:  fmt.Sprintf("%s issue on call", strings.ToUpper(string(is.Severity))),
		Text:   b.String(),
		CallID: call.ID,
	}
}

func writeCallLine(b *strings.Builder, call calls.Call) {
	fmt.Fprintf(b, "Call: %s", call.ExternalCallSID)
	if call.AgentID != "" {
		fmt.Fprintf(b, " | agent %s", call.AgentID)
	}
	if call.CallerNumber != "" || call.CalleeNumber != "" {
		fmt.Fprintf(b, " | %s -> %s", call.CallerNumber, call.CalleeNumber)
	}
	if call.DurationSeconds != nil {
		fmt.Fprintf(b, " | %ds", *call.DurationSeconds)
	}
	b.WriteByte('\n')
}

// weakestCategories returns up to n category keys with the lowest scores.
func weakestCategories(a calls.Analysis, n int) []string {
	type kv struct {
		k string
		v float64
	}
	list := make([]kv, 0, len(a.CategoryScores))
	for k, cs := range a.CategoryScores {
		list = append(list, kv{k, cs.Score})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].v != list[j].v {
			return list[i].v < list[j].v
		}
		return list[i].k < list[j].k
	})
	var out []string
	for i := 0; i < len(list) && i < n; i++ {
		out = append(out, fmt.Sprintf("%s (%.0f)", list[i].k, list[i].v))
	}
	return out
}
