package reporting

import (
	"fmt"
	"strings"

	"callscore/internal/calls"
	"callscore/internal/scoring"
)

// FormatDigest renders a digest as plain text for notification channels.
func FormatDigest(d Digest) (title, text string) {
	title = "Daily call digest " + d.Date
	if d.TotalCalls == 0 {
		return title, "No calls were analyzed."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Calls analyzed: %d\n", d.TotalCalls)
	fmt.Fprintf(&b, "Average score: %.1f (min %.1f, median %.1f, max %.1f)\n", d.AvgScore, d.MinScore, d.MedianScore, d.MaxScore)
	fmt.Fprintf(&b, "Alerts sent: %d\n", d.AlertsCount)

	b.WriteString("\nBands: ")
	parts := make([]string, 0, len(scoring.AllBands))
	for _, band := range scoring.AllBands {
		parts = append(parts, fmt.Sprintf("%s %d", band, d.ByBand[string(band)]))
	}
	b.WriteString(strings.Join(parts, ", "))
	fmt.Fprintf(&b, "\nSentiment: positive %d, neutral %d, negative %d\n",
		d.Sentiment[string(calls.SentimentPositive)], d.Sentiment[string(calls.SentimentNeutral)], d.Sentiment[string(calls.SentimentNegative)])

	if len(d.TopIssues) > 0 {
		b.WriteString("\nTop issues:\n")
		for i, is := range d.TopIssues {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "- %s (%s) x%d\n", is.Category, is.Severity, is.Count)
		}
	}
	if len(d.NeedsImprovement) > 0 {
		b.WriteString("\nNeeds improvement:\n")
		for _, a := range d.NeedsImprovement {
			fmt.Fprintf(&b, "- %s: avg %.1f over %d calls\n", a.AgentID, a.AvgScore, a.TotalCalls)
		}
	}
	return title, strings.TrimSpace(b.String())
}
