package analyzer

import (
	"fmt"
	"strings"

	"callscore/internal/scoring"
)

const DefaultSystemPrompt = `You are an expert sales-call quality analyst. You review transcripts of phone calls between a sales agent and a customer and grade the agent strictly against the rubric you are given. Transcripts may be in English, Malayalam, Hindi or other Indian languages, or a mix of them; evaluate the conversation regardless of language. Respond with a single JSON object and nothing else.`

// maxTranscriptRunes keeps prompts within the context window of the smaller
// fallback models.
const maxTranscriptRunes = 24000

// BuildUserPrompt renders the transcript and the enumerated rubric.
func BuildUserPrompt(transcript string, rubric scoring.Rubric) string {
	var b strings.Builder
	b.WriteString("Score the following sales call on each rubric category from 0 to 100.\n\n")
	b.WriteString("RUBRIC:\n")
	for i, c := range rubric.Categories {
		fmt.Fprintf(&b, "%d. %s (key: %s, weight: %.2f): %s\n", i+1, c.Name, c.Key, c.Weight, c.Description)
	}
	b.WriteString(`
Return JSON with exactly this shape:
{
  "overall_score": <0-100, weighted mean of the category scores>,
  "category_scores": {
    "<category key>": {"score": <0-100>, "feedback": "<one or two sentences>"}
  },
  "issues": [
    {"type": "<category key or short label>", "severity": "low|medium|high|critical", "detail": "<what went wrong>"}
  ],
  "recommendations": ["<actionable coaching tip>"],
  "summary": "<two or three sentence summary of the call>",
  "sentiment": "positive|neutral|negative"
}
`)
	b.WriteString("Use only these category keys: ")
	b.WriteString(strings.Join(rubric.Keys(), ", "))
	b.WriteString(".\n\nTRANSCRIPT:\n")
	b.WriteString(clip(transcript, maxTranscriptRunes))
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n[transcript truncated]"
}
