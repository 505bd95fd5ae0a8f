package analyzer

import (
	"context"
	"encoding/json"
	"sync"

	"callscore/internal/calls"
	"callscore/internal/scoring"

	"github.com/sashabaranov/go-openai"
)

// MockClient answers chat completions with a fixed verdict. It is used when
// LLM_MOCK is set and in tests.
type MockClient struct {
	mu sync.Mutex

	Score     float64
	Sentiment calls.Sentiment
	Issues    []calls.Issue
	// Content, when set, is returned verbatim instead of a rendered verdict.
	Content string
	// Err, when set, fails every request.
	Err error

	requests []openai.ChatCompletionRequest
}

// NewMockClient returns a mock that scores every call 78 / positive.
func NewMockClient() *MockClient {
	return &MockClient{Score: 78, Sentiment: calls.SentimentPositive}
}

// Set replaces the verdict under lock.
func (m *MockClient) Set(score float64, sentiment calls.Sentiment, issues []calls.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Score, m.Sentiment, m.Issues = score, sentiment, issues
}

// Requests returns the requests seen so far.
func (m *MockClient) Requests() []openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), m.requests...)
}

func (m *MockClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if m.Err != nil {
		return openai.ChatCompletionResponse{}, m.Err
	}
	content := m.Content
	if content == "" {
		content = m.render()
	}
	return openai.ChatCompletionResponse{
		ID:    "mock-completion",
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 850, CompletionTokens: 320, TotalTokens: 1170},
	}, nil
}

func (m *MockClient) render() string {
	cats := map[string]any{}
	for _, c := range scoring.DefaultRubric().Categories {
		cats[c.Key] = map[string]any{"score": m.Score, "feedback": "Mock feedback for " + c.Name + "."}
	}
	issues := m.Issues
	if issues == nil {
		issues = []calls.Issue{}
	}
	sentiment := m.Sentiment
	if sentiment == "" {
		sentiment = calls.SentimentNeutral
	}
	b, _ := json.Marshal(map[string]any{
		"overall_score":   m.Score,
		"category_scores": cats,
		"issues":          issues,
		"recommendations": []string{"Confirm the customer's budget early.", "Agree a follow-up date before ending the call."},
		"summary":         "Mock analysis of the call.",
		"sentiment":       sentiment,
	})
	return string(b)
}
