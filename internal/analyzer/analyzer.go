// Package analyzer scores call transcripts with a chat-completion model and
// repairs the verdict against the rubric.
package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/calls"
	"callscore/internal/pricing"
	"callscore/internal/resilience"
	"callscore/internal/scoring"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the part of *openai.Client the analyzer needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	Model         string
	FallbackModel string
	// Temperature defaults to 0.3 when nil.
	Temperature *float64
	MaxTokens   int
	// Timeout bounds one completion request.
	Timeout time.Duration
	Scoring scoring.Config
}

// Options override Config for a single call.
type Options struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Result is one scored transcript. Analysis carries no ID, CallID or
// CreatedAt; the caller persists it.
type Result struct {
	Analysis     calls.Analysis `json:"analysis"`
	CostUSD      float64        `json:"cost_usd"`
	FallbackUsed bool           `json:"fallback_used"`
	Recomputed   bool           `json:"score_recomputed"`
}

type Analyzer struct {
	client  ChatClient
	cfg     Config
	prices  *pricing.Service
	breaker *resilience.Breaker
	log     *slog.Logger
}

func New(client ChatClient, cfg Config, prices *pricing.Service, breaker *resilience.Breaker, log *slog.Logger) *Analyzer {
	if cfg.Temperature == nil {
		t := 0.3
		cfg.Temperature = &t
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if len(cfg.Scoring.Rubric.Categories) == 0 {
		cfg.Scoring = scoring.DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{client: client, cfg: cfg, prices: prices, breaker: breaker, log: log}
}

// NewOpenAIClient points go-openai at an OpenAI-compatible gateway such as
// OpenRouter.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	oc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		oc.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(oc)
}

func (a *Analyzer) Model() string         { return a.cfg.Model }
func (a *Analyzer) FallbackModel() string { return a.cfg.FallbackModel }

// Analyze scores transcript. Gateway failures with 429/500/502/503 are retried
// once on the fallback model before surfacing.
func (a *Analyzer) Analyze(ctx context.Context, transcript string, opts Options) (Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return Result{}, apperr.Validation("transcript is empty")
	}
	model := a.cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	temp := *a.cfg.Temperature
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	maxTokens := a.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	system := DefaultSystemPrompt
	if a.cfg.Scoring.Rubric.SystemPrompt != "" {
		system = a.cfg.Scoring.Rubric.SystemPrompt
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(transcript, a.cfg.Scoring.Rubric)},
		},
		Temperature:    wireTemperature(temp),
		MaxTokens:      maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	start := time.Now()
	resp, err := a.complete(ctx, req)
	fallbackUsed := false
	if err != nil && fallbackEligible(err) && a.cfg.FallbackModel != "" && a.cfg.FallbackModel != model {
		a.log.Warn("llm primary model failed, trying fallback",
			"model", model, "fallback", a.cfg.FallbackModel, "err", err)
		req.Model = a.cfg.FallbackModel
		resp, err = a.complete(ctx, req)
		fallbackUsed = true
	}
	if err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, apperr.ExternalAPI(provider, 0, "llm response has no choices", true)
	}

	v, err := ParseVerdict(resp.Choices[0].Message.Content, a.cfg.Scoring.Rubric)
	if err != nil {
		return Result{}, err
	}

	usedModel := req.Model
	if resp.Model != "" && !fallbackUsed && opts.Model == "" {
		usedModel = resp.Model
	}
	res := Result{
		Analysis: calls.Analysis{
			OverallScore:     v.OverallScore,
			CategoryScores:   v.CategoryScores,
			Issues:           v.Issues,
			Recommendations:  v.Recommendations,
			Summary:          v.Summary,
			Sentiment:        v.Sentiment,
			LLMModel:         usedModel,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		},
		FallbackUsed: fallbackUsed,
		Recomputed:   v.Recomputed,
	}
	if a.prices != nil {
		cost, err := a.prices.LLMCost(ctx, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		switch {
		case err == nil:
			res.CostUSD = cost.USD
		case errors.Is(err, pricing.ErrPricingNotFound):
		default:
			a.log.Warn("llm cost estimate failed", "model", req.Model, "err", err)
		}
	}
	return res, nil
}

func (a *Analyzer) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	call := func() error {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		var err error
		resp, err = a.client.CreateChatCompletion(cctx, req)
		return classify(req.Model, err)
	}
	if a.breaker == nil {
		return resp, call()
	}
	return resp, a.breaker.Execute(call)
}

// wireTemperature keeps an explicit zero on the wire; go-openai omits a zero
// temperature and the server would apply its own default.
func wireTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}
