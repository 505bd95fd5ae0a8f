package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"callscore/internal/apperr"

	"golang.org/x/sync/errgroup"
)

// ErrNoProvider is returned when no provider could be initialized.
var ErrNoProvider = errors.New("no stt provider configured")

// Registry holds the providers that initialized successfully.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	log       *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{providers: map[string]Provider{}, log: log}
}

// Register initializes p and adds it when Initialize reports success. It
// returns whether p was added.
func (r *Registry) Register(ctx context.Context, p Provider) bool {
	if !p.Initialize(ctx) {
		r.log.Info("stt provider not configured", "provider", p.Name())
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.Name()]; !dup {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
	r.log.Info("stt provider registered", "provider", p.Name())
	return true
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered providers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Default returns the preferred provider when registered, otherwise the first
// one registered.
func (r *Registry) Default(preferred string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if preferred != "" {
		if p, ok := r.providers[preferred]; ok {
			return p, nil
		}
	}
	if len(r.order) == 0 {
		return nil, ErrNoProvider
	}
	return r.providers[r.order[0]], nil
}

// Outcome is one provider's entry in a TranscribeWithAll comparison.
type Outcome struct {
	OK     bool    `json:"ok"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// TranscribeWithAll runs every registered provider on the same file in
// parallel. A provider failure is recorded in its Outcome and never cancels
// the others. limit <= 0 means unbounded.
func (r *Registry) TranscribeWithAll(ctx context.Context, audioPath string, opts Options, limit int) map[string]Outcome {
	names := r.Names()
	sort.Strings(names)

	var (
		mu  sync.Mutex
		out = make(map[string]Outcome, len(names))
	)
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, name := range names {
		p, ok := r.Get(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			res, err := p.Transcribe(ctx, audioPath, opts)
			o := Outcome{OK: err == nil}
			if err != nil {
				ae := apperr.From(err)
				o.Error = ae.Message
				o.Code = ae.Code
			} else {
				o.Result = &res
			}
			mu.Lock()
			out[name] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ProviderInfo describes what one registered provider accepts.
type ProviderInfo struct {
	Name      string   `json:"name"`
	Formats   []string `json:"formats"`
	Languages []string `json:"languages"`
}

// Describe summarises provider capabilities for health and benchmark output.
func (r *Registry) Describe() []ProviderInfo {
	names := r.Names()
	out := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		p, ok := r.Get(name)
		if !ok {
			continue
		}
		out = append(out, ProviderInfo{
			Name:      name,
			Formats:   p.SupportedFormats(),
			Languages: p.SupportedLanguages(),
		})
	}
	return out
}

func (r *Registry) String() string {
	return fmt.Sprintf("stt.Registry%v", r.Names())
}
