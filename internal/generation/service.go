// ABOUTME: Generative response service wrapping an llm.Backend with sanitization and a response cache
// ABOUTME: Rate-limit and quota failures become a canned apology; other failures return an error

package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/2389/concierge-gateway/internal/cache"
	"github.com/2389/concierge-gateway/internal/llm"
)

var (
	// ErrEmptyPrompt is returned when the prompt is empty after sanitizing.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrEmptyCompletion is returned when the backend answered with no text.
	ErrEmptyCompletion = errors.New("backend returned no text")
)

// Config holds generation parameters and cache limits.
type Config struct {
	Model            string
	SystemPrompt     string
	MaxTokens        int
	MaxTokensCeiling int
	Temperature      float64
	Timeout          time.Duration
	CacheTTL         time.Duration
	CacheSize        int
	MaxPromptChars   int
	Apology          string
	Prices           map[string]Price
}

// Options override per-call parameters. Zero values use the service defaults.
type Options struct {
	MaxTokens   int
	Temperature *float64
	System      string
}

// Reply is the text to send back to the customer.
type Reply struct {
	Text         string
	Cached       bool
	Fallback     bool // the canned apology, not generated text
	Cost         float64
	InputTokens  int64
	OutputTokens int64
}

// Stats are running counters for the service.
type Stats struct {
	Hits      int64   `json:"cache_hits"`
	Misses    int64   `json:"cache_misses"`
	Fallbacks int64   `json:"fallbacks"`
	Failures  int64   `json:"failures"`
	CostUSD   float64 `json:"cost_usd"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for the response cache.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service generates replies. It is safe for concurrent use.
type Service struct {
	backend llm.Backend
	cfg     Config
	prices  map[string]Price
	cache   *cache.Cache[string]
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewService creates a Service around backend.
func NewService(backend llm.Backend, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		backend: backend,
		cfg:     cfg,
		prices:  mergePrices(cfg.Prices),
		logger:  logger.With("component", "generation"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = cache.New[string](cfg.CacheTTL, cfg.CacheSize, cache.WithClock(s.now))
	return s
}

// Generate returns a reply for prompt. A nil error always comes with a
// sendable Reply; a non-nil error means nothing should be sent.
func (s *Service) Generate(ctx context.Context, prompt string, opts Options) (*Reply, error) {
	clean := Sanitize(prompt, s.cfg.MaxPromptChars)
	if clean == "" {
		s.count(func(st *Stats) { st.Failures++ })
		return nil, ErrEmptyPrompt
	}

	req := s.request(clean, opts)
	key := fingerprint(req)

	if hit, ok := s.cache.Get(key); ok {
		s.count(func(st *Stats) { st.Hits++ })
		s.logger.Debug("response cache hit", "fingerprint", key[:12])
		return &Reply{Text: hit, Cached: true}, nil
	}
	s.count(func(st *Stats) { st.Misses++ })

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	completion, err := s.backend.Complete(callCtx, req)
	if err != nil {
		if llm.Exhausted(err) {
			s.count(func(st *Stats) { st.Fallbacks++ })
			s.logger.Warn("backend exhausted, sending apology",
				"provider", s.backend.Name(),
				"kind", llm.KindOf(err),
				"error", err,
			)
			return &Reply{Text: s.cfg.Apology, Fallback: true}, nil
		}
		s.count(func(st *Stats) { st.Failures++ })
		s.logFailure(req, err, time.Since(start))
		return nil, fmt.Errorf("generating reply: %w", err)
	}

	if completion.Text == "" {
		s.count(func(st *Stats) { st.Failures++ })
		s.logFailure(req, ErrEmptyCompletion, time.Since(start))
		return nil, ErrEmptyCompletion
	}

	cost := s.estimateCost(req.Model, completion.InputTokens, completion.OutputTokens)
	s.cache.Set(key, completion.Text)
	s.count(func(st *Stats) { st.CostUSD += cost })

	s.logger.Debug("generated reply",
		"model", req.Model,
		"input_tokens", completion.InputTokens,
		"output_tokens", completion.OutputTokens,
		"cost_usd", cost,
		"duration", time.Since(start),
	)

	return &Reply{
		Text:         completion.Text,
		Cost:         cost,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}, nil
}

// Stats returns a copy of the running counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CacheLen returns the number of cached responses.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

// Close stops the response cache sweeper.
func (s *Service) Close() {
	s.cache.Close()
}

func (s *Service) request(prompt string, opts Options) llm.Request {
	maxTokens := s.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if s.cfg.MaxTokensCeiling > 0 && maxTokens > s.cfg.MaxTokensCeiling {
		maxTokens = s.cfg.MaxTokensCeiling
	}

	temp := s.cfg.Temperature
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	temp = min(max(temp, 0), 1)

	system := s.cfg.SystemPrompt
	if opts.System != "" {
		system = opts.System
	}

	return llm.Request{
		Model:       s.cfg.Model,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temp,
	}
}

func (s *Service) logFailure(req llm.Request, err error, elapsed time.Duration) {
	attrs := []any{
		"provider", s.backend.Name(),
		"model", req.Model,
		"kind", llm.KindOf(err),
		"prompt_chars", len([]rune(req.Prompt)),
		"max_tokens", req.MaxTokens,
		"duration", elapsed,
		"error", err,
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		attrs = append(attrs, "status", llmErr.Status, "code", llmErr.Code)
	}
	s.logger.Error("generation failed, no reply will be sent", attrs...)
}

func (s *Service) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// fingerprint hashes every input that affects the completion.
func fingerprint(req llm.Request) string {
	h := sha256.New()
	for _, part := range []string{
		req.Model,
		strconv.Itoa(req.MaxTokens),
		strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		req.System,
		req.Prompt,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
