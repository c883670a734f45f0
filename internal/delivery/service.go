// ABOUTME: Outbound delivery service: validation, per-recipient rate limiting, pacing and retries
// ABOUTME: Retries transient failures with exponential backoff plus jitter and keeps running metrics

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/2389/concierge-gateway/internal/markdown"
)

// MaxBodyChars is the longest body the provider accepts.
const MaxBodyChars = 1600

// Config holds delivery limits and retry policy.
type Config struct {
	RateLimit           int           // sends per recipient per RateWindow; 0 disables
	RateWindow          time.Duration
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxJitter           time.Duration
	SendTimeout         time.Duration // per attempt
	SweepInterval       time.Duration // 0 disables the background sweep
	GlobalRatePerSecond float64       // account-wide pacing; 0 disables
	GlobalBurst         int
	CostPerMessage      float64
}

// Options adjust a single Send.
type Options struct {
	// PlainText converts markdown in body to plain text before sending.
	PlainText bool
}

// Result describes the outcome of one Send call.
type Result struct {
	Recipient      string
	Success        bool
	MessageID      string
	Err            *Error
	Cost           float64
	ProcessingTime time.Duration
	Attempts       int
}

// Metrics are running counters for the service.
type Metrics struct {
	Sent        int64   `json:"sent"` // sends that passed local checks
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	RateLimited int64   `json:"rate_limited"`
	Retries     int64   `json:"retries"`
	CostUSD     float64 `json:"cost_usd"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for rate windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleep replaces the backoff sleep. sleep must return ctx.Err() if ctx ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// WithJitter replaces the jitter source. It returns a value in [0, n).
func WithJitter(jitter func(n int64) int64) Option {
	return func(s *Service) { s.jitter = jitter }
}

// Service delivers messages through a Transport. It is safe for concurrent use.
type Service struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	windows   *rateWindows
	limiter   *rate.Limiter

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64

	mu      sync.Mutex
	metrics Metrics

	done      chan struct{}
	closeOnce sync.Once
}

// NewService creates a delivery service and starts the rate window sweeper.
func NewService(transport Transport, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	s := &Service{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "delivery"),
		windows:   newRateWindows(cfg.RateLimit, cfg.RateWindow),
		now:       time.Now,
		sleep:     sleepContext,
		jitter:    rand.Int64N,
		done:      make(chan struct{}),
	}
	if cfg.GlobalRatePerSecond > 0 {
		burst := max(cfg.GlobalBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s
}

// Send delivers body to recipient. It never panics and always returns a Result;
// Result.Err is set when Success is false.
func (s *Service) Send(ctx context.Context, recipient, body string, opts Options) Result {
	start := time.Now()
	res := s.send(ctx, recipient, body, opts)
	res.ProcessingTime = time.Since(start)
	return res
}

func (s *Service) send(ctx context.Context, recipient, body string, opts Options) Result {
	res := Result{Recipient: recipient}

	to, err := NormalizeRecipient(recipient)
	if err != nil {
		return s.reject(res, ReasonInvalidRecipient, err)
	}
	res.Recipient = to

	if opts.PlainText {
		body = markdown.ToPlainText(body)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return s.reject(res, ReasonInvalidBody, fmt.Errorf("body is empty"))
	}
	if n := utf8.RuneCountInString(body); n > MaxBodyChars {
		return s.reject(res, ReasonInvalidBody, fmt.Errorf("body has %d characters, limit is %d", n, MaxBodyChars))
	}

	if !s.windows.allow(rateKey(to), s.now()) {
		s.update(func(m *Metrics) { m.RateLimited++ })
		s.logger.Warn("recipient rate limit exceeded", "recipient", to, "limit", s.cfg.RateLimit, "window", s.cfg.RateWindow)
		res.Err = &Error{Reason: ReasonRateLimitedLocal}
		return res
	}
	s.update(func(m *Metrics) { m.Sent++ })

	var lastErr *Error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.backoff(attempt - 1)
			s.update(func(m *Metrics) { m.Retries++ })
			s.logger.Debug("retrying send", "recipient", to, "attempt", attempt, "delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				lastErr = &Error{Reason: ReasonTransient, Err: err}
				break
			}
		}

		res.Attempts = attempt
		id, err := s.attempt(ctx, to, body)
		if err == nil {
			res.Success = true
			res.MessageID = id
			res.Cost = s.cfg.CostPerMessage
			s.update(func(m *Metrics) {
				m.Succeeded++
				m.CostUSD += res.Cost
			})
			return res
		}

		reason := Classify(err)
		lastErr = &Error{Reason: reason, Err: err}
		s.logger.Warn("send attempt failed",
			"recipient", to,
			"attempt", attempt,
			"reason", reason,
			"error", err,
		)
		if !reason.Retryable() {
			break
		}
	}

	s.update(func(m *Metrics) { m.Failed++ })
	s.logger.Error("message not delivered", "recipient", to, "attempts", res.Attempts, "reason", lastErr.Reason)
	res.Err = lastErr
	return res
}

func (s *Service) attempt(ctx context.Context, to, body string) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for send slot: %w", err)
		}
	}
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}
	return s.transport.Send(ctx, to, body)
}

// backoff returns the delay after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1) plus up to MaxJitter.
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.cfg.BaseDelay << (attempt - 1)
	if s.cfg.MaxJitter > 0 {
		delay += time.Duration(s.jitter(int64(s.cfg.MaxJitter)))
	}
	return delay
}

func (s *Service) reject(res Result, reason Reason, err error) Result {
	s.update(func(m *Metrics) { m.Failed++ })
	s.logger.Warn("message rejected", "recipient", res.Recipient, "reason", reason, "error", err)
	res.Err = &Error{Reason: reason, Err: err}
	return res
}

func (s *Service) update(fn func(*Metrics)) {
	s.mu.Lock()
	fn(&s.metrics)
	s.mu.Unlock()
}

// Metrics returns a copy of the running counters.
func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// SweepRateWindows discards rate windows past their reset time.
func (s *Service) SweepRateWindows() int {
	return s.windows.sweep(s.now())
}

// Close stops the background sweep. It is safe to call multiple times.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Service) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.SweepRateWindows(); n > 0 {
				s.logger.Debug("swept rate windows", "removed", n)
			}
		case <-s.done:
			return
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
