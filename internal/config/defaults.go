// ABOUTME: Default values for optional configuration fields
// ABOUTME: Applied after parsing so a minimal config file is enough to run

package config

import "time"

// Default values used when the corresponding field is unset.
const (
	DefaultMessagingPath  = "/webhooks/messaging"
	DefaultSchedulingPath = "/webhooks/scheduling"
	DefaultMaxBodyBytes   = 1 << 20
	DefaultDedupeTTL      = 10 * time.Minute

	DefaultContextTTL           = 30 * time.Minute
	DefaultContextMaxMessages   = 20
	DefaultContextHistoryLimit  = 10
	DefaultContextPromptMsgs    = 10
	DefaultContextSweepInterval = time.Minute

	DefaultGenerationMaxTokens   = 300
	DefaultGenerationTokenCeil   = 1024
	DefaultGenerationTemperature = 0.7
	DefaultGenerationTimeout     = 30 * time.Second
	DefaultGenerationCacheTTL    = time.Hour
	DefaultGenerationCacheSize   = 500
	DefaultMaxPromptChars        = 8000

	DefaultDeliveryBaseURL     = "https://api.twilio.com"
	DefaultDeliveryRateLimit   = 10
	DefaultDeliveryRateWindow  = time.Minute
	DefaultDeliveryMaxAttempts = 3
	DefaultDeliveryBaseDelay   = 500 * time.Millisecond
	DefaultDeliveryMaxJitter   = 250 * time.Millisecond
	DefaultDeliveryTimeout     = 15 * time.Second
	DefaultDeliveryCost        = 0.005

	DefaultDispatchMaxConcurrent = 64
	DefaultShutdownGrace         = 30 * time.Second

	DefaultApology = "Lo sentimos, estamos recibiendo muchas consultas en este momento. " +
		"Te responderemos en breve."
	DefaultSystemPrompt = "You are a friendly assistant for a small business. " +
		"Answer customer messages briefly, in the customer's language, in plain text."
	DefaultBookingCreated  = "Hola {{.Name}}, tu cita \"{{.Event}}\" está confirmada para {{.StartTime}}."
	DefaultBookingCanceled = "Hola {{.Name}}, tu cita \"{{.Event}}\" del {{.StartTime}} ha sido cancelada."
)

// DefaultAllowedEvents are the scheduling events that trigger a business message.
var DefaultAllowedEvents = []string{"invitee.created", "invitee.canceled"}

// ApplyDefaults fills unset optional fields with their defaults.
func (c *Config) ApplyDefaults() {
	w := &c.Webhooks
	if w.Messaging.Path == "" {
		w.Messaging.Path = DefaultMessagingPath
	}
	if w.Scheduling.Path == "" {
		w.Scheduling.Path = DefaultSchedulingPath
	}
	if len(w.Scheduling.AllowedEvents) == 0 {
		w.Scheduling.AllowedEvents = append([]string(nil), DefaultAllowedEvents...)
	}
	if w.MaxBodyBytes <= 0 {
		w.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if w.DedupeTTL == 0 {
		w.DedupeTTL = DefaultDedupeTTL
	}

	cc := &c.Context
	if cc.TTL == 0 {
		cc.TTL = DefaultContextTTL
	}
	if cc.MaxMessages <= 0 {
		cc.MaxMessages = DefaultContextMaxMessages
	}
	if cc.HistoryLimit <= 0 {
		cc.HistoryLimit = DefaultContextHistoryLimit
	}
	if cc.PromptMessages <= 0 {
		cc.PromptMessages = DefaultContextPromptMsgs
	}
	if cc.SweepInterval == 0 {
		cc.SweepInterval = DefaultContextSweepInterval
	}

	g := &c.Generation
	if g.Model == "" {
		if g.Provider == "openai" {
			g.Model = "gpt-4o-mini"
		} else {
			g.Model = "claude-3-5-haiku-latest"
		}
	}
	if g.MaxTokens <= 0 {
		g.MaxTokens = DefaultGenerationMaxTokens
	}
	if g.MaxTokensCeiling <= 0 {
		g.MaxTokensCeiling = DefaultGenerationTokenCeil
	}
	if g.Temperature == nil {
		t := DefaultGenerationTemperature
		g.Temperature = &t
	}
	if g.Timeout == 0 {
		g.Timeout = DefaultGenerationTimeout
	}
	if g.CacheTTL == 0 {
		g.CacheTTL = DefaultGenerationCacheTTL
	}
	if g.CacheSize <= 0 {
		g.CacheSize = DefaultGenerationCacheSize
	}
	if g.MaxPromptChars <= 0 {
		g.MaxPromptChars = DefaultMaxPromptChars
	}
	if g.SystemPrompt == "" {
		g.SystemPrompt = DefaultSystemPrompt
	}
	if g.Apology == "" {
		g.Apology = DefaultApology
	}

	d := &c.Delivery
	if d.BaseURL == "" {
		d.BaseURL = DefaultDeliveryBaseURL
	}
	if d.RateLimit <= 0 {
		d.RateLimit = DefaultDeliveryRateLimit
	}
	if d.RateWindow == 0 {
		d.RateWindow = DefaultDeliveryRateWindow
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultDeliveryMaxAttempts
	}
	if d.BaseDelay == 0 {
		d.BaseDelay = DefaultDeliveryBaseDelay
	}
	if d.MaxJitter == 0 {
		d.MaxJitter = DefaultDeliveryMaxJitter
	}
	if d.SendTimeout == 0 {
		d.SendTimeout = DefaultDeliveryTimeout
	}
	if d.SweepInterval == 0 {
		d.SweepInterval = d.RateWindow
	}
	if d.CostPerMessage == 0 {
		d.CostPerMessage = DefaultDeliveryCost
	}

	if c.Dispatch.MaxConcurrent <= 0 {
		c.Dispatch.MaxConcurrent = DefaultDispatchMaxConcurrent
	}
	if c.Dispatch.ShutdownGrace == 0 {
		c.Dispatch.ShutdownGrace = DefaultShutdownGrace
	}

	if c.Templates.BookingCreated == "" {
		c.Templates.BookingCreated = DefaultBookingCreated
	}
	if c.Templates.BookingCanceled == "" {
		c.Templates.BookingCanceled = DefaultBookingCanceled
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
