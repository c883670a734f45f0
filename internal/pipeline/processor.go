// ABOUTME: Exchange pipeline run for every dispatched webhook event and every manual send
// ABOUTME: Context read, generation, delivery, context write, then exchange and audit persistence

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/2389/concierge-gateway/internal/conversation"
	"github.com/2389/concierge-gateway/internal/delivery"
	"github.com/2389/concierge-gateway/internal/generation"
	"github.com/2389/concierge-gateway/internal/store"
	"github.com/2389/concierge-gateway/internal/webhook"
)

// Scheduling event types with a business message template.
const (
	EventInviteeCreated  = "invitee.created"
	EventInviteeCanceled = "invitee.canceled"
)

// Contexts is the conversation context store.
type Contexts interface {
	Get(ctx context.Context, actorID string, limit int) []conversation.Message
	Append(ctx context.Context, actorID string, role conversation.Role, content string, meta conversation.Meta)
}

// Generator produces replies.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts generation.Options) (*generation.Reply, error)
}

// Sender delivers outbound messages.
type Sender interface {
	Send(ctx context.Context, recipient, body string, opts delivery.Options) delivery.Result
}

// Recorder persists exchanges and audit entries.
type Recorder interface {
	SaveExchange(ctx context.Context, ex *store.Exchange) error
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Publisher fans persisted exchanges out to live subscribers.
type Publisher interface {
	Publish(ex *store.Exchange)
}

// Config holds pipeline settings.
type Config struct {
	PromptMessages  int  // history messages included in the prompt
	KeepMarkdown    bool // send generated markdown as-is
	BookingCreated  string
	BookingCanceled string
}

// Deps are the collaborators of a Processor. Events may be nil.
type Deps struct {
	Contexts  Contexts
	Generator Generator
	Sender    Sender
	Recorder  Recorder
	Events    Publisher
}

// Processor runs the exchange pipeline.
type Processor struct {
	cfg       Config
	deps      Deps
	templates map[string]*template.Template
	logger    *slog.Logger
	now       func() time.Time
}

// templateData is the data available to business message templates.
type templateData struct {
	Name      string
	Event     string
	StartTime string
}

// New creates a Processor. It fails if a business message template does not parse.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:       cfg,
		deps:      deps,
		templates: make(map[string]*template.Template),
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
	}
	for event, text := range map[string]string{
		EventInviteeCreated:  cfg.BookingCreated,
		EventInviteeCanceled: cfg.BookingCanceled,
	} {
		if text == "" {
			continue
		}
		tmpl, err := template.New(event).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing template for %s: %w", event, err)
		}
		p.templates[event] = tmpl
	}
	return p, nil
}

// HandleMessage answers a customer message.
func (p *Processor) HandleMessage(ctx context.Context, ev webhook.Event) {
	log := p.logger.With("actor", ev.ActorID, "message_id", ev.MessageID)
	customerMeta := conversation.Meta{
		SourceMessageID: ev.MessageID,
		Media:           ev.Media,
		Session:         sessionMeta(ev),
	}

	history := p.deps.Contexts.Get(ctx, ev.ActorID, p.cfg.PromptMessages)
	prompt := BuildPrompt(history, ev.Content, ev.Metadata["profile_name"])

	ex := &store.Exchange{
		ActorID:          ev.ActorID,
		Source:           store.SourceMessaging,
		InboundMessageID: ev.MessageID,
		CustomerText:     ev.Content,
		Media:            ev.Media,
	}

	reply, err := p.deps.Generator.Generate(ctx, prompt, generation.Options{})
	if err != nil {
		p.deps.Contexts.Append(ctx, ev.ActorID, conversation.RoleCustomer, ev.Content, customerMeta)
		ex.DeliveryStatus = store.StatusNoReply
		ex.FailureReason = "generation_failed"
		p.record(ctx, ex, store.AuditReplyFailed, store.ActorSystem, map[string]any{
			"stage": "generation",
			"error": err.Error(),
		})
		log.Warn("no reply generated", "error", err)
		return
	}

	res := p.deps.Sender.Send(ctx, ev.ReplyTo, reply.Text, delivery.Options{PlainText: !p.cfg.KeepMarkdown})

	p.deps.Contexts.Append(ctx, ev.ActorID, conversation.RoleCustomer, ev.Content, customerMeta)
	if res.Success {
		p.deps.Contexts.Append(ctx, ev.ActorID, conversation.RoleAssistant, reply.Text, conversation.Meta{})
	}

	ex.AssistantText = reply.Text
	ex.CostUSD = reply.Cost + res.Cost
	ex.InputTokens = reply.InputTokens
	ex.OutputTokens = reply.OutputTokens
	applyResult(ex, res)

	action := store.AuditReplySent
	if !res.Success {
		action = store.AuditReplyFailed
	}
	p.record(ctx, ex, action, store.ActorSystem, map[string]any{
		"cached":   reply.Cached,
		"fallback": reply.Fallback,
		"attempts": res.Attempts,
	})

	log.Info("message handled",
		"delivered", res.Success,
		"cached", reply.Cached,
		"fallback", reply.Fallback,
		"duration", res.ProcessingTime,
	)
}

// HandleScheduling sends the business message for a booking event.
func (p *Processor) HandleScheduling(ctx context.Context, ev webhook.Event) {
	log := p.logger.With("actor", ev.ActorID, "event", ev.Type)

	body, err := p.render(ev)
	if err != nil {
		log.Warn("no business message for event", "error", err)
		return
	}

	res := p.deps.Sender.Send(ctx, ev.ReplyTo, body, delivery.Options{})
	if res.Success {
		p.deps.Contexts.Append(ctx, ev.ActorID, conversation.RoleAssistant, body, conversation.Meta{
			SourceMessageID: ev.MessageID,
			Session:         sessionMeta(ev),
		})
	}

	ex := &store.Exchange{
		ActorID:          ev.ActorID,
		Source:           store.SourceScheduling,
		InboundMessageID: ev.MessageID,
		AssistantText:    body,
		CostUSD:          res.Cost,
	}
	applyResult(ex, res)

	action := store.AuditBusinessMessageSent
	if !res.Success {
		action = store.AuditReplyFailed
	}
	p.record(ctx, ex, action, store.ActorSystem, map[string]any{"event": ev.Type})
	log.Info("business message handled", "delivered", res.Success)
}

// SendManual sends an operator-written message to recipient on behalf of admin.
func (p *Processor) SendManual(ctx context.Context, recipient, body, admin string) delivery.Result {
	actorID := conversation.NormalizeActorID(recipient)
	res := p.deps.Sender.Send(ctx, recipient, body, delivery.Options{})
	if res.Success {
		p.deps.Contexts.Append(ctx, actorID, conversation.RoleAssistant, body, conversation.Meta{Manual: true})
	}

	ex := &store.Exchange{
		ActorID:       actorID,
		Source:        store.SourceManual,
		AssistantText: body,
		Manual:        true,
		CostUSD:       res.Cost,
	}
	applyResult(ex, res)
	p.record(ctx, ex, store.AuditManualSend, admin, map[string]any{"delivered": res.Success})
	return res
}

func (p *Processor) render(ev webhook.Event) (string, error) {
	tmpl, ok := p.templates[ev.Type]
	if !ok {
		return "", fmt.Errorf("no template for %q", ev.Type)
	}
	data := templateData{
		Name:      ev.Metadata["invitee_name"],
		Event:     ev.Metadata["event_name"],
		StartTime: formatStartTime(ev.Metadata["start_time"]),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// record persists the exchange and its audit entry, then publishes it.
// Errors are logged and never reach the customer.
func (p *Processor) record(ctx context.Context, ex *store.Exchange, action store.AuditAction, actor string, detail map[string]any) {
	ex.CreatedAt = p.now()
	if err := p.deps.Recorder.SaveExchange(ctx, ex); err != nil {
		p.logger.Error("failed to save exchange", "actor", ex.ActorID, "error", err)
		return
	}

	detail["status"] = string(ex.DeliveryStatus)
	if ex.FailureReason != "" {
		detail["reason"] = ex.FailureReason
	}
	entry := &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: "exchange",
		TargetID:   ex.ID,
		Detail:     detail,
	}
	if err := p.deps.Recorder.AppendAuditLog(ctx, entry); err != nil {
		p.logger.Error("failed to append audit log", "action", action, "error", err)
	}

	if p.deps.Events != nil {
		p.deps.Events.Publish(ex)
	}
}

func applyResult(ex *store.Exchange, res delivery.Result) {
	if res.Success {
		ex.DeliveryStatus = store.StatusSent
		ex.ProviderMessageID = res.MessageID
		return
	}
	ex.DeliveryStatus = store.StatusFailed
	if res.Err != nil {
		ex.FailureReason = string(res.Err.Reason)
	}
}

func sessionMeta(ev webhook.Event) map[string]string {
	keep := []string{"profile_name", "channel", "invitee_name", "invitee_email", "event_name", "start_time"}
	out := make(map[string]string)
	for _, k := range keep {
		if v, ok := ev.Metadata[k]; ok {
			out[k] = v
		}
	}
	return out
}

func formatStartTime(raw string) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Format("02/01/2006 15:04")
}
