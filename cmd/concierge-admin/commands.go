// ABOUTME: Subcommand implementations for concierge-admin
// ABOUTME: Token minting, webhook signing helpers and context administration

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/concierge-gateway/internal/auth"
	"github.com/2389/concierge-gateway/internal/config"
	"github.com/2389/concierge-gateway/internal/conversation"
	"github.com/2389/concierge-gateway/internal/gateway"
	"github.com/2389/concierge-gateway/internal/signature"
)

// resolveSecret returns the named environment variable, falling back to the
// gateway config pointed to by CONCIERGE_CONFIG.
func resolveSecret(envName string, pick func(*config.Config) string) (string, error) {
	if v := os.Getenv(envName); v != "" {
		return v, nil
	}
	path := os.Getenv("CONCIERGE_CONFIG")
	if path == "" {
		return "", fmt.Errorf("%s is not set and CONCIERGE_CONFIG is empty", envName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	v := pick(cfg)
	if v == "" {
		return "", fmt.Errorf("%s is not set and %s has no value for it", envName, path)
	}
	return v, nil
}

func cmdToken(args []string) error {
	secret, err := resolveSecret("CONCIERGE_JWT_SECRET", func(c *config.Config) string { return c.Auth.JWTSecret })
	if err != nil {
		return err
	}

	subject, _ := flagValue(args, "--subject")
	if subject == "" {
		subject = "admin"
	}
	role, ok := flagValue(args, "--role")
	if !ok {
		role = auth.RoleAdmin
	}
	ttl := 24 * time.Hour
	if raw, ok := flagValue(args, "--ttl"); ok {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
	}

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(subject, role, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// parseFormPairs turns key=value arguments into form values.
func parseFormPairs(pairs []string) (url.Values, error) {
	form := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		form.Add(k, v)
	}
	return form, nil
}

func cmdSignMessaging(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: concierge-admin sign-messaging <url> [key=value]")
	}
	authToken, err := resolveSecret("CONCIERGE_MESSAGING_AUTH_TOKEN", func(c *config.Config) string {
		return c.Webhooks.Messaging.AuthToken
	})
	if err != nil {
		return err
	}

	form, err := parseFormPairs(args[1:])
	if err != nil {
		return err
	}

	fmt.Println(signature.SignMessaging(authToken, args[0], form))
	return nil
}

func cmdSignScheduling(args []string) error {
	signingKey, err := resolveSecret("CONCIERGE_SCHEDULING_SIGNING_KEY", func(c *config.Config) string {
		return c.Webhooks.Scheduling.SigningKey
	})
	if err != nil {
		return err
	}

	var body []byte
	if len(args) > 0 && args[0] != "-" {
		body, err = os.ReadFile(args[0])
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}

	fmt.Println(signature.SignScheduling(signingKey, body))
	return nil
}

func cmdContexts(c *adminClient, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(args) > 0 {
		var snap conversation.Snapshot
		if err := c.do(ctx, "GET", "/api/contexts/"+url.PathEscape(args[0]), nil, &snap); err != nil {
			return err
		}
		printSnapshot(&snap)
		return nil
	}

	var resp gateway.ContextsResponse
	if err := c.do(ctx, "GET", "/api/contexts", nil, &resp); err != nil {
		return err
	}

	if len(resp.Contexts) == 0 {
		fmt.Println("No live contexts.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ACTOR\tMESSAGES\tLAST ACCESSED\tEXPIRES\tLAST MESSAGE")
	fmt.Fprintln(w, "  -----\t--------\t-------------\t-------\t------------")
	for _, s := range resp.Contexts {
		last := ""
		if n := len(s.Messages); n > 0 {
			last = truncate(s.Messages[n-1].Content, 40)
		}
		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\t%s\n",
			s.ActorID,
			len(s.Messages),
			s.LastAccessed.Local().Format("15:04:05"),
			s.ExpiresAt.Local().Format("15:04:05"),
			last,
		)
	}
	return w.Flush()
}

func printSnapshot(s *conversation.Snapshot) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	fmt.Println()
	cyan.Printf("  %s\n", s.ActorID)
	gray.Printf("  expires %s\n\n", s.ExpiresAt.Local().Format(time.RFC3339))
	for _, m := range s.Messages {
		role := string(m.Role)
		if m.Manual {
			role += " (manual)"
		}
		gray.Printf("  %s ", m.Timestamp.Local().Format("15:04:05"))
		fmt.Printf("%-18s %s\n", role, m.Content)
	}
	fmt.Println()
}

func cmdClear(c *adminClient, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: concierge-admin clear <actor>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resp gateway.ClearContextResponse
	if err := c.do(ctx, "DELETE", "/api/contexts/"+url.PathEscape(args[0]), nil, &resp); err != nil {
		return err
	}

	if resp.Cleared {
		color.Green("Cleared context for %s", resp.ActorID)
	} else {
		fmt.Printf("No live context for %s; persisted history will be skipped on reload\n", resp.ActorID)
	}
	return nil
}

func cmdSend(c *adminClient, args []string) error {
	to, _ := flagValue(args, "--to")
	body, _ := flagValue(args, "--body")
	if to == "" || body == "" {
		return errors.New("usage: concierge-admin send --to <number> --body <text>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var resp gateway.SendResponse
	err := c.do(ctx, "POST", "/api/send", gateway.SendRequest{To: to, Body: body}, &resp)
	var apiErr *apiError
	if errors.As(err, &apiErr) && decodeSendFailure(apiErr, &resp) {
		return fmt.Errorf("send failed (%s): %s", resp.Reason, resp.UserMessage)
	}
	if err != nil {
		return err
	}

	color.Green("Sent to %s", resp.Recipient)
	fmt.Printf("  message id: %s\n  attempts:   %d\n  cost:       $%.4f\n", resp.MessageID, resp.Attempts, resp.CostUSD)
	return nil
}
