// ABOUTME: Builds the generation prompt from recent conversation history and the new message
// ABOUTME: History is rendered as a plain Customer/Assistant transcript

package pipeline

import (
	"strings"

	"github.com/2389/concierge-gateway/internal/conversation"
)

// BuildPrompt renders history followed by the new customer message.
func BuildPrompt(history []conversation.Message, message, customerName string) string {
	var b strings.Builder
	if customerName != "" {
		b.WriteString("Customer name: ")
		b.WriteString(customerName)
		b.WriteString("\n\n")
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			b.WriteString(speaker(m.Role))
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteByte('\n')
		}
		b.WriteString("\nNew message:\n")
	}
	b.WriteString("Customer: ")
	b.WriteString(message)
	return b.String()
}

func speaker(r conversation.Role) string {
	if r == conversation.RoleAssistant {
		return "Assistant"
	}
	return "Customer"
}
