// ABOUTME: Admin CLI for the concierge-gateway HTTP admin API
// ABOUTME: Mints tokens, signs test webhooks, inspects and clears conversation contexts

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
)

const banner = `
                       _                                 _           _
  ___ ___  _ __   ___(_) ___ _ __ __ _  ___        __ _| |_ __ ___ (_)_ __
 / __/ _ \| '_ \ / __| |/ _ \ '__/ _' |/ _ \_____ / _' | | '_ ' _ \| | '_ \
| (_| (_) | | | | (__| |  __/ | | (_| |  __/_____| (_| | | | | | | | | | | |
 \___\___/|_| |_|\___|_|\___|_|  \__, |\___|      \__,_|_|_| |_| |_|_|_| |_|
                                 |___/
`

const defaultAdminURL = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	adminURL := os.Getenv("CONCIERGE_ADMIN_URL")
	if adminURL == "" {
		adminURL = defaultAdminURL
	}
	client := newAdminClient(adminURL, getToken())

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "token":
		err = cmdToken(args)
	case "sign-messaging":
		err = cmdSignMessaging(args)
	case "sign-scheduling":
		err = cmdSignScheduling(args)
	case "contexts":
		err = cmdContexts(client, args)
	case "clear":
		err = cmdClear(client, args)
	case "send":
		err = cmdSend(client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: concierge-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  token                         Generate an admin JWT from the shared secret")
	fmt.Println("  sign-messaging <url> k=v...   Compute the messaging webhook signature")
	fmt.Println("  sign-scheduling [file]        Compute the scheduling webhook signature (stdin if no file)")
	fmt.Println("  contexts                      List live conversation contexts")
	fmt.Println("  contexts <actor>              Show one conversation context")
	fmt.Println("  clear <actor>                 Clear a conversation context")
	fmt.Println("  send --to <n> --body <text>   Send a manual message to a customer")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CONCIERGE_ADMIN_URL               Gateway admin URL (default: http://localhost:8080)")
	fmt.Println("  CONCIERGE_TOKEN                   JWT authentication token")
	fmt.Println("  CONCIERGE_JWT_SECRET              Shared secret used by 'token'")
	fmt.Println("  CONCIERGE_MESSAGING_AUTH_TOKEN    Messaging auth token used by 'sign-messaging'")
	fmt.Println("  CONCIERGE_SCHEDULING_SIGNING_KEY  Scheduling signing key used by 'sign-scheduling'")
	fmt.Println("  CONCIERGE_CONFIG                  Gateway config file, read when a secret variable is unset")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export CONCIERGE_TOKEN=$(concierge-admin token --subject ops@example.com)")
	fmt.Println("  concierge-admin contexts")
	fmt.Println("  concierge-admin clear whatsapp:+34600000001")
	fmt.Println("  concierge-admin sign-messaging https://concierge.example.com/webhooks/messaging From=whatsapp:+34600000001 Body=Hola")
	fmt.Println()
}

// getToken reads the admin token from CONCIERGE_TOKEN or the token file.
func getToken() string {
	if token := os.Getenv("CONCIERGE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "concierge", "token"))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// flagValue returns the value following name in args, if present.
func flagValue(args []string, name string) (string, bool) {
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1], true
		}
		if v, ok := strings.CutPrefix(args[i], name+"="); ok {
			return v, true
		}
	}
	return "", false
}

// truncate shortens s to max runes, adding an ellipsis when cut.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
