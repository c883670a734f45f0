// Package config handles configuration loading for concierge-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file name ends in
// .toml) with environment variable expansion, CONCIERGE_* environment
// overrides, duration parsing, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CONCIERGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/concierge/gateway.yaml
//  3. ~/.config/concierge/gateway.yaml
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	generation:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Secrets can also be supplied without touching the file:
//
//	CONCIERGE_LLM_API_KEY, CONCIERGE_JWT_SECRET,
//	CONCIERGE_MESSAGING_AUTH_TOKEN, CONCIERGE_SCHEDULING_SIGNING_KEY,
//	CONCIERGE_DELIVERY_ACCOUNT_SID, CONCIERGE_DELIVERY_AUTH_TOKEN,
//	CONCIERGE_DELIVERY_FROM, CONCIERGE_DB_PATH, CONCIERGE_HTTP_ADDR
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  public_url: "https://concierge.example.com"
//
//	database:
//	  path: "/var/lib/concierge/gateway.db"
//
//	webhooks:
//	  messaging:
//	    auth_token: "${TWILIO_AUTH_TOKEN}"
//	  scheduling:
//	    signing_key: "${SCHEDULING_SIGNING_KEY}"
//
//	context:
//	  ttl: "30m"
//	  max_messages: 20
//
//	generation:
//	  provider: "anthropic"   # anthropic, openai
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  timeout: "30s"
//	  cache_ttl: "1h"
//
//	delivery:
//	  account_sid: "${TWILIO_ACCOUNT_SID}"
//	  auth_token: "${TWILIO_AUTH_TOKEN}"
//	  from: "whatsapp:+14155238886"
//	  rate_limit: 10
//	  rate_window: "1m"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
