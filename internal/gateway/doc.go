// Package gateway orchestrates the concierge-gateway server components.
//
// # Overview
//
// New builds every component from a config.Config: the SQLite store, the
// conversation context store and its broadcaster, the generation service over
// the configured LLM backend, the delivery service over the messaging
// provider's HTTP API, the background dispatcher, the exchange pipeline and
// the webhook handlers. Tests replace the store, backend and transport with
// WithStore, WithBackend and WithTransport.
//
// # HTTP Routes
//
//   - POST {webhooks.messaging.path}  - customer messages (form, signed)
//   - POST {webhooks.scheduling.path} - scheduling events (JSON, signed)
//   - GET  /health                     - liveness
//   - GET  /health/ready               - store reachable and not shutting down
//
// When auth.jwt_secret is set, the admin API is mounted behind an HS256 JWT
// with role "admin":
//
//   - GET    /api/contexts            - export live contexts
//   - GET    /api/contexts/{actor}    - one live context
//   - DELETE /api/contexts/{actor}    - clear a context (audited)
//   - GET    /api/stats               - component counters
//   - POST   /api/send                - manual send (audited)
//   - GET    /api/exchanges/{actor}   - persisted exchanges, newest first
//   - GET    /api/audit               - audit log query
//   - GET    /api/events              - SSE stream of saved exchanges
//
// # Listeners
//
// Without Tailscale the HTTP server listens on server.http_addr and, when
// server.grpc_addr is set, a gRPC server exposes grpc.health.v1.Health. With
// tailscale.enabled a tsnet node is started instead; tailscale.funnel makes
// the HTTP listener public on :443 so webhook providers can reach it.
//
// # Shutdown
//
// Shutdown marks the health service NOT_SERVING, ends event streams, stops
// the HTTP server, then waits up to the context deadline for dispatched
// pipeline tasks before closing the remaining components and the store.
package gateway
