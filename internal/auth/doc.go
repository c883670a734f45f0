// Package auth provides authentication and authorization for the
// concierge-gateway admin API.
//
// # JWT Tokens
//
// Operators authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least 32 bytes). The "sub" claim identifies the operator
// and is recorded as the actor in audit entries; the "role" claim must be
// "admin" for the admin API.
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate("ops@example.com", RoleAdmin, 24*time.Hour)
//
// # HTTP Middleware
//
//	mux.Handle("GET /api/stats", RequireAdmin(verifier, logger)(handler))
//
// Handlers read the identity with FromContext.
//
// Webhook endpoints do not use this package: they are authenticated by the
// signature package instead.
package auth
