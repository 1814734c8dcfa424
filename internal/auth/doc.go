// Package auth verifies bearer tokens on the HTTP control surface.
//
// Tokens are JWTs signed with HS256 (shared secret) or RS256 (PEM key or
// JWKS). Claims carry a subject, roles (viewer, controller) and scopes
// (read, control, telemetry); handlers are wrapped with RequireAuth and
// RequireScope. The subject is attached to the request context as the audit
// user.
package auth
