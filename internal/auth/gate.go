// Package auth implements the shared-secret access gate protecting ingestion
// (device) and query (dashboard) endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"microclimate/telemetry-server/internal/metrics"
)

// HeaderName is the request header carrying the plain-text API key.
const HeaderName = "X-API-Key"

// Role selects which configured secret a credential is checked against.
type Role string

const (
	RoleIngest Role = "ingest"
	RoleQuery  Role = "query"
)

var (
	// ErrUnauthenticated means no credential was presented.
	ErrUnauthenticated = errors.New("api key required")
	// ErrForbidden means the presented credential does not match the role's secret.
	ErrForbidden = errors.New("invalid api key")
	// ErrUnknownRole means the role has no configured secret.
	ErrUnknownRole = errors.New("unknown role")
)

// Secrets holds the one static secret per role.
type Secrets struct {
	Ingest string
	Query  string
}

// Credential is an accepted API key and the role it was accepted for.
type Credential struct {
	Role Role
	Key  string
}

// Masked returns the key with all but its last four characters hidden.
func (c Credential) Masked() string {
	return Mask(c.Key)
}

// Gate compares presented credentials with the configured secrets. It holds
// no mutable state and is safe for concurrent use.
type Gate struct {
	secrets Secrets
	logger  *slog.Logger
}

// NewGate constructs a Gate. Both secrets must be set.
func NewGate(secrets Secrets, logger *slog.Logger) (*Gate, error) {
	if secrets.Ingest == "" || secrets.Query == "" {
		return nil, fmt.Errorf("access gate: ingest and query secrets are required")
	}
	return &Gate{secrets: secrets, logger: logger.With("component", "access_gate")}, nil
}

// Authorize checks presented against the secret for role. A nil presented
// value means the credential was absent. attrs are added to the audit log
// entry (device id, query parameters).
func (g *Gate) Authorize(role Role, presented *string, attrs ...any) (Credential, error) {
	secret, err := g.secret(role)
	if err != nil {
		return Credential{}, err
	}

	if presented == nil {
		metrics.AuthDecisions.WithLabelValues(string(role), "missing").Inc()
		g.logger.Warn("missing api key", append([]any{"role", role}, attrs...)...)
		return Credential{}, fmt.Errorf("%s: %w", role, ErrUnauthenticated)
	}

	if subtle.ConstantTimeCompare([]byte(*presented), []byte(secret)) != 1 {
		metrics.AuthDecisions.WithLabelValues(string(role), "forbidden").Inc()
		g.logger.Warn("invalid api key received", append([]any{"role", role, "credential", *presented}, attrs...)...)
		return Credential{}, fmt.Errorf("%s: %w", role, ErrForbidden)
	}

	cred := Credential{Role: role, Key: *presented}
	metrics.AuthDecisions.WithLabelValues(string(role), "granted").Inc()
	g.logger.Info("access granted", append([]any{"role", role, "credential", cred.Masked()}, attrs...)...)
	return cred, nil
}

func (g *Gate) secret(role Role) (string, error) {
	switch role {
	case RoleIngest:
		return g.secrets.Ingest, nil
	case RoleQuery:
		return g.secrets.Query, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownRole, role)
	}
}

// Mask hides all but the last four characters of key.
func Mask(key string) string {
	runes := []rune(key)
	if len(runes) <= 4 {
		return "****"
	}
	return "****" + string(runes[len(runes)-4:])
}
