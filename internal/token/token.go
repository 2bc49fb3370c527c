// Package token resolves the access token used against the job service.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
)

// DefaultEnvVar is the environment variable read when the helper fails.
const DefaultEnvVar = "CLB_AUTH"

const maxTokenBody = 64 << 10

// ErrTokenMissing is returned when no source yields a token.
var ErrTokenMissing = errors.New("access token not found")

// Helper is an external identity helper that issues tokens.
type Helper interface {
	Token(ctx context.Context) (string, error)
}

// Resolver tries the helper first and falls back to an environment
// variable. It never caches: every call consults the sources again.
type Resolver struct {
	helper Helper
	envVar string
	lookup func(string) (string, bool)
	logger *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHelper sets the identity helper.
func WithHelper(h Helper) Option {
	return func(r *Resolver) { r.helper = h }
}

// WithEnvVar overrides the environment variable name.
func WithEnvVar(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.envVar = name
		}
	}
}

// WithLookup replaces os.LookupEnv.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithLogger sets the logger used for fallthrough diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		envVar: DefaultEnvVar,
		lookup: os.LookupEnv,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Token returns the first non-empty token from the helper or the
// environment, or ErrTokenMissing.
func (r *Resolver) Token(ctx context.Context) (string, error) {
	if r.helper != nil {
		tok, err := r.helper.Token(ctx)
		switch {
		case err != nil:
			r.logger.Debug("identity helper unavailable, falling back to environment", zap.Error(err))
		case strings.TrimSpace(tok) != "":
			return strings.TrimSpace(tok), nil
		}
	}
	if tok, ok := r.lookup(r.envVar); ok && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok), nil
	}
	return "", fmt.Errorf("%w: helper and %s yielded nothing", ErrTokenMissing, r.envVar)
}

// HTTPHelper fetches a token from an identity endpoint. The endpoint may
// answer with {"access_token": "..."} or with the bare token as text.
type HTTPHelper struct {
	URL    string
	Client *http.Client
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Token calls the endpoint once.
func (h *HTTPHelper) Token(ctx context.Context) (string, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		return tr.AccessToken, nil
	}
	return trimmed, nil
}
