// Package unicore talks to the UNICORE REST API: the registry, site core
// endpoints, job resources and job storages.
package unicore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
)

const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// AuthDenied reports whether the server rejected the caller.
func (e *StatusError) AuthDenied() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// AuthError is returned when a site accepts the request but only grants
// an anonymous role.
type AuthError struct {
	SiteURL string
	Role    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("site %s granted role %q", e.SiteURL, e.Role)
}

// AuthDenied always reports true.
func (e *AuthError) AuthDenied() bool {
	return true
}

// Backend implements bridge.Backend over HTTP. The http.Client is
// expected to carry authentication.
type Backend struct {
	client      *http.Client
	registryURL string
	logger      *zap.Logger
}

var _ bridge.Backend = (*Backend)(nil)

// NewBackend returns a Backend that resolves sites through registryURL.
func NewBackend(client *http.Client, registryURL string, logger *zap.Logger) (*Backend, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if _, err := parseAbsURL(registryURL); err != nil {
		return nil, fmt.Errorf("registry url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: client, registryURL: registryURL, logger: logger}, nil
}

// Job binds a handle to resourceURL without contacting the server.
func (b *Backend) Job(_ context.Context, resourceURL string) (bridge.RemoteJob, error) {
	if _, err := parseAbsURL(resourceURL); err != nil {
		return nil, fmt.Errorf("job url: %w", err)
	}
	return &Job{backend: b, url: resourceURL}, nil
}

func (b *Backend) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp.Body)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

func (b *Backend) postJSON(ctx context.Context, rawURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := b.do(req)
	if err != nil {
		return err
	}
	closeBody(resp.Body)
	return nil
}

// do sends req and turns non-2xx responses into a *StatusError. On
// success the caller owns resp.Body.
func (b *Backend) do(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer closeBody(resp.Body)
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		b.logger.Debug("unicore request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &StatusError{
			Method: req.Method,
			URL:    req.URL.Redacted(),
			Code:   resp.StatusCode,
			Body:   string(bytes.TrimSpace(data)),
		}
	}
	return resp, nil
}

func closeBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}

func parseAbsURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute url", raw)
	}
	return u, nil
}
