// Package transport builds the authenticated HTTP client used for every
// call to the job service.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/logging"
)

// DefaultUserAgent is sent when Options.UserAgent is empty.
const DefaultUserAgent = "unicore-bridge/1.0"

// Options tunes the client built by New.
type Options struct {
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	UserAgent    string
	Limiter      *HostLimiter
	Logger       *zap.Logger
	// Base is the RoundTripper requests finally go through. Defaults to
	// a clone of http.DefaultTransport.
	Base http.RoundTripper
}

// New returns an http.Client that authenticates with token, retries
// transient failures and respects the host limiter. The client sets no
// overall timeout so long ranged reads are bounded only by the request
// context.
func New(token string, opts Options) *http.Client {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: &bearerTransport{
			token:     token,
			userAgent: userAgent,
			limiter:   opts.Limiter,
			base:      base,
		},
	}
	rc.RetryMax = opts.MaxRetries
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.Logger = logging.NewLeveledLogger(opts.Logger)
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc.StandardClient()
}

type bearerTransport struct {
	token     string
	userAgent string
	limiter   *HostLimiter
	base      http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" {
		return nil, errors.New("bearer token is empty")
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context(), req.URL.Hostname()); err != nil {
			return nil, err
		}
	}
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+t.token)
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	return resp, nil
}
