package bridge

import (
	"context"

	"go.uber.org/zap"
)

// Factory builds one Client per request. The token is resolved again on
// every call since tokens may expire between requests.
type Factory struct {
	tokens TokenSource
	build  BackendBuilder
	logger *zap.Logger
}

// NewFactory returns a Factory that authenticates through tokens and
// builds backends with build.
func NewFactory(tokens TokenSource, build BackendBuilder, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{tokens: tokens, build: build, logger: logger}
}

// New resolves a token and returns a Client bound to a fresh backend.
func (f *Factory) New(ctx context.Context) (*Client, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		f.logger.Error("access token unavailable", zap.Error(err))
		return nil, newError(KindAuthTokenMissing, "Access token could not be resolved!", err)
	}
	backend, err := f.build(token)
	if err != nil {
		return nil, newError(KindSiteUnavailable, "Job service client could not be built!", err)
	}
	return NewClient(backend, f.logger), nil
}
