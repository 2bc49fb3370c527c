package unicore

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
	"github.com/JakeFAU/unicore-bridge/internal/transport"
)

// Builder returns a bridge.BackendBuilder that authenticates every
// backend with its own token over a client built from opts.
func Builder(registryURL string, opts transport.Options, logger *zap.Logger) bridge.BackendBuilder {
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return func(token string) (bridge.Backend, error) {
		backend, err := NewBackend(transport.New(token, opts), registryURL, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
}
