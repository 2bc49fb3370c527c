// Package server builds the bridge's dependencies from configuration and
// runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/api"
	"github.com/JakeFAU/unicore-bridge/internal/bridge"
	"github.com/JakeFAU/unicore-bridge/internal/config"
	"github.com/JakeFAU/unicore-bridge/internal/publisher"
	gcppublisher "github.com/JakeFAU/unicore-bridge/internal/publisher/pubsub"
	"github.com/JakeFAU/unicore-bridge/internal/relay"
	appstorage "github.com/JakeFAU/unicore-bridge/internal/storage"
	gcsstorage "github.com/JakeFAU/unicore-bridge/internal/storage/gcs"
	localstorage "github.com/JakeFAU/unicore-bridge/internal/storage/local"
	memorystorage "github.com/JakeFAU/unicore-bridge/internal/storage/memory"
	s3storage "github.com/JakeFAU/unicore-bridge/internal/storage/s3"
	"github.com/JakeFAU/unicore-bridge/internal/token"
	"github.com/JakeFAU/unicore-bridge/internal/transport"
	"github.com/JakeFAU/unicore-bridge/internal/unicore"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	clients   *bridge.Factory
	relay     *relay.Relay
	gcs       *storage.Client
	pubsub    *gcppublisher.Publisher
}

// Build creates the application's dependencies. Resources opened before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("registry", cfg.Unicore.RegistryURL),
		zap.Int("relay_folders", len(cfg.Relay.Folders)),
	)

	app.clients = NewClientFactory(cfg, logger)

	folders, err := setupFolders(ctx, app)
	if err != nil {
		return nil, err
	}

	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.relay, err = relay.New(folders, relay.Options{
		MaxBytes:     cfg.Relay.MaxBytes,
		MaxRetries:   cfg.Unicore.MaxRetries,
		RetryWaitMin: cfg.Unicore.RetryWaitMin(),
		RetryWaitMax: cfg.Unicore.RetryWaitMax(),
		Publisher:    pub,
		Logger:       logger.Named("relay"),
	})
	if err != nil {
		return nil, fmt.Errorf("relay init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.clients, app.relay, cfg, logger.Named("api"))
	return app, nil
}

// NewClientFactory wires token resolution and the UNICORE transport into
// a bridge.Factory.
func NewClientFactory(cfg config.Config, logger *zap.Logger) *bridge.Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []token.Option{
		token.WithEnvVar(cfg.Token.EnvVar),
		token.WithLogger(logger.Named("token")),
	}
	if cfg.Token.HelperURL != "" {
		opts = append(opts, token.WithHelper(&token.HTTPHelper{
			URL:    cfg.Token.HelperURL,
			Client: &http.Client{Timeout: cfg.HelperTimeout()},
		}))
		logger.Info("token helper configured", zap.String("url", cfg.Token.HelperURL))
	}
	resolver := token.NewResolver(opts...)

	transportOpts := transport.Options{
		MaxRetries:   cfg.Unicore.MaxRetries,
		RetryWaitMin: cfg.Unicore.RetryWaitMin(),
		RetryWaitMax: cfg.Unicore.RetryWaitMax(),
		UserAgent:    cfg.Unicore.UserAgent,
		Limiter:      transport.NewHostLimiter(cfg.Unicore.RequestsPerSecond, cfg.Unicore.Burst),
		Logger:       logger.Named("transport"),
	}
	build := unicore.Builder(cfg.Unicore.RegistryURL, transportOpts, logger.Named("unicore"))
	return bridge.NewFactory(resolver, build, logger.Named("bridge"))
}

// Clients exposes the per-request client factory.
func (a *App) Clients() *bridge.Factory {
	return a.clients
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and blocks until ctx is canceled or
// the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then drains in-flight requests and
// releases the application's resources.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err, ok := <-errCh:
		if ok {
			a.logger.Error("http server error", zap.Error(err))
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()
	return serveErr
}

// Close releases cloud clients.
func (a *App) Close() {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
}

func setupFolders(ctx context.Context, app *App) ([]relay.Folder, error) {
	folders := make([]relay.Folder, 0, len(app.cfg.Relay.Folders))
	for _, fc := range app.cfg.Relay.Folders {
		store, err := newFolderStore(ctx, app, fc)
		if err != nil {
			return nil, fmt.Errorf("relay folder %q init failed: %w", fc.Name, err)
		}
		folders = append(folders, relay.Folder{Name: fc.Name, Store: store})
		app.logger.Info("relay folder configured",
			zap.String("folder", fc.Name),
			zap.String("type", fc.Type),
			zap.String("bucket", fc.Bucket),
		)
	}
	return folders, nil
}

func newFolderStore(ctx context.Context, app *App, fc config.FolderConfig) (appstorage.BlobStore, error) {
	switch fc.Type {
	case config.FolderGCS:
		if app.gcs == nil {
			client, err := gcsstorage.NewClient(ctx)
			if err != nil {
				return nil, err
			}
			app.gcs = client
		}
		return gcsstorage.New(app.gcs, gcsstorage.Config{Bucket: fc.Bucket, Prefix: fc.Prefix})
	case config.FolderS3:
		return s3storage.New(ctx, s3storage.Config{
			Bucket:   fc.Bucket,
			Prefix:   fc.Prefix,
			Region:   fc.Region,
			Endpoint: fc.Endpoint,
		})
	case config.FolderLocal:
		return localstorage.New(localstorage.Config{BaseDir: fc.BaseDir})
	case config.FolderMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unsupported folder type %q", fc.Type)
	}
}

func setupPublisher(ctx context.Context, app *App) (publisher.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, events are dropped")
		return publisher.Nop{}, nil
	}
	pub, err := gcppublisher.Connect(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName, app.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.pubsub = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pub, nil
}
