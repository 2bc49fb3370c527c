// Package relay forwards job outputs to cloud folders and pre-signed
// upload URLs.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/logging"
	"github.com/JakeFAU/unicore-bridge/internal/metrics"
	"github.com/JakeFAU/unicore-bridge/internal/publisher"
	"github.com/JakeFAU/unicore-bridge/internal/storage"
)

// ErrTooLarge is returned when a relayed body exceeds the configured cap.
var ErrTooLarge = errors.New("relayed output exceeds size limit")

// ErrUnknownFolder is returned when a path names no configured folder.
var ErrUnknownFolder = errors.New("path does not name a relay folder")

// Folder is a named destination backed by a blob store.
type Folder struct {
	Name  string
	Store storage.BlobStore
}

// Options tunes a Relay.
type Options struct {
	// MaxBytes caps a single relayed body. Zero disables the cap.
	MaxBytes     int64
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Publisher    publisher.Publisher
	Logger       *zap.Logger
	// HTTPClient carries upload URL requests. Defaults to a pooled client.
	HTTPClient *http.Client
}

// Relay resolves destination paths and uploads output bodies.
type Relay struct {
	folders  map[string]Folder
	maxBytes int64
	http     *retryablehttp.Client
	pub      publisher.Publisher
	logger   *zap.Logger
}

// New validates folders and builds a Relay.
func New(folders []Folder, opts Options) (*Relay, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := opts.Publisher
	if pub == nil {
		pub = publisher.Nop{}
	}
	byName := make(map[string]Folder, len(folders))
	for _, f := range folders {
		if f.Name == "" || strings.Contains(f.Name, "/") {
			return nil, fmt.Errorf("invalid folder name %q", f.Name)
		}
		if f.Store == nil {
			return nil, fmt.Errorf("folder %q has no store", f.Name)
		}
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("folder %q is configured twice", f.Name)
		}
		byName[f.Name] = f
	}

	rc := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		rc.HTTPClient = opts.HTTPClient
	}
	rc.RetryMax = opts.MaxRetries
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.Logger = logging.NewLeveledLogger(logger)

	return &Relay{
		folders:  byName,
		maxBytes: opts.MaxBytes,
		http:     rc,
		pub:      pub,
		logger:   logger,
	}, nil
}

// Resolve finds the first segment of p that names a folder. dir is what
// follows that segment.
func (r *Relay) Resolve(p string) (Folder, string, bool) {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, seg := range segments {
		if f, ok := r.folders[seg]; ok {
			return f, strings.Join(segments[i+1:], "/"), true
		}
	}
	return Folder{}, "", false
}

// Upload writes body to the folder p resolves to, under dir/filename.
func (r *Relay) Upload(ctx context.Context, p, filename string, body io.Reader) (string, error) {
	folder, dir, ok := r.Resolve(p)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFolder, p)
	}
	key := storage.ObjectKey("", dir, filename)
	uri, err := folder.Store.PutObject(ctx, key, "application/octet-stream", r.limit(body))
	if err != nil {
		metrics.ObserveRelayUpload(folder.Name, "error")
		return "", fmt.Errorf("upload to %s: %w", folder.Name, err)
	}
	metrics.ObserveRelayUpload(folder.Name, "success")
	r.logger.Info("output relayed", zap.String("folder", folder.Name), zap.String("uri", uri))
	return uri, nil
}

// UploadURL PUTs body to a pre-signed upload URL. The body is spooled to
// disk so retries can replay it with a fixed content length.
func (r *Relay) UploadURL(ctx context.Context, uploadURL, filename string, body io.Reader) error {
	f, size, cleanup, err := storage.Spool(r.limit(body))
	if err != nil {
		metrics.ObserveRelayUpload("upload_url", "error")
		return err
	}
	defer cleanup()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := r.http.Do(req)
	if err != nil {
		metrics.ObserveRelayUpload("upload_url", "error")
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveRelayUpload("upload_url", "error")
		return fmt.Errorf("upload %s: status %d", filename, resp.StatusCode)
	}
	metrics.ObserveRelayUpload("upload_url", "success")
	r.logger.Info("output uploaded to url", zap.String("file", filename), zap.Int64("bytes", size))
	return nil
}

// Notify publishes ev. Failures are logged and otherwise ignored.
func (r *Relay) Notify(ctx context.Context, ev publisher.Event) {
	if _, err := r.pub.Publish(ctx, ev.Type, ev); err != nil {
		r.logger.Warn("failed to publish event", zap.String("event_type", ev.Type), zap.Error(err))
	}
}

func (r *Relay) limit(body io.Reader) io.Reader {
	if r.maxBytes <= 0 {
		return body
	}
	return &capReader{r: body, remaining: r.maxBytes}
}

// capReader fails with ErrTooLarge once more than remaining bytes are read.
type capReader struct {
	r         io.Reader
	remaining int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
