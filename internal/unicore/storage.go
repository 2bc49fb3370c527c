package unicore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
)

// Storage is a UNICORE storage resource such as a job working directory.
type Storage struct {
	backend    *Backend
	url        string
	mountPoint string
}

type storageResource struct {
	MountPoint string `json:"mountPoint"`
}

type listingResponse struct {
	Content map[string]struct {
		IsDirectory bool `json:"isDirectory"`
	} `json:"content"`
}

func (b *Backend) openStorage(ctx context.Context, storageURL string) (*Storage, error) {
	var res storageResource
	if err := b.getJSON(ctx, storageURL, &res); err != nil {
		return nil, fmt.Errorf("get storage: %w", err)
	}
	return &Storage{backend: b, url: strings.TrimRight(storageURL, "/"), mountPoint: res.MountPoint}, nil
}

// MountPoint returns the storage's path on the site file system.
func (s *Storage) MountPoint() string {
	return s.mountPoint
}

// List returns the entries under subPath keyed by their path relative to
// the storage root. Directory keys end with "/".
func (s *Storage) List(ctx context.Context, subPath string) (map[string]bridge.Entry, error) {
	base := "/" + strings.TrimPrefix(subPath, "/")
	var resp listingResponse
	if err := s.backend.getJSON(ctx, s.url+"/files"+escapePath(base), &resp); err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}
	entries := make(map[string]bridge.Entry, len(resp.Content))
	for name, meta := range resp.Content {
		rel := strings.TrimPrefix(name, "/")
		entries[rel] = &PathEntry{storage: s, path: rel, dir: meta.IsDirectory}
	}
	return entries, nil
}

// PathEntry is a file or directory inside a Storage.
type PathEntry struct {
	storage *Storage
	path    string
	dir     bool
}

var _ bridge.Entry = (*PathEntry)(nil)

// IsFile reports whether the entry is a regular file.
func (e *PathEntry) IsFile() bool {
	return !e.dir
}

// Path returns the entry path relative to the storage root.
func (e *PathEntry) Path() string {
	return e.path
}

func (e *PathEntry) fileURL() string {
	return e.storage.url + "/files" + escapePath("/"+e.path)
}

// Download copies the file content to dest.
func (e *PathEntry) Download(ctx context.Context, dest string) (err error) {
	rc, err := e.ReadRaw(ctx, 0, -1)
	if err != nil {
		return err
	}
	defer closeBody(rc)

	// #nosec G304 -- dest is chosen by the caller of the download operation.
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dest, closeErr)
		}
	}()
	n, err := io.Copy(f, rc)
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	e.storage.backend.logger.Debug("file downloaded", zap.String("path", e.path), zap.Int64("bytes", n))
	return nil
}

// ReadRaw opens a ranged read of the file. A negative size reads to the
// end of the file.
func (e *PathEntry) ReadRaw(ctx context.Context, offset, size int64) (io.ReadCloser, error) {
	if e.dir {
		return nil, fmt.Errorf("%s is a directory", e.path)
	}
	if size == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.fileURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	if rng := byteRange(offset, size); rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := e.storage.backend.do(req)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.path, err)
	}
	return resp.Body, nil
}

func byteRange(offset, size int64) string {
	switch {
	case size > 0:
		return "bytes=" + strconv.FormatInt(offset, 10) + "-" + strconv.FormatInt(offset+size-1, 10)
	case offset > 0:
		return "bytes=" + strconv.FormatInt(offset, 10) + "-"
	default:
		return ""
	}
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
