// Package storage defines the blob store contract shared by the relay
// backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// ErrPathRequired is returned when an object is written without a key.
var ErrPathRequired = errors.New("object path is required")

// BlobStore persists objects and reports where they landed.
type BlobStore interface {
	// PutObject writes r under key and returns a URI for the object.
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// ObjectKey joins prefix and the given parts into a clean slash separated
// key without a leading slash.
func ObjectKey(prefix string, parts ...string) string {
	elems := make([]string, 0, len(parts)+1)
	for _, p := range append([]string{prefix}, parts...) {
		p = strings.Trim(p, "/")
		if p != "" {
			elems = append(elems, p)
		}
	}
	return strings.TrimPrefix(path.Clean("/"+path.Join(elems...)), "/")
}

// CheckKey rejects blank keys.
func CheckKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrPathRequired
	}
	return nil
}

// Spool copies r into a temporary file and rewinds it. The returned
// cleanup closes and removes the file.
func Spool(r io.Reader) (*os.File, int64, func(), error) {
	f, err := os.CreateTemp("", "unicore-bridge-spool-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	size, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool body: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return f, size, cleanup, nil
}
