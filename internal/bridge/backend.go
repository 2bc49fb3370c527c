package bridge

import (
	"context"
	"io"
)

// Backend is the remote job-management capability set the core drives.
type Backend interface {
	// Sites returns the registry mapping of site name to endpoint URL.
	Sites(ctx context.Context) (map[string]string, error)
	// Connect opens a client scoped to one site endpoint. Rejections must
	// be reported with an error implementing AuthDenier.
	Connect(ctx context.Context, siteURL string) (SiteClient, error)
	// Job binds a handle to a job resource URL.
	Job(ctx context.Context, resourceURL string) (RemoteJob, error)
}

// SiteClient lists jobs at one site.
type SiteClient interface {
	Jobs(ctx context.Context, offset, num int) ([]RemoteJob, error)
}

// RemoteJob is a handle on one remote job resource.
type RemoteJob interface {
	ResourceURL() string
	Properties(ctx context.Context) (JobProperties, error)
	IsRunning(ctx context.Context) (bool, error)
	Abort(ctx context.Context) error
	WorkingDir(ctx context.Context) (WorkingDir, error)
}

// WorkingDir is the storage where a job materializes its files.
type WorkingDir interface {
	MountPoint() string
	List(ctx context.Context, subPath string) (map[string]Entry, error)
}

// Entry is one item in a working directory listing.
type Entry interface {
	IsFile() bool
	Download(ctx context.Context, dest string) error
	// ReadRaw opens the byte range [offset, offset+size). A negative size
	// reads to the end of the file.
	ReadRaw(ctx context.Context, offset, size int64) (io.ReadCloser, error)
}

// JobProperties is the raw property snapshot of a remote job.
type JobProperties struct {
	Status          string
	Name            string
	Owner           string
	SiteName        string
	SubmissionTime  string
	TerminationTime string
	Log             []string
}

// BackendBuilder constructs a Backend authenticated with token.
type BackendBuilder func(token string) (Backend, error)

// TokenSource resolves an access token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
