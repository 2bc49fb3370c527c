package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/metrics"
)

// PageSize is the number of jobs in one ListJobs page.
const PageSize = 10

// ErrorKeyPrefix marks the synthetic entry ListOutputs returns on failure.
const ErrorKeyPrefix = "ERROR:"

// Output describes one working directory entry returned by ListOutputs.
type Output struct {
	IsFile bool `json:"is_file"`
}

// Client runs job operations against one Backend. Build a new Client for
// every request; it caches nothing.
type Client struct {
	backend Backend
	logger  *zap.Logger
}

// NewClient wraps backend.
func NewClient(backend Backend, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{backend: backend, logger: logger}
}

// Sites returns the registry's site name to endpoint mapping. Every
// failure is reported as KindSitesUnavailable.
func (c *Client) Sites(ctx context.Context) (map[string]string, error) {
	sites, err := c.backend.Sites(ctx)
	if err != nil {
		c.logger.Error("registry lookup failed", zap.Error(err))
		err = newError(KindSitesUnavailable, SitesUnavailableMessage, err)
		observe("get_sites", err)
		return nil, err
	}
	observe("get_sites", nil)
	return sites, nil
}

// Connect returns a client scoped to site.
func (c *Client) Connect(ctx context.Context, site string) (SiteClient, error) {
	sites, err := c.backend.Sites(ctx)
	if err != nil {
		c.logger.Error("registry lookup failed", zap.String("site", site), zap.Error(err))
		return nil, newError(KindSiteUnavailable, SitesUnavailableMessage, err)
	}
	siteURL, ok := sites[site]
	if !ok {
		return nil, newError(KindUnknownSite, fmt.Sprintf("Site %s is not known to the registry!", site), nil)
	}
	client, err := c.backend.Connect(ctx, siteURL)
	if err != nil {
		if IsAuthDenied(err) {
			c.logger.Warn("site rejected user", zap.String("site", site), zap.Error(err))
			return nil, newError(KindSiteAuthDenied, fmt.Sprintf("You do not have access to %s", site), err)
		}
		c.logger.Error("site connection failed", zap.String("site", site), zap.Error(err))
		return nil, newError(KindSiteUnavailable, fmt.Sprintf("Site %s is not available at the moment!", site), err)
	}
	return client, nil
}

// ListJobs returns page (zero-based) of the jobs at site. An auth denial
// or outage yields no jobs and a message instead of an error.
func (c *Client) ListJobs(ctx context.Context, site string, page int) ([]Job, string, error) {
	jobs, msg, err := c.listJobs(ctx, site, page)
	observe("list_jobs", err)
	return jobs, msg, err
}

func (c *Client) listJobs(ctx context.Context, site string, page int) ([]Job, string, error) {
	if page < 0 {
		return nil, "", newError(KindInvalidArgument, fmt.Sprintf("Page %d is not valid!", page), nil)
	}
	sc, err := c.Connect(ctx, site)
	if err != nil {
		switch KindOf(err) {
		case KindSiteAuthDenied, KindSiteUnavailable:
			return []Job{}, MessageOf(err), nil
		default:
			return nil, "", err
		}
	}

	offset := page * PageSize
	c.logger.Debug("listing jobs", zap.String("site", site), zap.Int("offset", offset), zap.Int("num", PageSize))
	remote, err := sc.Jobs(ctx, offset, PageSize)
	if err != nil {
		return []Job{}, degradedMessage(site, err), nil
	}

	jobs := make([]Job, 0, len(remote))
	for _, rj := range remote {
		job, err := NewJob(ctx, rj)
		if err != nil {
			var te *TimeError
			if errors.As(err, &te) {
				return nil, "", newError(KindMalformedJob, fmt.Sprintf("Job %s has malformed data!", rj.ResourceURL()), err)
			}
			return []Job{}, degradedMessage(site, err), nil
		}
		jobs = append(jobs, job)
	}
	return jobs, "", nil
}

func degradedMessage(site string, err error) string {
	if IsAuthDenied(err) {
		return fmt.Sprintf("You do not have access to %s", site)
	}
	return fmt.Sprintf("Jobs at %s are not available at the moment!", site)
}

// GetJob binds a handle to resourceURL.
func (c *Client) GetJob(ctx context.Context, resourceURL string) (RemoteJob, error) {
	if strings.TrimSpace(resourceURL) == "" {
		return nil, newError(KindInvalidArgument, "Job URL has not been provided!", nil)
	}
	job, err := c.backend.Job(ctx, resourceURL)
	if err != nil {
		return nil, remoteError(err, fmt.Sprintf("Job %s is not available at the moment!", resourceURL))
	}
	return job, nil
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	Cancelled bool
	// Aborted is false when the job had already finished and no abort
	// action was sent.
	Aborted bool
	Job     *Job
}

// CancelJob aborts the job at resourceURL when it is running and returns
// a fresh snapshot. An empty URL returns false without remote calls.
func (c *Client) CancelJob(ctx context.Context, resourceURL string) (bool, *Job, error) {
	res, err := c.Cancel(ctx, resourceURL)
	return res.Cancelled, res.Job, err
}

// Cancel is CancelJob reporting whether an abort action was sent.
func (c *Client) Cancel(ctx context.Context, resourceURL string) (CancelResult, error) {
	if strings.TrimSpace(resourceURL) == "" {
		c.logger.Warn(MissingJobURLMessage)
		return CancelResult{}, nil
	}
	res, err := c.cancelJob(ctx, resourceURL)
	observe("cancel_job", err)
	return res, err
}

func (c *Client) cancelJob(ctx context.Context, resourceURL string) (CancelResult, error) {
	rj, err := c.GetJob(ctx, resourceURL)
	if err != nil {
		return CancelResult{}, err
	}
	running, err := rj.IsRunning(ctx)
	if err != nil {
		return CancelResult{}, remoteError(err, NotCancelledMessage)
	}
	if running {
		c.logger.Info("aborting job", zap.String("job_url", resourceURL))
		if err := rj.Abort(ctx); err != nil {
			return CancelResult{}, remoteError(err, NotCancelledMessage)
		}
	} else {
		c.logger.Info("job already finished, skipping abort", zap.String("job_url", resourceURL))
	}

	refreshed, err := c.GetJob(ctx, resourceURL)
	if err != nil {
		return CancelResult{}, err
	}
	job, err := NewJob(ctx, refreshed)
	if err != nil {
		return CancelResult{}, remoteError(err, fmt.Sprintf("Job %s is not available at the moment!", resourceURL))
	}
	return CancelResult{Cancelled: true, Aborted: running, Job: &job}, nil
}

// ListOutputs lists the top level of the job's working directory. A
// failure is returned as a single entry keyed by ErrorKeyPrefix and the
// error text.
func (c *Client) ListOutputs(ctx context.Context, resourceURL string) map[string]Output {
	entries, err := c.listOutputs(ctx, resourceURL)
	observe("list_outputs", err)
	if err != nil {
		c.logger.Error("listing job outputs failed", zap.String("job_url", resourceURL), zap.Error(err))
		return map[string]Output{ErrorKeyPrefix + err.Error(): {IsFile: false}}
	}
	out := make(map[string]Output, len(entries))
	for name, entry := range entries {
		out[name] = Output{IsFile: entry.IsFile()}
	}
	return out
}

func (c *Client) listOutputs(ctx context.Context, resourceURL string) (map[string]Entry, error) {
	rj, err := c.GetJob(ctx, resourceURL)
	if err != nil {
		return nil, err
	}
	wd, err := rj.WorkingDir(ctx)
	if err != nil {
		return nil, remoteError(err, "Working directory is not available!")
	}
	entries, err := wd.List(ctx, "")
	if err != nil {
		return nil, remoteError(err, "Working directory is not available!")
	}
	return entries, nil
}

// DownloadFile copies the output entry name to dest, which defaults to
// name. A directory entry is downloaded file by file into dest using
// each file's base name; nested directories are skipped.
func (c *Client) DownloadFile(ctx context.Context, resourceURL, name, dest string) (string, error) {
	err := c.downloadFile(ctx, resourceURL, name, dest)
	observe("download_file", err)
	if err != nil {
		return "", err
	}
	return DownloadedMessage, nil
}

func (c *Client) downloadFile(ctx context.Context, resourceURL, name, dest string) error {
	if dest == "" {
		dest = name
	}
	wd, resolved, entry, err := c.openEntry(ctx, resourceURL, name)
	if err != nil {
		return err
	}
	if entry.IsFile() {
		c.logger.Info("downloading file", zap.String("job_url", resourceURL), zap.String("file", resolved), zap.String("dest", dest))
		if err := entry.Download(ctx, dest); err != nil {
			return downloadError(err, name)
		}
		return nil
	}

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return newError(KindLocalStorage, fmt.Sprintf("Could not create %s!", dest), err)
	}
	children, err := wd.List(ctx, resolved)
	if err != nil {
		return remoteError(err, fmt.Sprintf("Could not list %s!", name))
	}
	names := make([]string, 0, len(children))
	for child := range children {
		names = append(names, child)
	}
	sort.Strings(names)
	for _, child := range names {
		file := children[child]
		if !file.IsFile() {
			continue
		}
		target := filepath.Join(dest, path.Base(child))
		c.logger.Debug("downloading directory member", zap.String("file", child), zap.String("dest", target))
		if err := file.Download(ctx, target); err != nil {
			return downloadError(err, child)
		}
	}
	return nil
}

// StreamFile opens the byte range [offset, offset+size) of a file entry.
// A negative size streams to the end of the file. The caller closes the
// returned reader.
func (c *Client) StreamFile(ctx context.Context, resourceURL, name string, offset, size int64) (io.ReadCloser, error) {
	rc, err := c.streamFile(ctx, resourceURL, name, offset, size)
	observe("stream_file", err)
	return rc, err
}

func (c *Client) streamFile(ctx context.Context, resourceURL, name string, offset, size int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, newError(KindInvalidArgument, fmt.Sprintf("Offset %d is not valid!", offset), nil)
	}
	_, resolved, entry, err := c.openEntry(ctx, resourceURL, name)
	if err != nil {
		return nil, err
	}
	if !entry.IsFile() {
		return nil, newError(KindInvalidArgument, fmt.Sprintf("%s is a directory and cannot be streamed!", name), nil)
	}
	c.logger.Debug("streaming file", zap.String("job_url", resourceURL), zap.String("file", resolved),
		zap.Int64("offset", offset), zap.Int64("size", size))
	rc, err := entry.ReadRaw(ctx, offset, size)
	if err != nil {
		return nil, remoteError(err, fmt.Sprintf("Could not read %s!", name))
	}
	return rc, nil
}

// openEntry applies the running-job guard before resolving name, first
// exactly and then with a trailing separator.
func (c *Client) openEntry(ctx context.Context, resourceURL, name string) (WorkingDir, string, Entry, error) {
	rj, err := c.GetJob(ctx, resourceURL)
	if err != nil {
		return nil, "", nil, err
	}
	running, err := rj.IsRunning(ctx)
	if err != nil {
		return nil, "", nil, remoteError(err, fmt.Sprintf("Job %s is not available at the moment!", resourceURL))
	}
	if running {
		return nil, "", nil, newError(KindJobStillRunning, JobStillRunningMessage, nil)
	}

	wd, err := rj.WorkingDir(ctx)
	if err != nil {
		return nil, "", nil, remoteError(err, "Working directory is not available!")
	}
	entries, err := wd.List(ctx, "")
	if err != nil {
		return nil, "", nil, remoteError(err, "Working directory is not available!")
	}
	for _, candidate := range []string{name, name + "/"} {
		if entry, ok := entries[candidate]; ok {
			return wd, candidate, entry, nil
		}
	}
	return nil, "", nil, newError(KindFileNotFound, fmt.Sprintf("%s does not exist as output of %s!", name, resourceURL), nil)
}

func remoteError(err error, msg string) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if IsAuthDenied(err) {
		return newError(KindSiteAuthDenied, "You do not have access to this job!", err)
	}
	return newError(KindSiteUnavailable, msg, err)
}

// downloadError keeps local filesystem failures distinguishable from
// remote ones.
func downloadError(err error, name string) error {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return newError(KindLocalStorage, fmt.Sprintf("Could not write %s!", name), err)
	}
	return remoteError(err, fmt.Sprintf("Could not download %s!", name))
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.ObserveRemoteOperation(op, outcome)
}
