package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

type deniedError struct{}

func (deniedError) Error() string    { return "403 forbidden" }
func (deniedError) AuthDenied() bool { return true }

type listCall struct {
	siteURL string
	offset  int
	num     int
}

type fakeBackend struct {
	mu         sync.Mutex
	sites      map[string]string
	sitesErr   error
	connectErr map[string]error
	listErr    error
	siteJobs   map[string][]string
	jobs       map[string]*fakeJob
	listCalls  []listCall
	bindCalls  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sites:      map[string]string{},
		connectErr: map[string]error{},
		siteJobs:   map[string][]string{},
		jobs:       map[string]*fakeJob{},
	}
}

func (b *fakeBackend) addSite(name, url string) {
	b.sites[name] = url
}

func (b *fakeBackend) addJob(siteURL string, job *fakeJob) {
	b.siteJobs[siteURL] = append(b.siteJobs[siteURL], job.url)
	b.jobs[job.url] = job
}

func (b *fakeBackend) Sites(context.Context) (map[string]string, error) {
	if b.sitesErr != nil {
		return nil, b.sitesErr
	}
	out := make(map[string]string, len(b.sites))
	for k, v := range b.sites {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBackend) Connect(_ context.Context, siteURL string) (SiteClient, error) {
	if err := b.connectErr[siteURL]; err != nil {
		return nil, err
	}
	return &fakeSiteClient{backend: b, siteURL: siteURL}, nil
}

func (b *fakeBackend) Job(_ context.Context, resourceURL string) (RemoteJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindCalls++
	job, ok := b.jobs[resourceURL]
	if !ok {
		return &fakeJob{url: resourceURL, propsErr: errors.New("404 not found")}, nil
	}
	return job, nil
}

type fakeSiteClient struct {
	backend *fakeBackend
	siteURL string
}

func (s *fakeSiteClient) Jobs(_ context.Context, offset, num int) ([]RemoteJob, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.listCalls = append(s.backend.listCalls, listCall{siteURL: s.siteURL, offset: offset, num: num})
	if s.backend.listErr != nil {
		return nil, s.backend.listErr
	}
	urls := s.backend.siteJobs[s.siteURL]
	if offset >= len(urls) {
		return []RemoteJob{}, nil
	}
	end := offset + num
	if end > len(urls) {
		end = len(urls)
	}
	out := make([]RemoteJob, 0, end-offset)
	for _, u := range urls[offset:end] {
		out = append(out, s.backend.jobs[u])
	}
	return out, nil
}

type fakeJob struct {
	mu         sync.Mutex
	url        string
	props      JobProperties
	running    bool
	propsErr   error
	runningErr error
	abortErr   error
	abortCalls int
	dir        *fakeDir
}

func (j *fakeJob) ResourceURL() string { return j.url }

func (j *fakeJob) Properties(context.Context) (JobProperties, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.propsErr != nil {
		return JobProperties{}, j.propsErr
	}
	return j.props, nil
}

func (j *fakeJob) IsRunning(context.Context) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.runningErr != nil {
		return false, j.runningErr
	}
	return j.running, nil
}

func (j *fakeJob) Abort(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.abortCalls++
	if j.abortErr != nil {
		return j.abortErr
	}
	j.running = false
	j.props.Status = StatusFailed
	return nil
}

func (j *fakeJob) WorkingDir(context.Context) (WorkingDir, error) {
	if j.dir == nil {
		return &fakeDir{mount: "/scratch/" + JobID(j.url)}, nil
	}
	return j.dir, nil
}

type fakeDir struct {
	mu        sync.Mutex
	mount     string
	listings  map[string]map[string]Entry
	listErr   error
	listCalls []string
}

func (d *fakeDir) MountPoint() string { return d.mount }

func (d *fakeDir) List(_ context.Context, subPath string) (map[string]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listCalls = append(d.listCalls, subPath)
	if d.listErr != nil {
		return nil, d.listErr
	}
	return d.listings[subPath], nil
}

func (d *fakeDir) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.listCalls...)
}

type fakeEntry struct {
	file bool
	data []byte
	err  error
}

func (e *fakeEntry) IsFile() bool { return e.file }

func (e *fakeEntry) Download(_ context.Context, dest string) error {
	if e.err != nil {
		return e.err
	}
	return os.WriteFile(dest, e.data, 0o600)
}

func (e *fakeEntry) ReadRaw(_ context.Context, offset, size int64) (io.ReadCloser, error) {
	if e.err != nil {
		return nil, e.err
	}
	if offset > int64(len(e.data)) {
		offset = int64(len(e.data))
	}
	end := int64(len(e.data))
	if size >= 0 && offset+size < end {
		end = offset + size
	}
	return io.NopCloser(bytes.NewReader(e.data[offset:end])), nil
}

type fakeTokens struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (t *fakeTokens) Token(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	return t.token, t.err
}
