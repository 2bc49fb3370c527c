package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSiteURL = "https://hpc.example.org/TEST_SITE/rest/core"
	testJobURL  = testSiteURL + "/jobs/100"
)

func queuedJob() *fakeJob {
	return &fakeJob{
		url:     testJobURL,
		running: true,
		props: JobProperties{
			Status:         "QUEUED",
			Name:           "UNICORE_Job",
			Owner:          "UID=test_user",
			SiteName:       "TEST_SITE",
			SubmissionTime: "2022-02-10T10:30:45+0100",
		},
	}
}

func finishedJob(dir *fakeDir) *fakeJob {
	return &fakeJob{
		url: testJobURL,
		props: JobProperties{
			Status:          StatusSuccessful,
			Owner:           "UID=test_user",
			SiteName:        "TEST_SITE",
			SubmissionTime:  "2022-02-10T10:30:45+0100",
			TerminationTime: "2022-02-10T11:00:00+0100",
		},
		dir: dir,
	}
}

func newTestClient(backend *fakeBackend) *Client {
	return NewClient(backend, zap.NewNop())
}

func TestSitesWrapsRegistryFailure(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.sitesErr = errors.New("dial tcp: connection refused")

	sites, err := newTestClient(backend).Sites(context.Background())
	require.Error(t, err)
	assert.Nil(t, sites)
	assert.ErrorIs(t, err, ErrSitesUnavailable)
	assert.Equal(t, SitesUnavailableMessage, MessageOf(err))
	assert.Equal(t, KindSitesUnavailable, KindOf(err))
}

func TestSitesReturnsRegistryMapping(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addSite("TEST_SITE", testSiteURL)

	sites, err := newTestClient(backend).Sites(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TEST_SITE": testSiteURL}, sites)
}

func TestConnectClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*fakeBackend)
		site  string
		want  error
	}{
		{
			name: "unknown site",
			site: "NOWHERE",
			want: ErrUnknownSite,
		},
		{
			name: "registry down",
			setup: func(b *fakeBackend) {
				b.sitesErr = errors.New("timeout")
			},
			site: "TEST_SITE",
			want: ErrSiteUnavailable,
		},
		{
			name: "user rejected",
			setup: func(b *fakeBackend) {
				b.connectErr[testSiteURL] = deniedError{}
			},
			site: "TEST_SITE",
			want: ErrSiteAuthDenied,
		},
		{
			name: "site outage",
			setup: func(b *fakeBackend) {
				b.connectErr[testSiteURL] = errors.New("502 bad gateway")
			},
			site: "TEST_SITE",
			want: ErrSiteUnavailable,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend := newFakeBackend()
			backend.addSite("TEST_SITE", testSiteURL)
			if tt.setup != nil {
				tt.setup(backend)
			}
			_, err := newTestClient(backend).Connect(context.Background(), tt.site)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConnectDeniedMessageNamesSite(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addSite("TEST_SITE", testSiteURL)
	backend.connectErr[testSiteURL] = deniedError{}

	_, err := newTestClient(backend).Connect(context.Background(), "TEST_SITE")
	require.Error(t, err)
	assert.Equal(t, "You do not have access to TEST_SITE", MessageOf(err))
	assert.True(t, IsAuthDenied(err))
}

func TestListJobsSingleQueuedJob(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addSite("TEST_SITE", testSiteURL)
	backend.addJob(testSiteURL, queuedJob())

	jobs, msg, err := newTestClient(backend).ListJobs(context.Background(), "TEST_SITE", 0)
	require.NoError(t, err)
	assert.Empty(t, msg)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, "100", job.ID)
	assert.Equal(t, "test_user", job.Owner)
	assert.Equal(t, "QUEUED", job.Status)
	assert.Equal(t, "TEST_SITE", job.Site)
	assert.Equal(t, testJobURL, job.ResourceURL)
	assert.Equal(t, "/scratch/100", job.WorkingDir)
	assert.True(t, job.IsCancelable())
	require.NotNil(t, job.StartTime)
	assert.Nil(t, job.FinishTime)
}

func TestListJobsRequestsPageWindow(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addSite("TEST_SITE", testSiteURL)
	for i := 0; i < 12; i++ {
		job := queuedJob()
		job.url = testSiteURL + "/jobs/" + string(rune('a'+i))
		backend.addJob(testSiteURL, job)
	}

	jobs, _, err := newTestClient(backend).ListJobs(context.Background(), "TEST_SITE", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "k", jobs[0].ID)
	assert.Equal(t, "l", jobs[1].ID)

	require.Len(t, backend.listCalls, 1)
	assert.Equal(t, listCall{siteURL: testSiteURL, offset: 10, num: PageSize}, backend.listCalls[0])
}

func TestListJobsDegradesOnDenialAndOutage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(*fakeBackend)
		wantMsg string
	}{
		{
			name: "denied",
			setup: func(b *fakeBackend) {
				b.connectErr[testSiteURL] = deniedError{}
			},
			wantMsg: "You do not have access to TEST_SITE",
		},
		{
			name: "registry down",
			setup: func(b *fakeBackend) {
				b.sitesErr = errors.New("bad gateway")
			},
			wantMsg: SitesUnavailableMessage,
		},
		{
			name: "listing fails",
			setup: func(b *fakeBackend) {
				b.listErr = errors.New("connection reset")
			},
			wantMsg: "Jobs at TEST_SITE are not available at the moment!",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend := newFakeBackend()
			backend.addSite("TEST_SITE", testSiteURL)
			backend.addJob(testSiteURL, queuedJob())
			tt.setup(backend)

			jobs, msg, err := newTestClient(backend).ListJobs(context.Background(), "TEST_SITE", 0)
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.NotNil(t, jobs)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestListJobsPropagatesCallerErrors(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addSite("TEST_SITE", testSiteURL)
	client := newTestClient(backend)

	_, _, err := client.ListJobs(context.Background(), "OTHER", 0)
	assert.ErrorIs(t, err, ErrUnknownSite)

	_, _, err = client.ListJobs(context.Background(), "TEST_SITE", -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, backend.listCalls)
}

func TestListJobsMalformedTimestampIsHardError(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addSite("TEST_SITE", testSiteURL)
	job := queuedJob()
	job.props.SubmissionTime = "10/02/2022"
	backend.addJob(testSiteURL, job)

	jobs, _, err := newTestClient(backend).ListJobs(context.Background(), "TEST_SITE", 0)
	require.Error(t, err)
	assert.Nil(t, jobs)
	var te *TimeError
	assert.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrMalformedJob)
	assert.NotErrorIs(t, err, ErrSiteUnavailable)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestCancelJobWithoutURL(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	acted, job, err := newTestClient(backend).CancelJob(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, acted)
	assert.Nil(t, job)
	assert.Zero(t, backend.bindCalls)
}

func TestCancelJobAbortsRunningJob(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	remote := queuedJob()
	backend.addJob(testSiteURL, remote)

	acted, job, err := newTestClient(backend).CancelJob(context.Background(), testJobURL)
	require.NoError(t, err)
	assert.True(t, acted)
	require.NotNil(t, job)
	assert.Equal(t, 1, remote.abortCalls)
	assert.Equal(t, StatusFailed, job.Status)
	assert.False(t, job.IsCancelable())
	assert.Equal(t, 2, backend.bindCalls)
}

func TestCancelJobSkipsAbortForTerminalJob(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	remote := finishedJob(nil)
	backend.addJob(testSiteURL, remote)

	acted, job, err := newTestClient(backend).CancelJob(context.Background(), testJobURL)
	require.NoError(t, err)
	assert.True(t, acted)
	require.NotNil(t, job)
	assert.Zero(t, remote.abortCalls)
	assert.Equal(t, StatusSuccessful, job.Status)
}

func TestCancelReportsWhetherAbortWasSent(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addJob(testSiteURL, queuedJob())
	res, err := newTestClient(backend).Cancel(context.Background(), testJobURL)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.True(t, res.Aborted)

	backend = newFakeBackend()
	backend.addJob(testSiteURL, finishedJob(nil))
	res, err = newTestClient(backend).Cancel(context.Background(), testJobURL)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.False(t, res.Aborted)
	require.NotNil(t, res.Job)
	assert.Equal(t, StatusSuccessful, res.Job.Status)
}

func TestCancelJobAbortFailure(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	remote := queuedJob()
	remote.abortErr = errors.New("500 internal error")
	backend.addJob(testSiteURL, remote)

	acted, job, err := newTestClient(backend).CancelJob(context.Background(), testJobURL)
	require.Error(t, err)
	assert.False(t, acted)
	assert.Nil(t, job)
	assert.ErrorIs(t, err, ErrSiteUnavailable)
	assert.Equal(t, NotCancelledMessage, MessageOf(err))
}

func outputsDir() *fakeDir {
	return &fakeDir{
		mount: "/scratch/100",
		listings: map[string]map[string]Entry{
			"": {
				"file1":    &fakeEntry{file: true, data: []byte("0123456789")},
				"stdout":   &fakeEntry{file: true, data: []byte("hello")},
				"results/": &fakeEntry{file: false},
			},
			"results/": {
				"results/a.txt":   &fakeEntry{file: true, data: []byte("a")},
				"results/b.txt":   &fakeEntry{file: true, data: []byte("bb")},
				"results/nested/": &fakeEntry{file: false},
			},
		},
	}
}

func TestListOutputs(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	remote := queuedJob()
	remote.dir = outputsDir()
	backend.addJob(testSiteURL, remote)

	out := newTestClient(backend).ListOutputs(context.Background(), testJobURL)
	assert.Equal(t, map[string]Output{
		"file1":    {IsFile: true},
		"stdout":   {IsFile: true},
		"results/": {IsFile: false},
	}, out)
}

func TestListOutputsEmbedsErrorInKey(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	dir := outputsDir()
	dir.listErr = errors.New("storage offline")
	remote := finishedJob(dir)
	backend.addJob(testSiteURL, remote)

	out := newTestClient(backend).ListOutputs(context.Background(), testJobURL)
	require.Len(t, out, 1)
	for key, value := range out {
		assert.Contains(t, key, ErrorKeyPrefix)
		assert.Contains(t, key, "storage offline")
		assert.False(t, value.IsFile)
	}
}

func TestDownloadFileSingleFile(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addJob(testSiteURL, finishedJob(outputsDir()))

	dest := filepath.Join(t.TempDir(), "file1")
	msg, err := newTestClient(backend).DownloadFile(context.Background(), testJobURL, "file1", dest)
	require.NoError(t, err)
	assert.Equal(t, "Downloaded successfully!", msg)

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestDownloadFileDirectoryIsFlattened(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addJob(testSiteURL, finishedJob(outputsDir()))

	dest := filepath.Join(t.TempDir(), "out", "results")
	msg, err := newTestClient(backend).DownloadFile(context.Background(), testJobURL, "results", dest)
	require.NoError(t, err)
	assert.Equal(t, DownloadedMessage, msg)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)
}

func TestDownloadFileMissingEntry(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addJob(testSiteURL, finishedJob(outputsDir()))

	_, err := newTestClient(backend).DownloadFile(context.Background(), testJobURL, "missing", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Contains(t, MessageOf(err), "missing")
	assert.Contains(t, MessageOf(err), testJobURL)
}

func TestDownloadAndStreamRefuseRunningJob(t *testing.T) {
	t.Parallel()

	dir := outputsDir()
	remote := queuedJob()
	remote.dir = dir
	backend := newFakeBackend()
	backend.addJob(testSiteURL, remote)
	client := newTestClient(backend)

	_, err := client.DownloadFile(context.Background(), testJobURL, "file1", filepath.Join(t.TempDir(), "file1"))
	assert.ErrorIs(t, err, ErrJobStillRunning)
	assert.Equal(t, JobStillRunningMessage, MessageOf(err))

	_, err = client.StreamFile(context.Background(), testJobURL, "file1", 0, -1)
	assert.ErrorIs(t, err, ErrJobStillRunning)

	assert.Empty(t, dir.calls())
}

func TestStreamFileRange(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addJob(testSiteURL, finishedJob(outputsDir()))
	client := newTestClient(backend)

	rc, err := client.StreamFile(context.Background(), testJobURL, "file1", 2, 4)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "2345", string(data))

	rc, err = client.StreamFile(context.Background(), testJobURL, "file1", 7, -1)
	require.NoError(t, err)
	data, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "789", string(data))
}

func TestStreamFileRejectsDirectoriesAndBadOffsets(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.addJob(testSiteURL, finishedJob(outputsDir()))
	client := newTestClient(backend)

	_, err := client.StreamFile(context.Background(), testJobURL, "results", 0, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = client.StreamFile(context.Background(), testJobURL, "file1", -3, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = client.StreamFile(context.Background(), testJobURL, "nope", 0, -1)
	assert.ErrorIs(t, err, ErrFileNotFound)
}
