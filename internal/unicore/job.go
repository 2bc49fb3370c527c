package unicore

import (
	"context"
	"fmt"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
)

// Statuses in which a job still owns its working directory.
var runningStatuses = map[string]struct{}{
	"STAGINGIN":  {},
	"READY":      {},
	"QUEUED":     {},
	"RUNNING":    {},
	"STAGINGOUT": {},
}

type jobResource struct {
	Status          string   `json:"status"`
	Name            string   `json:"name"`
	Owner           string   `json:"owner"`
	SiteName        string   `json:"siteName"`
	SubmissionTime  string   `json:"submissionTime"`
	TerminationTime string   `json:"terminationTime"`
	Log             []string `json:"log"`
	Links           struct {
		WorkingDirectory struct {
			Href string `json:"href"`
		} `json:"workingDirectory"`
	} `json:"_links"`
}

// Job is a handle on a job resource. Every call reads the resource again.
type Job struct {
	backend *Backend
	url     string
}

// ResourceURL returns the job's URL.
func (j *Job) ResourceURL() string {
	return j.url
}

func (j *Job) fetch(ctx context.Context) (jobResource, error) {
	var res jobResource
	if err := j.backend.getJSON(ctx, j.url, &res); err != nil {
		return jobResource{}, fmt.Errorf("get job: %w", err)
	}
	return res, nil
}

// Properties returns the current job properties.
func (j *Job) Properties(ctx context.Context) (bridge.JobProperties, error) {
	res, err := j.fetch(ctx)
	if err != nil {
		return bridge.JobProperties{}, err
	}
	return bridge.JobProperties{
		Status:          res.Status,
		Name:            res.Name,
		Owner:           res.Owner,
		SiteName:        res.SiteName,
		SubmissionTime:  res.SubmissionTime,
		TerminationTime: res.TerminationTime,
		Log:             res.Log,
	}, nil
}

// IsRunning reports whether the job status is one of the active states.
func (j *Job) IsRunning(ctx context.Context) (bool, error) {
	res, err := j.fetch(ctx)
	if err != nil {
		return false, err
	}
	_, ok := runningStatuses[res.Status]
	return ok, nil
}

// Abort asks the site to abort the job. The status may lag behind.
func (j *Job) Abort(ctx context.Context) error {
	if err := j.backend.postJSON(ctx, j.url+"/actions/abort", struct{}{}); err != nil {
		return fmt.Errorf("abort job: %w", err)
	}
	return nil
}

// WorkingDir opens the job's working directory storage.
func (j *Job) WorkingDir(ctx context.Context) (bridge.WorkingDir, error) {
	res, err := j.fetch(ctx)
	if err != nil {
		return nil, err
	}
	href := res.Links.WorkingDirectory.Href
	if href == "" {
		return nil, fmt.Errorf("job %s has no working directory", j.url)
	}
	return j.backend.openStorage(ctx, href)
}
