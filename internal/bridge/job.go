package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	// RemoteTimeLayout is the timestamp layout used by job properties.
	RemoteTimeLayout = "2006-01-02T15:04:05-0700"
	// DisplayTimeLayout is the layout used when a Job is serialized.
	DisplayTimeLayout = "01.02.2006, 15:04:05"

	ownerPrefix = "UID="
	// remoteOffsetIndex is where the zone offset starts in a remote timestamp.
	remoteOffsetIndex = len("2006-01-02T15:04:05")
)

// Terminal job statuses. Every other status is treated as cancelable.
const (
	StatusSuccessful = "SUCCESSFUL"
	StatusFailed     = "FAILED"
)

// Job is an immutable snapshot of a remote job.
type Job struct {
	ID          string
	Name        string
	Owner       string
	Site        string
	Status      string
	StartTime   *time.Time
	FinishTime  *time.Time
	WorkingDir  string
	ResourceURL string
	Logs        []string
}

// IsCancelable reports whether the job is outside the terminal set.
func (j Job) IsCancelable() bool {
	return j.Status != StatusSuccessful && j.Status != StatusFailed
}

type jobJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	Site         string   `json:"site"`
	Status       string   `json:"status"`
	StartTime    string   `json:"start_time"`
	FinishTime   string   `json:"finish_time"`
	WorkingDir   string   `json:"working_dir"`
	ResourceURL  string   `json:"resource_url"`
	Logs         []string `json:"logs"`
	IsCancelable bool     `json:"is_cancelable"`
}

// MarshalJSON renders the job with display-formatted times and the
// derived is_cancelable flag.
func (j Job) MarshalJSON() ([]byte, error) {
	logs := j.Logs
	if logs == nil {
		logs = []string{}
	}
	data, err := json.Marshal(jobJSON{
		ID:           j.ID,
		Name:         j.Name,
		Owner:        j.Owner,
		Site:         j.Site,
		Status:       j.Status,
		StartTime:    formatDisplayTime(j.StartTime),
		FinishTime:   formatDisplayTime(j.FinishTime),
		WorkingDir:   j.WorkingDir,
		ResourceURL:  j.ResourceURL,
		Logs:         logs,
		IsCancelable: j.IsCancelable(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// NewJob builds a Job from a remote snapshot. Remote failures are
// returned as is; malformed timestamps produce a *TimeError.
func NewJob(ctx context.Context, remote RemoteJob) (Job, error) {
	props, err := remote.Properties(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job properties: %w", err)
	}
	wd, err := remote.WorkingDir(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("job working directory: %w", err)
	}
	return jobFromProperties(remote.ResourceURL(), props, wd.MountPoint())
}

func jobFromProperties(resourceURL string, props JobProperties, mountPoint string) (Job, error) {
	start, err := ParseRemoteTime(props.SubmissionTime)
	if err != nil {
		return Job{}, err
	}
	finish, err := ParseRemoteTime(props.TerminationTime)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:          JobID(resourceURL),
		Name:        props.Name,
		Owner:       strings.TrimPrefix(props.Owner, ownerPrefix),
		Site:        props.SiteName,
		Status:      props.Status,
		StartTime:   start,
		FinishTime:  finish,
		WorkingDir:  mountPoint,
		ResourceURL: resourceURL,
		Logs:        props.Log,
	}, nil
}

// JobID returns the last path segment of a job resource URL.
func JobID(resourceURL string) string {
	return path.Base(strings.TrimRight(resourceURL, "/"))
}

// TimeError reports a timestamp that does not match RemoteTimeLayout.
type TimeError struct {
	Value string
	Err   error
}

func (e *TimeError) Error() string {
	return fmt.Sprintf("parse job timestamp %q: %v", e.Value, e.Err)
}

func (e *TimeError) Unwrap() error {
	return e.Err
}

// ParseRemoteTime parses a job timestamp. The zone offset must be
// written with a plus sign. An empty value yields nil.
func ParseRemoteTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if len(value) <= remoteOffsetIndex || value[remoteOffsetIndex] != '+' {
		return nil, &TimeError{Value: value, Err: fmt.Errorf("expected +hhmm offset at position %d", remoteOffsetIndex)}
	}
	t, err := time.Parse(RemoteTimeLayout, value)
	if err != nil {
		return nil, &TimeError{Value: value, Err: err}
	}
	return &t, nil
}

func formatDisplayTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DisplayTimeLayout)
}
