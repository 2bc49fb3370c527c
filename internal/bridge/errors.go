package bridge

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a bridge failure.
type Kind string

// Failure kinds returned by the core.
const (
	KindAuthTokenMissing Kind = "auth_token_missing"
	KindSitesUnavailable Kind = "sites_unavailable"
	KindSiteUnavailable  Kind = "site_unavailable"
	KindUnknownSite      Kind = "unknown_site"
	KindSiteAuthDenied   Kind = "site_auth_denied"
	KindJobStillRunning  Kind = "job_still_running"
	KindFileNotFound     Kind = "file_not_found"
	KindInvalidArgument  Kind = "invalid_argument"
	KindLocalStorage     Kind = "local_storage"
	KindMalformedJob     Kind = "malformed_job"
)

// Sentinel errors for errors.Is checks against a *Error.
var (
	ErrAuthTokenMissing = errors.New("bridge: auth token missing")
	ErrSitesUnavailable = errors.New("bridge: sites unavailable")
	ErrSiteUnavailable  = errors.New("bridge: site unavailable")
	ErrUnknownSite      = errors.New("bridge: unknown site")
	ErrSiteAuthDenied   = errors.New("bridge: site auth denied")
	ErrJobStillRunning  = errors.New("bridge: job still running")
	ErrFileNotFound     = errors.New("bridge: file not found")
	ErrInvalidArgument  = errors.New("bridge: invalid argument")
	ErrLocalStorage     = errors.New("bridge: local storage")
	ErrMalformedJob     = errors.New("bridge: malformed job")
)

// Messages shown to users.
const (
	SitesUnavailableMessage = "Sites are not available at the moment!"
	JobStillRunningMessage  = "Cannot download file while the job is still running!"
	DownloadedMessage       = "Downloaded successfully!"
	NotCancelledMessage     = "Job could not be cancelled!"
	MissingJobURLMessage    = "Cannot abort job as URL has not been provided!"
)

// Error is the single failure type crossing the core boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind. A sites outage also
// matches ErrSiteUnavailable.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthTokenMissing:
		return e.Kind == KindAuthTokenMissing
	case ErrSitesUnavailable:
		return e.Kind == KindSitesUnavailable
	case ErrSiteUnavailable:
		return e.Kind == KindSiteUnavailable || e.Kind == KindSitesUnavailable
	case ErrUnknownSite:
		return e.Kind == KindUnknownSite
	case ErrSiteAuthDenied:
		return e.Kind == KindSiteAuthDenied
	case ErrJobStillRunning:
		return e.Kind == KindJobStillRunning
	case ErrFileNotFound:
		return e.Kind == KindFileNotFound
	case ErrInvalidArgument:
		return e.Kind == KindInvalidArgument
	case ErrLocalStorage:
		return e.Kind == KindLocalStorage
	case ErrMalformedJob:
		return e.Kind == KindMalformedJob
	}
	return false
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// MessageOf returns the user-facing message carried by err.
func MessageOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps err to the status code an HTTP caller should see.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnknownSite, KindInvalidArgument:
		return http.StatusBadRequest
	case KindSiteAuthDenied:
		return http.StatusForbidden
	case KindFileNotFound:
		return http.StatusNotFound
	case KindJobStillRunning:
		return http.StatusConflict
	case KindSitesUnavailable, KindSiteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AuthDenier is implemented by backend errors that signal the user was
// rejected by a site.
type AuthDenier interface {
	AuthDenied() bool
}

// IsAuthDenied reports whether any error in err's chain is an AuthDenier
// reporting a rejection.
func IsAuthDenied(err error) bool {
	var ad AuthDenier
	if errors.As(err, &ad) {
		return ad.AuthDenied()
	}
	return false
}
