// Package publisher defines the bridge event contract and its sinks.
package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published by the bridge.
const (
	EventJobCancelled  = "job.cancelled"
	EventOutputRelayed = "output.relayed"
)

// Publisher sends one payload under an event type and returns the
// message id assigned by the sink.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

// Event is the payload of every bridge notification.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	JobURL      string    `json:"job_url"`
	Status      string    `json:"status,omitempty"`
	File        string    `json:"file,omitempty"`
	Destination string    `json:"destination,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType, jobURL string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		JobURL:     jobURL,
	}
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, any) (string, error) { return "", nil }
