// Package event defines the immutable lifecycle facts appended to the event
// bus by the task registry and by crawl workers.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags an Event with its place in the crawl lifecycle.
type Kind string

// Supported event kinds. These values are the wire-level "type" field seen by
// dashboard clients.
const (
	KindCrawlStarted    Kind = "crawl_started"
	KindPageFetched     Kind = "page_fetched"
	KindPageSkipped     Kind = "page_skipped"
	KindPageError       Kind = "page_error"
	KindProgressUpdated Kind = "progress_updated"
	KindTaskPaused      Kind = "task_paused"
	KindTaskResumed     Kind = "task_resumed"
	KindTaskCompleted   Kind = "task_completed"
	KindTaskFailed      Kind = "task_failed"
	KindCrawlCancelled  Kind = "crawl_cancelled"
)

// Event captures a single fact about a crawl. Sequence is assigned by the bus
// at append time and is the sole ordering key; TS is advisory.
type Event struct {
	// Sequence is the bus-assigned, strictly increasing ordering key.
	Sequence uint64 `json:"seq"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Kind denotes which lifecycle or fetch milestone occurred.
	Kind Kind `json:"type"`
	// TaskID is a weak reference to the owning task; it may outlive the task
	// record and is empty for events not tied to a task.
	TaskID string `json:"task_id,omitempty"`
	// Topic optionally scopes the event to a crawl topic.
	Topic string `json:"topic,omitempty"`
	// Site optionally scopes fetch events to a host label.
	Site string `json:"site,omitempty"`
	// URL is the page URL for fetch events; it must not contain credentials.
	URL string `json:"url,omitempty"`
	// StatusCode is the HTTP response code for fetch events.
	StatusCode int `json:"status,omitempty"`
	// Bytes carries the response size for the fetch.
	Bytes int64 `json:"bytes,omitempty"`
	// Progress carries the task percentage for progress_updated events.
	Progress float64 `json:"progress,omitempty"`
	// Reason holds skip/error/failure context.
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the kind closes a task's event sub-sequence.
func (k Kind) Terminal() bool {
	switch k {
	case KindTaskCompleted, KindTaskFailed, KindCrawlCancelled:
		return true
	}
	return false
}

// Validate performs coarse validation on Event payloads before they reach
// the bus.
func (e Event) Validate() error {
	switch e.Kind {
	case KindCrawlStarted, KindProgressUpdated, KindTaskPaused, KindTaskResumed,
		KindTaskCompleted, KindCrawlCancelled:
		if e.TaskID == "" {
			return fmt.Errorf("%s requires a task id", e.Kind)
		}
	case KindTaskFailed:
		if e.TaskID == "" {
			return errors.New("task_failed requires a task id")
		}
		if e.Reason == "" {
			return errors.New("task_failed requires a reason")
		}
	case KindPageFetched, KindPageSkipped, KindPageError:
		if e.URL == "" {
			return fmt.Errorf("%s requires a url", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be within [0,100]")
	}
	return nil
}
