// Package sink delivers hero media events to their consumers: JSON lines on
// stdout, an HTTP webhook, an in-process callback or a SQLite journal. A
// Router fans one event out to several sinks.
package sink

import (
	"context"
	"time"
)

// Event types.
const (
	TypeStatus    = "status"
	TypeMuted     = "muted"
	TypeAttempt   = "attempt"
	TypeRejected  = "rejected"
	TypeOptimized = "optimized"
	TypeLoaded    = "loaded"
	TypePass      = "pass"
)

// Event is one observable fact about a page's media: a playback status
// change, a mute flip, a play attempt, an optimised element or an image
// settling.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	Status    string    `json:"status,omitempty"`
	Prev      string    `json:"prev,omitempty"`
	Muted     bool      `json:"muted"`
	Key       string    `json:"key,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	DelayMs   int64     `json:"delay_ms,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
