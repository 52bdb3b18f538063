package playback

import (
	"context"
	"errors"
	"math"
	"time"
)

// Status is the externally visible playback state.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusPlaying
	StatusPaused
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Sentinel errors returned by public operations. None of them is fatal to
// the caller; they describe why a request was ignored.
var (
	ErrAlreadyAttached = errors.New("playback: resource already attached")
	ErrNotAttached     = errors.New("playback: no resource attached")
	ErrInvalidState    = errors.New("playback: operation not allowed in current state")
	ErrNilResource     = errors.New("playback: nil resource")
)

// Source is one entry of a media source list.
type Source struct {
	URL      string `json:"url" yaml:"url"`
	MIMEType string `json:"mime_type" yaml:"mime_type"`
}

// Attributes are the element flags the controller sets on attach.
type Attributes struct {
	Muted       bool
	PlaysInline bool
	Loop        bool
}

// Resource is the platform handle of one playable media element. Play blocks
// until the platform resolves or rejects the request.
type Resource interface {
	Configure(ctx context.Context, attrs Attributes) error
	Load(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	Release() error
}

// SourceSwitcher is implemented by resources carrying more than one source.
// NextSource advances to the next candidate; ok is false when none is left.
type SourceSwitcher interface {
	NextSource(ctx context.Context) (src Source, ok bool, err error)
}

// Budget bounds retries of failed play attempts.
type Budget struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultBudget is 3 attempts, 300ms base delay, ×1.5 backoff.
func DefaultBudget() Budget {
	return Budget{MaxAttempts: 3, BaseDelay: 300 * time.Millisecond, BackoffMultiplier: 1.5}
}

func (b Budget) normalize() Budget {
	if b.MaxAttempts < 1 {
		b.MaxAttempts = 1
	}
	if b.BaseDelay < 0 {
		b.BaseDelay = 0
	}
	if b.BackoffMultiplier < 1 {
		b.BackoffMultiplier = 1
	}
	return b
}

// Delay returns the wait before the retry following failed attempt n
// (1-based): BaseDelay × BackoffMultiplier^(n-1).
func (b Budget) Delay(n int) time.Duration {
	b = b.normalize()
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(b.BaseDelay) * math.Pow(b.BackoffMultiplier, float64(n-1)))
}

// EventKind identifies an inbound media event.
type EventKind int

const (
	// EventCanPlay: the resource has buffered enough data to start.
	EventCanPlay EventKind = iota + 1
	// EventPause: the platform paused playback (power saving, backgrounding).
	EventPause
	// EventError: a genuine playback or loading error.
	EventError
	// EventMutedChanged: the element's muted flag changed.
	EventMutedChanged
	// EventGesture: the user interacted with the page.
	EventGesture
)

func (k EventKind) String() string {
	switch k {
	case EventCanPlay:
		return "canplay"
	case EventPause:
		return "pause"
	case EventError:
		return "error"
	case EventMutedChanged:
		return "mutedchange"
	case EventGesture:
		return "gesture"
	}
	return "unknown"
}

// Event is a media event forwarded by a Resource backend.
type Event struct {
	Kind  EventKind
	Err   error
	Muted bool
}

// NotificationKind identifies an outbound notification.
type NotificationKind int

const (
	NotifyStatus NotificationKind = iota + 1
	NotifyMuted
	NotifyAttempt
	NotifyRejected
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyStatus:
		return "status_changed"
	case NotifyMuted:
		return "muted_changed"
	case NotifyAttempt:
		return "attempt_failed"
	case NotifyRejected:
		return "rejected"
	}
	return "unknown"
}

// Notification is emitted to subscribers. Status and Muted are snapshots
// taken when the notification was queued.
type Notification struct {
	Kind     NotificationKind
	Status   Status
	Prev     Status
	Muted    bool
	Attempts int
	Class    Class
	Delay    time.Duration // retry delay, zero when no retry was scheduled
	Err      error
	At       time.Time
}

// State is a point-in-time copy of the controller's view of the resource.
type State struct {
	Status      Status `json:"status"`
	Muted       bool   `json:"muted"`
	PlaysInline bool   `json:"plays_inline"`
	Loop        bool   `json:"loop"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	EverPlayed  bool   `json:"ever_played"`
	Hidden      bool   `json:"hidden"`
	Attached    bool   `json:"attached"`
	LastReject  string `json:"last_rejection,omitempty"`
}
