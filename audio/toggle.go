// Package audio renders the mute toggle of a hero video. The toggle holds no
// muted state of its own: every read goes to the playback controller.
package audio

import (
	"log/slog"
	"sync"

	"github.com/hazyhaar/heromedia/playback"
)

// State is the audio state shown by the toggle.
type State int

const (
	Muted State = iota
	Unmuted
)

func (s State) String() string {
	if s == Unmuted {
		return "unmuted"
	}
	return "muted"
}

// Visual is what a toggle button displays.
type Visual struct {
	State   State  `json:"state"`
	Icon    string `json:"icon"`
	Label   string `json:"label"`
	Pressed bool   `json:"pressed"`
	Enabled bool   `json:"enabled"`
	Visible bool   `json:"visible"`
}

// Render derives the toggle visual from the controller's muted flag and
// status. It has no side effects.
func Render(muted bool, status playback.Status) Visual {
	v := Visual{State: Muted, Icon: "volume-off", Label: "Unmute video"}
	if !muted {
		v = Visual{State: Unmuted, Icon: "volume-on", Label: "Mute video", Pressed: true}
	}
	switch status {
	case playback.StatusPlaying, playback.StatusPaused:
		v.Enabled = true
		v.Visible = true
	}
	return v
}

// Control is the part of the playback controller the toggle depends on.
type Control interface {
	ToggleMute() error
	Muted() bool
	Status() playback.Status
	Subscribe(fn func(playback.Notification)) (cancel func())
}

// Options configures a Toggle.
type Options struct {
	// OnRender is called with the new visual after every muted or status
	// change of the controller.
	OnRender func(Visual)
	Logger   *slog.Logger
}

// Toggle forwards activations to a Control and re-renders on its
// notifications.
type Toggle struct {
	ctrl     Control
	onRender func(Visual)
	logger   *slog.Logger

	mu     sync.Mutex
	cancel func()
}

// New binds a toggle to ctrl and subscribes to its notifications.
func New(ctrl Control, opts Options) *Toggle {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Toggle{ctrl: ctrl, onRender: opts.OnRender, logger: opts.Logger}
	t.cancel = ctrl.Subscribe(t.onNotification)
	return t
}

func (t *Toggle) onNotification(n playback.Notification) {
	switch n.Kind {
	case playback.NotifyMuted, playback.NotifyStatus:
	default:
		return
	}
	if t.onRender != nil {
		t.onRender(Render(n.Muted, n.Status))
	}
}

// OnActivate handles a user activation of the toggle. The rendered state only
// changes once the controller reports the new muted flag.
func (t *Toggle) OnActivate() error {
	if err := t.ctrl.ToggleMute(); err != nil {
		t.logger.Debug("audio: toggle rejected", "error", err)
		return err
	}
	return nil
}

// Current returns the visual derived from the controller right now.
func (t *Toggle) Current() Visual {
	return Render(t.ctrl.Muted(), t.ctrl.Status())
}

// Close unsubscribes from the controller. It is safe to call twice.
func (t *Toggle) Close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
