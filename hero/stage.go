// Package hero ties one page together: a single DOM reprocessor for the
// page's media and at most one hero video session (playback controller plus
// audio toggle). Every notification is forwarded to the configured event
// sink and metrics.
package hero

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/heromedia/audio"
	"github.com/hazyhaar/heromedia/clock"
	"github.com/hazyhaar/heromedia/domwatch"
	"github.com/hazyhaar/heromedia/domwatch/mutation"
	"github.com/hazyhaar/heromedia/idgen"
	"github.com/hazyhaar/heromedia/metrics"
	"github.com/hazyhaar/heromedia/playback"
	"github.com/hazyhaar/heromedia/sink"
)

var (
	ErrMounted    = errors.New("hero: a session is already mounted")
	ErrNotMounted = errors.New("hero: no session mounted")
	ErrClosed     = errors.New("hero: stage closed")
)

// Options configures a Stage.
type Options struct {
	Budget      playback.Budget
	Controller  playback.Options
	Reprocessor domwatch.Options

	// Sink receives events. Nil discards them.
	Sink sink.Sink
	// Metrics, if set, is updated on every notification.
	Metrics *metrics.Metrics
	// QueueSize bounds undelivered events. Default: 256.
	QueueSize int

	// Source is copied into every event, usually the page URL.
	Source   string
	OnRender func(audio.Visual)

	Clock  clock.Clock
	NewID  idgen.Generator
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("evt_", idgen.Default)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Budget.MaxAttempts == 0 {
		o.Budget = playback.DefaultBudget()
	}
	if o.Controller.Clock == nil {
		o.Controller.Clock = o.Clock
	}
	if o.Controller.Logger == nil {
		o.Controller.Logger = o.Logger
	}
	if o.Reprocessor.Clock == nil {
		o.Reprocessor.Clock = o.Clock
	}
	if o.Reprocessor.Logger == nil {
		o.Reprocessor.Logger = o.Logger
	}
	if o.Reprocessor.PageURL == "" {
		o.Reprocessor.PageURL = o.Source
	}
}

// Snapshot is the observable state of a stage.
type Snapshot struct {
	Source      string          `json:"source,omitempty"`
	Hero        *playback.State `json:"hero,omitempty"`
	Toggle      *audio.Visual   `json:"toggle,omitempty"`
	Reprocessor domwatch.Stats  `json:"reprocessor"`
	Cached      []string        `json:"cached"`
}

type session struct {
	ctrl   *playback.Controller
	toggle *audio.Toggle
	unsub  func()
}

// Stage owns the page's reprocessor and its hero session.
type Stage struct {
	opts Options
	log  *slog.Logger
	rep  *domwatch.Reprocessor

	events chan sink.Event
	done   chan struct{}

	mu     sync.Mutex
	sess   *session
	hidden bool // last page visibility, applied to each new session
	closed bool
	sealed bool // events channel closed
}

// New creates a stage over doc. Call Start to run the reprocessor.
func New(doc domwatch.Document, opts Options) *Stage {
	opts.defaults()
	s := &Stage{
		opts:   opts,
		log:    opts.Logger,
		events: make(chan sink.Event, opts.QueueSize),
		done:   make(chan struct{}),
	}

	ropts := opts.Reprocessor
	onOpt, onLoad, onPass := ropts.OnOptimized, ropts.OnLoaded, ropts.OnPass
	ropts.OnOptimized = func(key, tag string) {
		s.onOptimized(key, tag)
		if onOpt != nil {
			onOpt(key, tag)
		}
	}
	ropts.OnLoaded = func(key string, reason domwatch.LoadReason) {
		s.onLoaded(key, reason)
		if onLoad != nil {
			onLoad(key, reason)
		}
	}
	ropts.OnPass = func(b mutation.Batch) {
		s.onPass(b)
		if onPass != nil {
			onPass(b)
		}
	}
	s.rep = domwatch.New(doc, ropts)

	go s.deliver()
	return s
}

// Start runs the reprocessor's initial pass and installs its watcher.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := s.rep.Start(ctx); err != nil {
		return fmt.Errorf("hero: start: %w", err)
	}
	return nil
}

// Mount creates the hero session for res and attaches it. Only one session
// exists at a time.
func (s *Stage) Mount(res playback.Resource) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sess != nil {
		s.mu.Unlock()
		return ErrMounted
	}
	ctrl := playback.New(s.opts.Controller)
	ctrl.SetVisibility(!s.hidden)
	sess := &session{ctrl: ctrl}
	sess.unsub = ctrl.Subscribe(s.onNotification)
	sess.toggle = audio.New(ctrl, audio.Options{OnRender: s.opts.OnRender, Logger: s.log})
	s.sess = sess
	s.mu.Unlock()

	if err := ctrl.Attach(res, s.opts.Budget); err != nil {
		s.mu.Lock()
		if s.sess == sess {
			s.sess = nil
		}
		s.mu.Unlock()
		sess.toggle.Close()
		sess.unsub()
		return fmt.Errorf("hero: mount: %w", err)
	}
	s.log.Info("hero: mounted", "source", s.opts.Source)
	return nil
}

// Unmount detaches the hero session. It is a no-op without one.
func (s *Stage) Unmount() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.ctrl.Detach()
	sess.toggle.Close()
	sess.unsub()
	s.log.Info("hero: unmounted", "source", s.opts.Source)
}

func (s *Stage) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Controller returns the mounted controller, or nil.
func (s *Stage) Controller() *playback.Controller {
	if sess := s.current(); sess != nil {
		return sess.ctrl
	}
	return nil
}

// HandleEvent forwards a media element event to the mounted controller.
func (s *Stage) HandleEvent(ev playback.Event) {
	if sess := s.current(); sess != nil {
		sess.ctrl.HandleEvent(ev)
	}
}

// SetVisibility records the page visibility and forwards it to the mounted
// controller. A session mounted later starts with the recorded value.
func (s *Stage) SetVisibility(visible bool) {
	s.mu.Lock()
	s.hidden = !visible
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		sess.ctrl.SetVisibility(visible)
	}
}

// ActivateToggle handles a user activation of the audio toggle.
func (s *Stage) ActivateToggle() (audio.Visual, error) {
	sess := s.current()
	if sess == nil {
		return audio.Visual{}, ErrNotMounted
	}
	err := sess.toggle.OnActivate()
	if s.opts.Metrics != nil {
		if err != nil {
			s.opts.Metrics.IncMuteToggle("rejected")
		} else {
			s.opts.Metrics.IncMuteToggle("applied")
		}
	}
	return sess.toggle.Current(), err
}

// Reprocessor returns the page's reprocessor.
func (s *Stage) Reprocessor() *domwatch.Reprocessor { return s.rep }

// Snapshot returns the current state of the stage.
func (s *Stage) Snapshot() Snapshot {
	snap := Snapshot{
		Source:      s.opts.Source,
		Reprocessor: s.rep.Stats(),
		Cached:      s.rep.CachedKeys(),
	}
	if sess := s.current(); sess != nil {
		st := sess.ctrl.State()
		v := sess.toggle.Current()
		snap.Hero = &st
		snap.Toggle = &v
	}
	return snap
}

// RefreshMetrics updates gauges from the current state. It is meant as the
// metrics handler's refresh hook.
func (s *Stage) RefreshMetrics() {
	m := s.opts.Metrics
	if m == nil {
		return
	}
	m.SetCacheSize(s.rep.Stats().Cached)
	if sess := s.current(); sess != nil {
		m.SetMuted(sess.ctrl.Muted())
	}
}

// Close unmounts the session, stops the reprocessor and drains queued
// events into the sink. The sink itself is not closed.
func (s *Stage) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Unmount()
	s.rep.Stop()

	s.mu.Lock()
	s.sealed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
}
