// Package playback drives one background video through the startup
// protocol: muted start, bounded retries with backoff, classification of
// rejections, pause/resume on visibility changes and graceful failure.
//
// State machine:
//
//	Idle → Loading → Ready → Playing ⇄ Paused
//	          ↑  ↓                 │
//	          └──┴─(retry)─────────┘
//	Loading/Playing → Failed (budget exhausted or permanent rejection)
//
// Nothing here panics into the caller: invalid requests come back as
// sentinel errors and are recorded as rejections, platform failures surface
// only as status notifications.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/heromedia/clock"
)

// Options configures a Controller.
type Options struct {
	// Clock schedules retry and resume timers. Default: clock.Real().
	Clock clock.Clock
	// Logger receives diagnostics. Default: slog.Default().
	Logger *slog.Logger
	// ResumeDelay is the wait before resuming after a platform pause while
	// the page is visible. Default: 100ms. Negative disables auto-resume.
	ResumeDelay time.Duration
	// OpTimeout bounds each resource call. Default: 15s.
	OpTimeout time.Duration
	// DisableLoop leaves the element's loop flag off.
	DisableLoop bool
	// Classifier overrides Classify.
	Classifier func(error) Class
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ResumeDelay == 0 {
		o.ResumeDelay = 100 * time.Millisecond
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 15 * time.Second
	}
	if o.Classifier == nil {
		o.Classifier = Classify
	}
}

// Controller owns at most one Resource at a time. It is safe for concurrent
// use. Resource calls are made without holding the internal lock, one at a
// time and in the order they were decided; results are discarded when the
// generation has moved on.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	res         Resource
	ctx         context.Context
	cancel      context.CancelFunc
	budget      Budget
	status      Status
	muted       bool
	playsInline bool
	attempts    int
	everPlayed  bool
	hidden      bool
	gen         uint64
	inFlight    bool // a Play call is pending
	switching   bool // a NextSource/Load sequence is pending
	muting      bool // a SetMuted call is pending
	retry       clock.Timer
	resume      clock.Timer
	lastReject  error

	ops      []resourceOp // queued under c.mu, handed to the worker on unlock
	pending  []resourceOp // waiting for the worker
	working  bool
	releases []Resource

	subs        map[int]func(Notification)
	nextSub     int
	queue       []Notification
	dispatching bool
}

// resourceOp is a resource call decided under generation gen. The worker
// skips it once the generation has moved on.
type resourceOp struct {
	gen uint64
	fn  func()
}

// New creates an idle Controller.
func New(opts Options) *Controller {
	opts.defaults()
	return &Controller{
		opts:   opts,
		log:    opts.Logger,
		status: StatusIdle,
		muted:  true,
		subs:   make(map[int]func(Notification)),
	}
}

// Subscribe registers fn for every notification. Notifications are delivered
// in order, outside the controller lock. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(Notification)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Attach binds a fresh resource and starts the startup protocol. The
// element is forced muted and inline before anything else happens.
func (c *Controller) Attach(res Resource, budget Budget) error {
	if res == nil {
		c.mu.Lock()
		c.rejectLocked(ErrNilResource)
		c.unlockAndFlush()
		return ErrNilResource
	}

	c.mu.Lock()
	if c.res != nil {
		c.rejectLocked(ErrAlreadyAttached)
		c.unlockAndFlush()
		return ErrAlreadyAttached
	}

	c.gen++
	gen := c.gen
	c.res = res
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.budget = budget.normalize()
	c.attempts = 0
	c.everPlayed = false
	c.inFlight = false
	c.switching = false
	c.muting = false
	c.lastReject = nil
	c.playsInline = true
	if !c.muted {
		c.muted = true
		c.notifyLocked(Notification{Kind: NotifyMuted})
	}
	c.setStatusLocked(StatusLoading)

	attrs := Attributes{Muted: true, PlaysInline: true, Loop: !c.opts.DisableLoop}
	ctx := c.ctx
	c.enqueueLocked(func() { c.startup(gen, ctx, res, attrs) })

	c.log.Debug("playback: attached",
		"max_attempts", c.budget.MaxAttempts,
		"base_delay", c.budget.BaseDelay,
		"multiplier", c.budget.BackoffMultiplier)
	c.unlockAndFlush()
	return nil
}

func (c *Controller) startup(gen uint64, ctx context.Context, res Resource, attrs Attributes) {
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	if err := res.Configure(opCtx, attrs); err != nil {
		c.log.Warn("playback: configure resource", "error", err)
	}
	if err := res.Load(opCtx); err != nil {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.attemptFailedLocked(fmt.Errorf("load: %w", err))
		c.unlockAndFlush()
	}
}

// Detach cancels pending timers, ignores any in-flight play result, releases
// the resource and returns to Idle. Calling it again is a no-op.
func (c *Controller) Detach() {
	c.mu.Lock()
	if c.res == nil && c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopTimersLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.res != nil {
		c.releases = append(c.releases, c.res)
		c.res = nil
	}
	c.inFlight = false
	c.switching = false
	c.muting = false
	c.setStatusLocked(StatusIdle)
	c.log.Debug("playback: detached")
	c.unlockAndFlush()
}

// ToggleMute flips the muted flag. It is only allowed while Playing or
// Paused; otherwise the request is recorded as a rejection and
// ErrInvalidState is returned. Unmuting a paused resource re-requests play.
func (c *Controller) ToggleMute() error {
	c.mu.Lock()
	if c.res == nil || (c.status != StatusPlaying && c.status != StatusPaused) {
		err := fmt.Errorf("%w: toggle mute while %s", ErrInvalidState, c.status)
		c.rejectLocked(err)
		c.unlockAndFlush()
		return err
	}
	if c.muting {
		err := fmt.Errorf("%w: mute change already pending", ErrInvalidState)
		c.rejectLocked(err)
		c.unlockAndFlush()
		return err
	}
	target := !c.muted
	gen, res, ctx := c.gen, c.res, c.ctx
	c.muting = true
	c.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	err := res.SetMuted(opCtx, target)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrNotAttached
	}
	c.muting = false
	if err != nil {
		err = fmt.Errorf("playback: set muted: %w", err)
		c.rejectLocked(err)
		c.unlockAndFlush()
		return err
	}
	c.setMutedLocked(target)
	if !target && c.status == StatusPaused && !c.inFlight && !c.hidden {
		c.resumeLocked()
	}
	c.unlockAndFlush()
	return nil
}

// SetVisibility forwards a page-visibility change. Hiding pauses a playing
// resource; showing it again resumes without consuming the retry budget.
func (c *Controller) SetVisibility(visible bool) {
	c.mu.Lock()
	c.hidden = !visible
	if c.res == nil {
		c.mu.Unlock()
		return
	}
	if !visible {
		c.stopResumeLocked()
		if c.status == StatusPlaying {
			c.setStatusLocked(StatusPaused)
			c.pauseResourceLocked()
		}
	} else if c.status == StatusPaused && !c.inFlight {
		c.resumeLocked()
	}
	c.unlockAndFlush()
}

// HandleEvent consumes a media event from the resource backend.
func (c *Controller) HandleEvent(ev Event) {
	c.mu.Lock()
	if c.res == nil {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventCanPlay:
		if c.status == StatusLoading && !c.inFlight && !c.switching && c.retry == nil {
			c.setStatusLocked(StatusReady)
			c.beginPlayLocked()
		}

	case EventPause:
		if c.status == StatusPlaying && !c.inFlight {
			c.setStatusLocked(StatusPaused)
			if !c.hidden {
				c.scheduleResumeLocked()
			}
		}

	case EventError:
		if c.inFlight || c.switching || c.retry != nil {
			// The pending attempt reports its own outcome.
			break
		}
		switch c.status {
		case StatusLoading, StatusReady, StatusPlaying, StatusPaused:
			err := ev.Err
			if err == nil {
				err = &PlayError{Message: "media element error"}
			}
			c.attemptFailedLocked(err)
		}

	case EventMutedChanged:
		if !ev.Muted && !c.everPlayed {
			// Audio stays off until the first play has been observed.
			c.rejectLocked(fmt.Errorf("%w: unmuted before first play", ErrInvalidState))
			c.forceMuteLocked()
			break
		}
		c.setMutedLocked(ev.Muted)

	case EventGesture:
		if c.status == StatusPaused && !c.inFlight && !c.hidden {
			c.resumeLocked()
		}
	}
	c.unlockAndFlush()
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Muted returns the mirrored muted flag of the resource.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Attempts returns the number of failed attempts since the last success.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastRejection returns the reason of the most recent rejected request.
func (c *Controller) LastRejection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReject
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Status:      c.status,
		Muted:       c.muted,
		PlaysInline: c.playsInline,
		Loop:        !c.opts.DisableLoop,
		Attempts:    c.attempts,
		MaxAttempts: c.budget.MaxAttempts,
		EverPlayed:  c.everPlayed,
		Hidden:      c.hidden,
		Attached:    c.res != nil,
	}
	if c.lastReject != nil {
		s.LastReject = c.lastReject.Error()
	}
	return s
}

// --- internals, all called with c.mu held ---

func (c *Controller) beginPlayLocked() {
	c.inFlight = true
	gen, res, ctx := c.gen, c.res, c.ctx
	c.enqueueLocked(func() {
		opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		err := res.Play(opCtx)
		cancel()
		c.onPlayResult(gen, err)
	})
}

func (c *Controller) onPlayResult(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.log.Debug("playback: stale play result ignored", "error", err)
		return
	}
	c.inFlight = false

	if err != nil {
		c.attemptFailedLocked(err)
		c.unlockAndFlush()
		return
	}

	c.attempts = 0
	c.everPlayed = true
	c.setStatusLocked(StatusPlaying)
	if c.hidden {
		// The page was hidden while the request was pending.
		c.setStatusLocked(StatusPaused)
		c.pauseResourceLocked()
	}
	c.unlockAndFlush()
}

func (c *Controller) attemptFailedLocked(err error) {
	class := c.opts.Classifier(err)
	c.attempts++
	c.stopResumeLocked()

	if (c.status == StatusPlaying || c.status == StatusPaused) && !c.muted {
		// Re-entering autoplay: restart muted.
		c.setMutedLocked(true)
		c.forceMuteLocked()
	}

	if c.attempts >= c.budget.MaxAttempts {
		c.notifyLocked(Notification{Kind: NotifyAttempt, Class: class, Err: err})
		c.failLocked(err)
		return
	}

	if class == ClassPermanent {
		if sw, ok := c.res.(SourceSwitcher); ok {
			c.notifyLocked(Notification{Kind: NotifyAttempt, Class: class, Err: err})
			c.setStatusLocked(StatusLoading)
			c.switchSourceLocked(sw, err)
			return
		}
		c.notifyLocked(Notification{Kind: NotifyAttempt, Class: class, Err: err})
		c.failLocked(err)
		return
	}

	delay := c.budget.Delay(c.attempts)
	c.setStatusLocked(StatusLoading)
	gen := c.gen
	c.retry = c.opts.Clock.AfterFunc(delay, func() { c.onRetry(gen) })
	c.notifyLocked(Notification{Kind: NotifyAttempt, Class: class, Delay: delay, Err: err})
	c.log.Info("playback: attempt failed, retrying",
		"attempt", c.attempts, "max", c.budget.MaxAttempts,
		"class", class, "delay", delay, "error", err)
}

func (c *Controller) switchSourceLocked(sw SourceSwitcher, cause error) {
	c.switching = true
	gen, res, ctx := c.gen, c.res, c.ctx
	c.enqueueLocked(func() {
		opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		defer cancel()

		src, ok, err := sw.NextSource(opCtx)
		if err == nil && ok {
			err = res.Load(opCtx)
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.switching = false
		switch {
		case err != nil:
			c.failLocked(fmt.Errorf("switch source: %w (after %v)", err, cause))
		case !ok:
			c.failLocked(cause)
		default:
			c.log.Info("playback: switched source", "url", src.URL, "type", src.MIMEType)
		}
		c.unlockAndFlush()
	})
}

func (c *Controller) onRetry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.res == nil {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	if !c.inFlight && c.status == StatusLoading {
		c.beginPlayLocked()
	}
	c.unlockAndFlush()
}

func (c *Controller) failLocked(err error) {
	c.stopTimersLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.res != nil {
		c.releases = append(c.releases, c.res)
		c.res = nil
	}
	c.gen++
	c.inFlight = false
	c.switching = false
	c.muting = false
	c.setStatusLocked(StatusFailed)
	c.log.Warn("playback: failed, falling back to static image",
		"attempts", c.attempts, "error", err)
}

func (c *Controller) resumeLocked() {
	c.stopResumeLocked()
	c.beginPlayLocked()
}

func (c *Controller) scheduleResumeLocked() {
	if c.opts.ResumeDelay < 0 {
		return
	}
	c.stopResumeLocked()
	gen := c.gen
	c.resume = c.opts.Clock.AfterFunc(c.opts.ResumeDelay, func() {
		c.mu.Lock()
		if gen != c.gen || c.res == nil {
			c.mu.Unlock()
			return
		}
		c.resume = nil
		if c.status == StatusPaused && !c.inFlight && !c.hidden {
			c.beginPlayLocked()
		}
		c.unlockAndFlush()
	})
}

func (c *Controller) forceMuteLocked() {
	res, ctx := c.res, c.ctx
	c.enqueueLocked(func() {
		opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		defer cancel()
		if err := res.SetMuted(opCtx, true); err != nil {
			c.log.Warn("playback: force mute", "error", err)
		}
	})
}

func (c *Controller) pauseResourceLocked() {
	res, ctx := c.res, c.ctx
	c.enqueueLocked(func() {
		opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		defer cancel()
		if err := res.Pause(opCtx); err != nil {
			c.log.Debug("playback: pause resource", "error", err)
		}
	})
}

func (c *Controller) stopTimersLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.stopResumeLocked()
}

func (c *Controller) stopResumeLocked() {
	if c.resume != nil {
		c.resume.Stop()
		c.resume = nil
	}
}

func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	prev := c.status
	c.status = s
	c.notifyLocked(Notification{Kind: NotifyStatus, Prev: prev})
}

func (c *Controller) setMutedLocked(m bool) {
	if c.muted == m {
		return
	}
	c.muted = m
	c.notifyLocked(Notification{Kind: NotifyMuted})
}

func (c *Controller) rejectLocked(err error) {
	c.lastReject = err
	c.notifyLocked(Notification{Kind: NotifyRejected, Err: err})
	c.log.Debug("playback: request rejected", "reason", err)
}

func (c *Controller) notifyLocked(n Notification) {
	n.Status = c.status
	n.Muted = c.muted
	n.Attempts = c.attempts
	n.At = c.opts.Clock.Now()
	c.queue = append(c.queue, n)
}

func (c *Controller) enqueueLocked(fn func()) {
	c.ops = append(c.ops, resourceOp{gen: c.gen, fn: fn})
}

// unlockAndFlush releases c.mu, then performs the side effects queued while
// it was held: releases synchronously, resource operations through the
// worker, notifications in FIFO order.
func (c *Controller) unlockAndFlush() {
	c.pending = append(c.pending, c.ops...)
	c.ops = nil
	start := len(c.pending) > 0 && !c.working
	if start {
		c.working = true
	}
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()

	for _, r := range releases {
		if err := r.Release(); err != nil {
			c.log.Warn("playback: release resource", "error", err)
		}
	}
	if start {
		go c.work()
	}
	c.flush()
}

// work runs pending resource operations one at a time until the queue is
// empty. Operations of a detached or failed generation are dropped.
func (c *Controller) work() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.working = false
			c.mu.Unlock()
			return
		}
		op := c.pending[0]
		c.pending[0] = resourceOp{}
		c.pending = c.pending[1:]
		stale := op.gen != c.gen
		c.mu.Unlock()

		if !stale {
			op.fn()
		}
	}
}

func (c *Controller) flush() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.queue) > 0 {
		batch := c.queue
		c.queue = nil
		subs := make([]func(Notification), 0, len(c.subs))
		for i := 0; i < c.nextSub; i++ {
			if fn, ok := c.subs[i]; ok {
				subs = append(subs, fn)
			}
		}
		c.mu.Unlock()
		for _, n := range batch {
			for _, fn := range subs {
				fn(n)
			}
		}
		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}
