package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/heromedia/clock"
)

// fakeResource scripts Play results in order. When block is set, Play waits
// on it before answering. calls logs play, pause and mute calls in the order
// they reached the element; paused mirrors the element after them.
type fakeResource struct {
	mu         sync.Mutex
	results    []error
	entered    int
	plays      int
	pauses     int
	loads      int
	released   int
	muted      []bool
	calls      []string
	paused     bool
	attrs      Attributes
	block      chan struct{}
	pauseDelay time.Duration
	loadErr    error
	sources    []Source
}

func (r *fakeResource) Configure(_ context.Context, a Attributes) error {
	r.mu.Lock()
	r.attrs = a
	r.mu.Unlock()
	return nil
}

func (r *fakeResource) Load(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	return r.loadErr
}

func (r *fakeResource) Play(ctx context.Context) error {
	r.mu.Lock()
	r.entered++
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plays++
	r.calls = append(r.calls, "play")
	if len(r.results) == 0 {
		r.paused = false
		return nil
	}
	err := r.results[0]
	r.results = r.results[1:]
	return err
}

func (r *fakeResource) Pause(context.Context) error {
	r.mu.Lock()
	d := r.pauseDelay
	r.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	r.mu.Lock()
	r.pauses++
	r.calls = append(r.calls, "pause")
	r.paused = true
	r.mu.Unlock()
	return nil
}

func (r *fakeResource) SetMuted(_ context.Context, m bool) error {
	r.mu.Lock()
	r.muted = append(r.muted, m)
	if m {
		r.calls = append(r.calls, "mute")
	} else {
		r.calls = append(r.calls, "unmute")
	}
	r.mu.Unlock()
	return nil
}

func (r *fakeResource) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeResource) Release() error {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
	return nil
}

func (r *fakeResource) count(p *int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *p
}

type switchingResource struct {
	*fakeResource
}

func (s switchingResource) NextSource(context.Context) (Source, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sources) == 0 {
		return Source{}, false, nil
	}
	src := s.sources[0]
	s.sources = s.sources[1:]
	return src, true, nil
}

type recorder struct {
	mu sync.Mutex
	ns []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	r.ns = append(r.ns, n)
	r.mu.Unlock()
}

func (r *recorder) kinds(k NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.ns {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) statuses() []Status {
	var out []Status
	for _, n := range r.kinds(NotifyStatus) {
		out = append(out, n.Status)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, c *Controller, want Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool { return c.Status() == want })
}

func newTestController(t *testing.T) (*Controller, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(Options{Clock: clk})
	rec := &recorder{}
	c.Subscribe(rec.add)
	return c, clk, rec
}

func waitPending(t *testing.T, clk *clock.Fake, want time.Duration) {
	t.Helper()
	waitFor(t, "pending timer "+want.String(), func() bool {
		for _, d := range clk.Pending() {
			if d == want {
				return true
			}
		}
		return false
	})
}

func TestAttachForcesMutedInline(t *testing.T) {
	c, _, _ := newTestController(t)
	res := &fakeResource{}
	if err := c.Attach(res, DefaultBudget()); err != nil {
		t.Fatal(err)
	}
	if c.Status() != StatusLoading {
		t.Fatalf("status = %s, want loading", c.Status())
	}
	s := c.State()
	if !s.Muted || !s.PlaysInline || !s.Loop {
		t.Fatalf("state = %+v, want muted inline loop", s)
	}
	waitFor(t, "load", func() bool { return res.count(&res.loads) == 1 })
	res.mu.Lock()
	attrs := res.attrs
	res.mu.Unlock()
	if !attrs.Muted || !attrs.PlaysInline {
		t.Fatalf("configured attrs = %+v", attrs)
	}
}

// An unmute reported by the element before the first play is undone and
// the first Playing still reports muted.
func TestUnmuteBeforeFirstPlayIsReverted(t *testing.T) {
	c, _, rec := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())

	c.HandleEvent(Event{Kind: EventMutedChanged, Muted: false})
	if !c.Muted() {
		t.Fatal("mirror unmuted before first play")
	}
	if !errors.Is(c.LastRejection(), ErrInvalidState) {
		t.Errorf("LastRejection = %v, want ErrInvalidState", c.LastRejection())
	}

	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)

	var first *Notification
	for _, n := range rec.kinds(NotifyStatus) {
		if n.Status == StatusPlaying {
			first = &n
			break
		}
	}
	if first == nil || !first.Muted {
		t.Fatalf("first playing notification = %+v, want muted", first)
	}
	calls := res.callLog()
	if len(calls) < 2 || calls[0] != "mute" || calls[1] != "play" {
		t.Errorf("calls = %v, want [mute play]", calls)
	}

	// Once playing, an external unmute is mirrored.
	c.HandleEvent(Event{Kind: EventMutedChanged, Muted: false})
	if c.Muted() {
		t.Error("unmute after first play not mirrored")
	}
}

func TestHappyPathPlays(t *testing.T) {
	c, _, rec := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)

	got := rec.statuses()
	want := []Status{StatusLoading, StatusReady, StatusPlaying}
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
	if !c.State().EverPlayed {
		t.Error("EverPlayed = false")
	}
}

// Three consecutive transient rejections with the default budget: delays of
// 300ms and 450ms, then Failed with the resource released.
func TestRetryBudgetExhausted(t *testing.T) {
	c, clk, rec := newTestController(t)
	notAllowed := &PlayError{Name: "NotAllowedError", Message: "play() failed because the user didn't interact"}
	res := &fakeResource{results: []error{notAllowed, notAllowed, notAllowed}}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})

	waitPending(t, clk, 300*time.Millisecond)
	if c.Attempts() != 1 || c.Status() != StatusLoading {
		t.Fatalf("after 1st: attempts=%d status=%s", c.Attempts(), c.Status())
	}

	clk.Advance(300 * time.Millisecond)
	waitPending(t, clk, 450*time.Millisecond)
	if c.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", c.Attempts())
	}

	clk.Advance(450 * time.Millisecond)
	waitStatus(t, c, StatusFailed)

	if got := res.count(&res.plays); got != 3 {
		t.Errorf("plays = %d, want 3", got)
	}
	if got := res.count(&res.released); got != 1 {
		t.Errorf("released = %d, want 1", got)
	}
	if p := clk.Pending(); len(p) != 0 {
		t.Errorf("pending timers after fail = %v", p)
	}

	waitFor(t, "3 attempt notifications", func() bool { return len(rec.kinds(NotifyAttempt)) == 3 })
	attempts := rec.kinds(NotifyAttempt)
	if attempts[0].Delay != 300*time.Millisecond || attempts[1].Delay != 450*time.Millisecond {
		t.Errorf("delays = %v, %v", attempts[0].Delay, attempts[1].Delay)
	}
	if attempts[2].Delay != 0 {
		t.Errorf("final attempt delay = %v, want 0", attempts[2].Delay)
	}

	// Failed is terminal for the element: nothing restarts it.
	c.HandleEvent(Event{Kind: EventCanPlay})
	c.SetVisibility(true)
	if c.Status() != StatusFailed {
		t.Errorf("status = %s after events, want failed", c.Status())
	}
}

func TestRetryThenSucceedResetsAttempts(t *testing.T) {
	c, clk, _ := newTestController(t)
	res := &fakeResource{results: []error{&PlayError{Name: "AbortError"}, nil}}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitPending(t, clk, 300*time.Millisecond)

	clk.Advance(300 * time.Millisecond)
	waitStatus(t, c, StatusPlaying)
	if c.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0", c.Attempts())
	}
}

func TestTwoTransientRejectionsThenPlays(t *testing.T) {
	c, clk, rec := newTestController(t)
	denied := &PlayError{Name: "NotAllowedError", Message: "play() failed because the user didn't interact with the document first"}
	res := &fakeResource{results: []error{denied, denied, nil}}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})

	waitPending(t, clk, 300*time.Millisecond)
	clk.Advance(300 * time.Millisecond)
	waitPending(t, clk, 450*time.Millisecond)
	clk.Advance(450 * time.Millisecond)
	waitStatus(t, c, StatusPlaying)

	if n := res.count(&res.plays); n != 3 {
		t.Errorf("plays = %d, want 3", n)
	}
	if c.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0", c.Attempts())
	}
	waitFor(t, "playing notification", func() bool {
		for _, st := range rec.statuses() {
			if st == StatusPlaying {
				return true
			}
		}
		return false
	})
	attempts := rec.kinds(NotifyAttempt)
	if len(attempts) != 2 || attempts[0].Class != ClassTransient || attempts[1].Delay != 450*time.Millisecond {
		t.Errorf("attempt notifications = %+v", attempts)
	}
	for _, n := range rec.kinds(NotifyStatus) {
		if n.Status == StatusPlaying {
			if !n.Muted {
				t.Error("first playing notification reported unmuted")
			}
			break
		}
	}
	if c.Status() == StatusFailed {
		t.Error("should not have failed")
	}
}

func TestPermanentRejectionFailsFast(t *testing.T) {
	c, clk, _ := newTestController(t)
	res := &fakeResource{results: []error{&PlayError{Name: "NotSupportedError", Message: "no supported source"}}}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusFailed)

	if c.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", c.Attempts())
	}
	if p := clk.Pending(); len(p) != 0 {
		t.Errorf("pending = %v, want none", p)
	}
}

func TestPermanentRejectionSwitchesSource(t *testing.T) {
	c, _, _ := newTestController(t)
	inner := &fakeResource{
		results: []error{&PlayError{Code: MediaErrSrcNotSupported, Message: "webm"}},
		sources: []Source{{URL: "/hero.mp4", MIMEType: "video/mp4"}},
	}
	c.Attach(switchingResource{inner}, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})

	waitFor(t, "second load", func() bool { return inner.count(&inner.loads) == 2 })
	waitFor(t, "switch settled", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.switching
	})
	if c.Status() != StatusLoading {
		t.Fatalf("status = %s, want loading", c.Status())
	}
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)
}

func TestVisibilityPausesAndResumes(t *testing.T) {
	c, _, _ := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)

	c.SetVisibility(false)
	if c.Status() != StatusPaused {
		t.Fatalf("status = %s, want paused", c.Status())
	}
	waitFor(t, "pause call", func() bool { return res.count(&res.pauses) == 1 })

	c.SetVisibility(true)
	waitStatus(t, c, StatusPlaying)
	if c.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0", c.Attempts())
	}
	if got := res.count(&res.plays); got != 2 {
		t.Errorf("plays = %d, want 2", got)
	}
}

// A slow pause must land before the play that follows it, so the element
// ends up playing when the controller says so.
func TestHideShowReachesElementInOrder(t *testing.T) {
	c, _, _ := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)

	res.mu.Lock()
	res.pauseDelay = 50 * time.Millisecond
	res.mu.Unlock()

	c.SetVisibility(false)
	c.SetVisibility(true)
	waitFor(t, "second play", func() bool { return res.count(&res.plays) == 2 })
	waitStatus(t, c, StatusPlaying)

	calls := res.callLog()
	want := []string{"play", "pause", "play"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	res.mu.Lock()
	paused := res.paused
	res.mu.Unlock()
	if paused {
		t.Error("controller reports playing but element is paused")
	}
}

func TestDetachDuringInFlightPlay(t *testing.T) {
	c, _, rec := newTestController(t)
	block := make(chan struct{})
	res := &fakeResource{block: block}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitFor(t, "play in flight", func() bool { return res.count(&res.entered) == 1 })

	c.Detach()
	if c.Status() != StatusIdle {
		t.Fatalf("status = %s, want idle", c.Status())
	}
	close(block)
	waitFor(t, "play answered", func() bool { return res.count(&res.plays) == 1 })
	time.Sleep(10 * time.Millisecond)

	if c.Status() != StatusIdle {
		t.Errorf("stale play result changed status to %s", c.Status())
	}
	for _, s := range rec.statuses() {
		if s == StatusPlaying {
			t.Error("observed playing after detach")
		}
	}
	if got := res.count(&res.released); got != 1 {
		t.Errorf("released = %d, want 1", got)
	}

	c.Detach()
	if got := res.count(&res.released); got != 1 {
		t.Errorf("second detach released again: %d", got)
	}
}

func TestDetachCancelsRetry(t *testing.T) {
	c, clk, _ := newTestController(t)
	res := &fakeResource{results: []error{&PlayError{Name: "AbortError"}}}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitPending(t, clk, 300*time.Millisecond)

	c.Detach()
	if p := clk.Pending(); len(p) != 0 {
		t.Fatalf("pending after detach = %v", p)
	}
	clk.Advance(time.Second)
	if got := res.count(&res.plays); got != 1 {
		t.Errorf("plays = %d, want 1", got)
	}
}

func TestDoubleAttachRejected(t *testing.T) {
	c, _, rec := newTestController(t)
	c.Attach(&fakeResource{}, DefaultBudget())
	err := c.Attach(&fakeResource{}, DefaultBudget())
	if !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("err = %v, want ErrAlreadyAttached", err)
	}
	waitFor(t, "rejection notified", func() bool { return len(rec.kinds(NotifyRejected)) == 1 })
	if c.Status() != StatusLoading {
		t.Errorf("status = %s, want loading", c.Status())
	}
}

func TestAttachNilResource(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.Attach(nil, DefaultBudget()); !errors.Is(err, ErrNilResource) {
		t.Fatalf("err = %v", err)
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %s", c.Status())
	}
}

func TestToggleMuteRejectedWhileLoading(t *testing.T) {
	c, _, _ := newTestController(t)
	c.Attach(&fakeResource{}, DefaultBudget())
	err := c.ToggleMute()
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if !c.Muted() {
		t.Error("muted flag changed")
	}
	if !errors.Is(c.LastRejection(), ErrInvalidState) {
		t.Errorf("LastRejection = %v", c.LastRejection())
	}
}

func TestToggleMuteWhilePlaying(t *testing.T) {
	c, _, rec := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)

	if err := c.ToggleMute(); err != nil {
		t.Fatal(err)
	}
	if c.Muted() {
		t.Fatal("still muted")
	}
	if err := c.ToggleMute(); err != nil {
		t.Fatal(err)
	}
	if !c.Muted() {
		t.Fatal("not muted after second toggle")
	}
	waitFor(t, "2 muted notifications", func() bool { return len(rec.kinds(NotifyMuted)) == 2 })
	res.mu.Lock()
	calls := append([]bool(nil), res.muted...)
	res.mu.Unlock()
	if len(calls) != 2 || calls[0] || !calls[1] {
		t.Errorf("SetMuted calls = %v", calls)
	}
}

func TestUnmuteWhilePausedResumes(t *testing.T) {
	c, _, _ := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)

	c.HandleEvent(Event{Kind: EventPause})
	if c.Status() != StatusPaused {
		t.Fatalf("status = %s", c.Status())
	}
	if err := c.ToggleMute(); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, StatusPlaying)
	if c.Muted() {
		t.Error("muted after unmute")
	}
}

func TestPolicyPauseAutoResumes(t *testing.T) {
	c, clk, _ := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)

	c.HandleEvent(Event{Kind: EventPause})
	if c.Status() != StatusPaused {
		t.Fatalf("status = %s", c.Status())
	}
	clk.Advance(100 * time.Millisecond)
	waitStatus(t, c, StatusPlaying)
	if c.Attempts() != 0 {
		t.Errorf("attempts = %d", c.Attempts())
	}
}

func TestErrorWhilePlayingForcesMute(t *testing.T) {
	c, clk, _ := newTestController(t)
	res := &fakeResource{}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusPlaying)
	c.ToggleMute()

	c.HandleEvent(Event{Kind: EventError, Err: &PlayError{Code: MediaErrNetwork, Message: "stalled"}})
	if !c.Muted() {
		t.Error("not re-muted on retry")
	}
	if c.Status() != StatusLoading || c.Attempts() != 1 {
		t.Fatalf("status=%s attempts=%d", c.Status(), c.Attempts())
	}
	waitPending(t, clk, 300*time.Millisecond)
	clk.Advance(300 * time.Millisecond)
	waitStatus(t, c, StatusPlaying)
}

func TestErrorIgnoredWhilePlayInFlight(t *testing.T) {
	c, _, _ := newTestController(t)
	block := make(chan struct{})
	res := &fakeResource{block: block}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})

	c.HandleEvent(Event{Kind: EventError, Err: errors.New("late error")})
	if c.Attempts() != 0 {
		t.Fatalf("attempts = %d, want 0", c.Attempts())
	}
	close(block)
	waitStatus(t, c, StatusPlaying)
}

func TestCanPlayWhileInFlightDoesNotDoublePlay(t *testing.T) {
	c, _, _ := newTestController(t)
	block := make(chan struct{})
	res := &fakeResource{block: block}
	c.Attach(res, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	c.HandleEvent(Event{Kind: EventCanPlay})
	c.HandleEvent(Event{Kind: EventCanPlay})
	close(block)
	waitStatus(t, c, StatusPlaying)
	time.Sleep(10 * time.Millisecond)
	if got := res.count(&res.plays); got != 1 {
		t.Errorf("plays = %d, want 1", got)
	}
}

func TestLoadFailureCountsAsAttempt(t *testing.T) {
	c, clk, _ := newTestController(t)
	res := &fakeResource{loadErr: errors.New("net::ERR_CONNECTION_RESET network")}
	c.Attach(res, Budget{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond, BackoffMultiplier: 2})
	waitPending(t, clk, 50*time.Millisecond)
	if c.Attempts() != 1 {
		t.Fatalf("attempts = %d", c.Attempts())
	}
}

func TestReattachAfterFailure(t *testing.T) {
	c, _, _ := newTestController(t)
	c.Attach(&fakeResource{results: []error{&PlayError{Name: "NotSupportedError"}}}, DefaultBudget())
	c.HandleEvent(Event{Kind: EventCanPlay})
	waitStatus(t, c, StatusFailed)

	if err := c.Attach(&fakeResource{}, DefaultBudget()); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if c.Attempts() != 0 || c.Status() != StatusLoading {
		t.Errorf("attempts=%d status=%s", c.Attempts(), c.Status())
	}
}

func TestSubscriberMayCallBack(t *testing.T) {
	c, _, _ := newTestController(t)
	var mu sync.Mutex
	var seen []bool
	c.Subscribe(func(n Notification) {
		m := c.Muted()
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})
	c.Attach(&fakeResource{}, DefaultBudget())
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no notification delivered")
	}
}

func TestBudgetDelay(t *testing.T) {
	b := DefaultBudget()
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 300 * time.Millisecond},
		{2, 450 * time.Millisecond},
		{3, 675 * time.Millisecond},
		{0, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	odd := Budget{MaxAttempts: 0, BaseDelay: -1, BackoffMultiplier: 0.5}.normalize()
	if odd.MaxAttempts != 1 || odd.BaseDelay != 0 || odd.BackoffMultiplier != 1 {
		t.Errorf("normalize = %+v", odd)
	}
}
