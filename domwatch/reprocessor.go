// Package domwatch optimises the img and video elements of a page as they
// appear. One Reprocessor serves a whole page: it installs a single mutation
// watcher, collapses bursts of mutations into one deferred pass per frame
// and applies its attribute set exactly once per element identity.
package domwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/heromedia/clock"
	"github.com/hazyhaar/heromedia/domwatch/mutation"
)

// Stats are cumulative counters of a Reprocessor.
type Stats struct {
	Passes         int `json:"passes"`
	CatchupPasses  int `json:"catchup_passes"`
	Scheduled      int `json:"scheduled"`
	Coalesced      int `json:"coalesced"`
	Optimized      int `json:"optimized"`
	Skipped        int `json:"skipped"`
	Excluded       int `json:"excluded"`
	LoadedComplete int `json:"loaded_complete"`
	LoadedEvent    int `json:"loaded_event"`
	LoadedError    int `json:"loaded_error"`
	LoadedTimeout  int `json:"loaded_timeout"`
	PendingLoads   int `json:"pending_loads"`
	Registered     int `json:"registered"`
	Cached         int `json:"cached"`
	Evicted        int `json:"evicted"`
}

type loadWatch struct {
	el     Element
	timer  clock.Timer
	cancel func()
}

// Reprocessor applies the optimisation set to a Document.
type Reprocessor struct {
	doc      Document
	opts     Options
	log      *slog.Logger
	registry *Registry
	cache    *Cache

	mu      sync.Mutex
	started bool
	gen     uint64
	stopObs func()
	stopCtx func() bool
	pending bool // a pass is scheduled or running
	running bool
	dirty   bool // qualifying mutations arrived while running
	full    bool
	keys    map[string]struct{}
	loads   map[string]*loadWatch
	seq     uint64
	stats   Stats
}

// New creates a Reprocessor for doc. Call Start to begin.
func New(doc Document, opts Options) *Reprocessor {
	opts.defaults()
	return &Reprocessor{
		doc:      doc,
		opts:     opts,
		log:      opts.Logger,
		registry: NewRegistry(),
		cache:    NewCache(opts.MaxCacheSize),
		keys:     make(map[string]struct{}),
		loads:    make(map[string]*loadWatch),
	}
}

// Start installs the mutation watcher and runs the initial full pass.
// Calling it while started is a no-op. Cancelling ctx stops the reprocessor.
func (r *Reprocessor) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	stop, err := r.doc.Observe(func(recs []mutation.Record) { r.onMutations(gen, recs) })
	if err != nil {
		r.mu.Lock()
		if r.gen == gen {
			r.started = false
		}
		r.mu.Unlock()
		return fmt.Errorf("domwatch: observe: %w", err)
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		stop()
		return nil
	}
	r.stopObs = stop
	r.stopCtx = context.AfterFunc(ctx, r.Stop)
	r.full = true
	r.pending = true
	r.mu.Unlock()

	r.log.Info("domwatch: reprocessor started", "url", r.opts.PageURL)
	r.runPass(gen, false)
	return nil
}

// Stop removes the watcher, cancels pending load timers, releases the
// keep-alive cache and clears the registry.
func (r *Reprocessor) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.gen++
	stopObs, stopCtx := r.stopObs, r.stopCtx
	r.stopObs, r.stopCtx = nil, nil
	loads := r.loads
	r.loads = make(map[string]*loadWatch)
	r.keys = make(map[string]struct{})
	r.pending, r.running, r.dirty, r.full = false, false, false, false
	r.mu.Unlock()

	if stopCtx != nil {
		stopCtx()
	}
	if stopObs != nil {
		stopObs()
	}
	for _, w := range loads {
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.cancel != nil {
			w.cancel()
		}
	}
	r.cache.Clear()
	r.registry.Reset()
	r.log.Info("domwatch: reprocessor stopped", "url", r.opts.PageURL)
}

// Optimized reports whether the element with key has been processed.
func (r *Reprocessor) Optimized(key string) bool {
	return r.registry.Has(key)
}

// CachedKeys lists the keep-alive cache from oldest to newest.
func (r *Reprocessor) CachedKeys() []string {
	return r.cache.Keys()
}

// Stats returns a snapshot of the counters.
func (r *Reprocessor) Stats() Stats {
	r.mu.Lock()
	s := r.stats
	s.PendingLoads = len(r.loads)
	r.mu.Unlock()
	s.Registered = r.registry.Len()
	s.Cached = r.cache.Len()
	s.Evicted = r.cache.Evicted()
	return s
}

// onMutations runs on the watcher's goroutine and only qualifies records.
func (r *Reprocessor) onMutations(gen uint64, recs []mutation.Record) {
	var keys []string
	full := false
	for _, rec := range recs {
		if !rec.Qualifies() {
			continue
		}
		if rec.Op == mutation.OpDocReset {
			full = true
			continue
		}
		keys = append(keys, rec.MediaKeys...)
	}
	if len(keys) == 0 && !full {
		return
	}
	r.scheduleBatch(gen, keys, full)
}

func (r *Reprocessor) scheduleBatch(gen uint64, keys []string, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || gen != r.gen {
		return
	}
	for _, k := range keys {
		r.keys[k] = struct{}{}
	}
	if full {
		r.full = true
	}
	if r.pending {
		if r.running {
			r.dirty = true
		}
		r.stats.Coalesced++
		return
	}
	r.pending = true
	r.stats.Scheduled++
	r.opts.Frames.Schedule(func() { r.runPass(gen, false) })
}

func (r *Reprocessor) runPass(gen uint64, catchup bool) {
	r.mu.Lock()
	if !r.started || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.running = true
	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	r.keys = make(map[string]struct{})
	full := r.full
	r.full = false
	r.mu.Unlock()

	sort.Strings(keys)
	report := r.process(gen, keys, full)
	report.Catchup = catchup

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.pending = false
	r.stats.Passes++
	if catchup {
		r.stats.CatchupPasses++
	}
	r.seq++
	report.Seq = r.seq
	if r.dirty {
		// One more pass picks up what arrived while this one ran.
		r.dirty = false
		r.pending = true
		r.stats.Scheduled++
		r.opts.Frames.Schedule(func() { r.runPass(gen, true) })
	}
	r.mu.Unlock()

	r.log.Debug("domwatch: pass done",
		"seq", report.Seq, "optimized", len(report.Keys),
		"skipped", report.Skipped, "full", report.Full, "catchup", catchup)
	if r.opts.OnPass != nil {
		r.opts.OnPass(report)
	}
}

func (r *Reprocessor) process(gen uint64, keys []string, full bool) mutation.Batch {
	report := mutation.Batch{
		ID:        r.opts.NewID(),
		PageURL:   r.opts.PageURL,
		Full:      full,
		Timestamp: r.opts.Clock.Now().UnixMilli(),
	}
	if !full && len(keys) == 0 {
		return report
	}

	var els []Element
	var err error
	if full {
		els, err = r.doc.Elements()
	} else {
		els, err = r.doc.Elements(keys...)
	}
	if err != nil {
		r.log.Warn("domwatch: query elements", "error", err, "full", full)
		return report
	}

	viewport := r.doc.ViewportHeight()
	excluded := 0
	for _, el := range els {
		if !r.current(gen) {
			break
		}
		if _, ok := el.Attr(AttrExclude); ok {
			excluded++
			continue
		}
		key := el.Key()
		if !r.registry.Claim(key) {
			report.Skipped++
			continue
		}
		r.optimize(gen, el, viewport)
		report.Keys = append(report.Keys, key)
	}

	r.mu.Lock()
	r.stats.Optimized += len(report.Keys)
	r.stats.Skipped += report.Skipped
	r.stats.Excluded += excluded
	r.mu.Unlock()
	return report
}

func (r *Reprocessor) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && gen == r.gen
}

// optimize writes the attribute set. The caller has claimed el.
func (r *Reprocessor) optimize(gen uint64, el Element, viewport float64) {
	w := attrWriter{el: el}
	tag := el.Tag()
	eager := r.opts.Eager(el.Top(), viewport)

	switch tag {
	case "img":
		if isPriority(el) {
			eager = true
			w.attr(AttrFetchPriority, "high")
		}
		w.attr(AttrDecoding, "async")
		if eager {
			w.attr(AttrLoading, "eager")
		} else {
			w.attr(AttrLoading, "lazy")
		}
	case "video":
		w.attr(AttrPlaysInline, "")
		w.attr(AttrWebkitInline, "")
		w.attr(AttrMuted, "")
	}
	w.style(StyleTransform, valueTranslateZ)
	w.style(StyleBackface, valueBackfaceHidden)
	w.attr(AttrOptimized, "true")

	if w.err != nil {
		r.log.Debug("domwatch: optimise element", "key", el.Key(), "error", w.err)
	}

	if eager {
		if evicted := r.cache.Add(el); len(evicted) > 0 {
			r.log.Debug("domwatch: keep-alive eviction", "evicted", len(evicted))
		}
	}

	if r.opts.OnOptimized != nil {
		r.opts.OnOptimized(el.Key(), tag)
	}

	if tag == "img" {
		if _, ok := el.Attr(AttrNoLoadedClass); !ok {
			r.watchLoad(gen, el)
		}
	}
}

func isPriority(el Element) bool {
	if _, ok := el.Attr(AttrPriority); ok {
		return true
	}
	v, _ := el.Attr(AttrFetchPriority)
	return v == "high"
}

func (r *Reprocessor) watchLoad(gen uint64, el Element) {
	key := el.Key()
	if el.Complete() {
		r.mu.Lock()
		r.stats.LoadedComplete++
		r.mu.Unlock()
		r.markLoaded(el, LoadComplete)
		return
	}

	w := &loadWatch{el: el}
	r.mu.Lock()
	if !r.started || gen != r.gen {
		r.mu.Unlock()
		return
	}
	if _, dup := r.loads[key]; dup {
		r.mu.Unlock()
		return
	}
	r.loads[key] = w
	w.timer = r.opts.Clock.AfterFunc(r.opts.ImageLoadTimeout, func() {
		r.settle(gen, key, LoadTimeout)
	})
	r.mu.Unlock()

	cancel := el.OnLoad(func(ok bool) {
		reason := LoadEvent
		if !ok {
			reason = LoadError
		}
		r.settle(gen, key, reason)
	})

	r.mu.Lock()
	if cur, ok := r.loads[key]; ok && cur == w {
		w.cancel = cancel
		cancel = nil
	}
	r.mu.Unlock()
	if cancel != nil {
		// Settled synchronously or stopped meanwhile.
		cancel()
	}
}

func (r *Reprocessor) settle(gen uint64, key string, reason LoadReason) {
	r.mu.Lock()
	w, ok := r.loads[key]
	if !ok || gen != r.gen {
		r.mu.Unlock()
		return
	}
	delete(r.loads, key)
	switch reason {
	case LoadEvent:
		r.stats.LoadedEvent++
	case LoadError:
		r.stats.LoadedError++
	case LoadTimeout:
		r.stats.LoadedTimeout++
	}
	r.mu.Unlock()

	if reason != LoadTimeout && w.timer != nil {
		w.timer.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}
	r.markLoaded(w.el, reason)
}

func (r *Reprocessor) markLoaded(el Element, reason LoadReason) {
	w := attrWriter{el: el}
	if reason == LoadError {
		w.style(StyleDisplay, "none")
	}
	w.attr(AttrLoaded, "true")
	w.style(StyleOpacity, "1")
	if w.err != nil {
		r.log.Debug("domwatch: mark loaded", "key", el.Key(), "error", w.err)
	}
	if reason == LoadTimeout {
		r.log.Debug("domwatch: image load timed out, marked loaded", "key", el.Key())
	}
	if r.opts.OnLoaded != nil {
		r.opts.OnLoaded(el.Key(), reason)
	}
}

// attrWriter keeps the first write error and carries on.
type attrWriter struct {
	el  Element
	err error
}

func (w *attrWriter) attr(name, value string) {
	if err := w.el.SetAttr(name, value); err != nil && w.err == nil {
		w.err = fmt.Errorf("set %s: %w", name, err)
	}
}

func (w *attrWriter) style(prop, value string) {
	if err := w.el.SetStyle(prop, value); err != nil && w.err == nil {
		w.err = fmt.Errorf("style %s: %w", prop, err)
	}
}
