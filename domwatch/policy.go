package domwatch

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/heromedia/clock"
	"github.com/hazyhaar/heromedia/domwatch/mutation"
	"github.com/hazyhaar/heromedia/idgen"
)

// Options configures a Reprocessor.
type Options struct {
	// LazyLoadMarginPx is the distance below the viewport top within which an
	// image is loaded eagerly. Zero means 1.5 viewport heights.
	LazyLoadMarginPx float64
	// ImageLoadTimeout marks an image loaded when neither load nor error
	// fired in time. Default: 10s.
	ImageLoadTimeout time.Duration
	// MaxCacheSize bounds the keep-alive cache. Default: 50.
	MaxCacheSize int

	// PageURL is copied into pass reports.
	PageURL string

	Clock  clock.Clock
	Frames FrameScheduler
	NewID  idgen.Generator
	Logger *slog.Logger

	// OnOptimized is called once per element after its attributes are set.
	OnOptimized func(key, tag string)
	// OnLoaded is called once per image when it is marked loaded.
	OnLoaded func(key string, reason LoadReason)
	// OnPass is called after each reprocessing pass.
	OnPass func(report mutation.Batch)
}

func (o *Options) defaults() {
	if o.ImageLoadTimeout <= 0 {
		o.ImageLoadTimeout = 10 * time.Second
	}
	if o.MaxCacheSize <= 0 {
		o.MaxCacheSize = 50
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Frames == nil {
		o.Frames = NewClockFrames(o.Clock, 0)
	}
	if o.NewID == nil {
		o.NewID = idgen.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// eagerThreshold returns the lazy-load boundary for a viewport height.
func (o *Options) eagerThreshold(viewport float64) float64 {
	if o.LazyLoadMarginPx > 0 {
		return o.LazyLoadMarginPx
	}
	return 1.5 * viewport
}

// Eager reports whether an element whose top is at top pixels, relative to
// the viewport, should load eagerly. Elements within the margin above or
// below the viewport qualify. The initial pass and batch passes both go
// through it.
func (o *Options) Eager(top, viewport float64) bool {
	t := o.eagerThreshold(viewport)
	return top > -t && top < t
}

// LoadReason tells how an image came to be marked loaded.
type LoadReason string

const (
	LoadComplete LoadReason = "complete" // already loaded when processed
	LoadEvent    LoadReason = "load"
	LoadError    LoadReason = "error"
	LoadTimeout  LoadReason = "timeout"
)
