package domwatch

import "github.com/hazyhaar/heromedia/domwatch/mutation"

// Document is the page the reprocessor optimises.
type Document interface {
	// Elements returns the qualifying img and video elements currently
	// attached. With no keys it returns all of them; otherwise only those
	// whose key is listed and still attached.
	Elements(keys ...string) ([]Element, error)
	// ViewportHeight is the current viewport height in CSS pixels.
	ViewportHeight() float64
	// Observe installs a mutation watcher on the document root. fn may be
	// called from any goroutine. The returned stop removes the watcher.
	Observe(fn func([]mutation.Record)) (stop func(), err error)
}

// Element is one img or video element.
type Element interface {
	// Key is a stable identity assigned when the element was first seen.
	Key() string
	// Tag is the lower-case tag name.
	Tag() string
	Attr(name string) (string, bool)
	SetAttr(name, value string) error
	SetStyle(prop, value string) error
	// Top is the distance in pixels between the viewport top and the element
	// top; negative once scrolled past.
	Top() float64
	// Complete reports whether an image has already finished loading.
	Complete() bool
	// OnLoad calls fn once when the element loads (ok) or fails (!ok).
	OnLoad(fn func(ok bool)) (cancel func())
}

// Retainer is implemented by elements that can be pinned so the platform
// does not evict their decoded data while they stay near the viewport.
type Retainer interface {
	Retain() error
	Release() error
}

// Attribute and style names written by the reprocessor.
const (
	AttrKey             = "data-hm-key"
	AttrOptimized       = "data-hm-optimized"
	AttrLoaded          = "data-img-loaded"
	AttrExclude         = "data-exclude-optimization"
	AttrNoLoadedClass   = "data-no-loaded-class"
	AttrPriority        = "priority"
	AttrFetchPriority   = "fetchpriority"
	AttrDecoding        = "decoding"
	AttrLoading         = "loading"
	AttrPlaysInline     = "playsinline"
	AttrWebkitInline    = "webkit-playsinline"
	AttrMuted           = "muted"
	StyleTransform      = "transform"
	StyleBackface       = "backface-visibility"
	StyleOpacity        = "opacity"
	StyleDisplay        = "display"
	valueTranslateZ     = "translateZ(0)"
	valueBackfaceHidden = "hidden"
)
