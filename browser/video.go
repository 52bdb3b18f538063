package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/heromedia/playback"
)

//go:embed video.js
var videoJS string

const videoBinding = "__heromedia_video"

// EventSink receives the media and visibility events of a Video.
// *playback.Controller implements it.
type EventSink interface {
	HandleEvent(ev playback.Event)
	SetVisibility(visible bool)
}

// Video is a <video> element of a page, addressed by CSS selector. It
// implements playback.Resource and playback.SourceSwitcher.
type Video struct {
	page     *rod.Page
	selector string
	log      *slog.Logger

	mu      sync.Mutex
	sources []playback.Source
	idx     int
	cancel  context.CancelFunc
}

var (
	_ playback.Resource       = (*Video)(nil)
	_ playback.SourceSwitcher = (*Video)(nil)
)

// NewVideo binds the element matching selector. sources is the fallback
// list tried in order on permanent rejections; the first entry is the one
// the page already loads and may be empty.
func NewVideo(page *rod.Page, selector string, sources []playback.Source, logger *slog.Logger) *Video {
	if logger == nil {
		logger = slog.Default()
	}
	return &Video{page: page, selector: selector, sources: sources, log: logger}
}

func (v *Video) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	return v.page.Context(ctx).Eval(js, append([]any{v.selector}, args...)...)
}

// Configure sets muted, inline and loop flags as both properties and
// attributes so the markup agrees with the element state.
func (v *Video) Configure(ctx context.Context, attrs playback.Attributes) error {
	_, err := v.eval(ctx, `(sel, muted, inline, loop) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('video not found: ' + sel);
		el.muted = muted; el.defaultMuted = muted;
		el.playsInline = inline;
		el.loop = loop;
		const flag = (name, on) => on ? el.setAttribute(name, '') : el.removeAttribute(name);
		flag('muted', muted); flag('playsinline', inline); flag('webkit-playsinline', inline); flag('loop', loop);
	}`, attrs.Muted, attrs.PlaysInline, attrs.Loop)
	if err != nil {
		return fmt.Errorf("browser: configure video: %w", err)
	}
	return nil
}

func (v *Video) Load(ctx context.Context) error {
	_, err := v.eval(ctx, `(sel) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('video not found: ' + sel);
		el.load();
	}`)
	if err != nil {
		return fmt.Errorf("browser: load video: %w", err)
	}
	return nil
}

// Play resolves when the element's play promise settles. A rejection is
// returned as *playback.PlayError carrying the DOMException name.
func (v *Video) Play(ctx context.Context) error {
	res, err := v.eval(ctx, `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return {name: 'NotFoundError', message: 'video not found: ' + sel};
		return el.play().then(() => null, (e) => ({name: e.name || 'Error', message: e.message || String(e)}));
	}`)
	if err != nil {
		return fmt.Errorf("browser: play video: %w", err)
	}
	return decodePlayResult(res.Value.JSON("", ""))
}

func decodePlayResult(raw string) error {
	if raw == "" || raw == "null" {
		return nil
	}
	var rej struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &rej); err != nil {
		return fmt.Errorf("browser: decode play result: %w", err)
	}
	return &playback.PlayError{Name: rej.Name, Message: rej.Message}
}

func (v *Video) Pause(ctx context.Context) error {
	_, err := v.eval(ctx, `(sel) => { const el = document.querySelector(sel); if (el) el.pause(); }`)
	if err != nil {
		return fmt.Errorf("browser: pause video: %w", err)
	}
	return nil
}

func (v *Video) SetMuted(ctx context.Context, muted bool) error {
	_, err := v.eval(ctx, `(sel, muted) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('video not found: ' + sel);
		el.muted = muted;
	}`, muted)
	if err != nil {
		return fmt.Errorf("browser: set muted: %w", err)
	}
	return nil
}

// NextSource points the element at the next fallback source.
func (v *Video) NextSource(ctx context.Context) (playback.Source, bool, error) {
	v.mu.Lock()
	if v.idx+1 >= len(v.sources) {
		v.mu.Unlock()
		return playback.Source{}, false, nil
	}
	v.idx++
	src := v.sources[v.idx]
	v.mu.Unlock()

	_, err := v.eval(ctx, `(sel, url, type) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('video not found: ' + sel);
		el.querySelectorAll('source').forEach((s) => s.remove());
		const s = document.createElement('source');
		s.src = url;
		if (type) s.type = type;
		el.removeAttribute('src');
		el.appendChild(s);
	}`, src.URL, src.MIMEType)
	if err != nil {
		return src, false, fmt.Errorf("browser: switch source: %w", err)
	}
	v.log.Info("browser: video source switched", "url", src.URL, "type", src.MIMEType)
	return src, true, nil
}

// Release pauses the element, removes its listeners and stops forwarding
// events. The element stays in the page so the poster remains visible.
func (v *Video) Release() error {
	v.mu.Lock()
	cancel := v.cancel
	v.cancel = nil
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_, err := v.eval(ctx, `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return;
		el.pause();
		if (el.__hmUnlisten) el.__hmUnlisten();
	}`)
	if err != nil {
		return fmt.Errorf("browser: release video: %w", err)
	}
	return nil
}

// Listen installs the element's event listeners and forwards them to sink
// until ctx is done or the video is released.
func (v *Video) Listen(ctx context.Context, sink EventSink) error {
	if err := (proto.RuntimeAddBinding{Name: videoBinding}).Call(v.page); err != nil {
		v.log.Warn("browser: addBinding failed (may already exist)", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
	}
	v.cancel = cancel
	v.mu.Unlock()

	go v.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != videoBinding {
			return
		}
		msg, err := decodeVideoMessage(e.Payload)
		if err != nil {
			v.log.Warn("browser: parse video binding payload", "error", err)
			return
		}
		msg.dispatch(sink)
	})()

	res, err := v.eval(ctx, videoJS, videoBinding)
	if err != nil {
		cancel()
		return fmt.Errorf("browser: inject video listeners: %w", err)
	}
	if !res.Value.Bool() {
		cancel()
		return fmt.Errorf("browser: video not found: %s", v.selector)
	}
	return nil
}

type videoMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Muted   bool   `json:"muted"`
	Visible bool   `json:"visible"`
}

func decodeVideoMessage(payload string) (videoMessage, error) {
	var m videoMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return m, err
	}
	return m, nil
}

func (m videoMessage) dispatch(sink EventSink) {
	switch m.Type {
	case "canplay":
		sink.HandleEvent(playback.Event{Kind: playback.EventCanPlay})
	case "pause":
		sink.HandleEvent(playback.Event{Kind: playback.EventPause})
	case "error":
		sink.HandleEvent(playback.Event{Kind: playback.EventError, Err: &playback.PlayError{
			Name:    "MediaError",
			Code:    m.Code,
			Message: m.Message,
		}})
	case "volumechange":
		sink.HandleEvent(playback.Event{Kind: playback.EventMutedChanged, Muted: m.Muted})
	case "visibility":
		sink.SetVisibility(m.Visible)
	case "gesture":
		sink.HandleEvent(playback.Event{Kind: playback.EventGesture})
	}
}
