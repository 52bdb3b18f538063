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

	"github.com/hazyhaar/heromedia/domwatch"
	"github.com/hazyhaar/heromedia/domwatch/mutation"
)

//go:embed dom.js
var domJS string

const domBinding = "__heromedia_dom"

// Document is the live DOM of a page. Elements are identified by the
// data-hm-key attribute stamped in the page.
type Document struct {
	page    *rod.Page
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	observer func([]mutation.Record)
	loads    map[string]map[int]func(bool)
	nextLoad int
}

var _ domwatch.Document = (*Document)(nil)

// NewDocument binds page and starts receiving its binding calls until ctx
// is done or Close is called. timeout bounds each element operation.
func NewDocument(ctx context.Context, page *rod.Page, timeout time.Duration, logger *slog.Logger) (*Document, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := (proto.RuntimeAddBinding{Name: domBinding}).Call(page); err != nil {
		logger.Warn("browser: addBinding failed (may already exist)", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Document{
		page:    page,
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		log:     logger,
		loads:   make(map[string]map[int]func(bool)),
	}
	go d.listen()
	return d, nil
}

// Close stops receiving binding calls.
func (d *Document) Close() {
	d.cancel()
}

func (d *Document) eval(js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	return d.page.Context(d.ctx).Timeout(d.timeout).Eval(js, args...)
}

func (d *Document) listen() {
	d.page.Context(d.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != domBinding {
			return
		}
		msg, err := decodeDOMMessage(e.Payload)
		if err != nil {
			d.log.Warn("browser: parse dom binding payload", "error", err)
			return
		}
		switch msg.Type {
		case "mutations":
			d.mu.Lock()
			fn := d.observer
			d.mu.Unlock()
			if fn != nil {
				fn(msg.Records)
			}
		case "load":
			d.mu.Lock()
			fns := d.loads[msg.Key]
			delete(d.loads, msg.Key)
			d.mu.Unlock()
			// Listeners write back to the page; keep them off the event loop.
			for _, fn := range fns {
				go fn(msg.OK)
			}
		}
	})()
}

type domMessage struct {
	Type    string
	Records []mutation.Record
	Key     string
	OK      bool
}

func decodeDOMMessage(payload string) (domMessage, error) {
	var raw struct {
		Type    string          `json:"type"`
		Records json.RawMessage `json:"records"`
		Key     string          `json:"key"`
		OK      bool            `json:"ok"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return domMessage{}, err
	}
	m := domMessage{Type: raw.Type, Key: raw.Key, OK: raw.OK}
	if len(raw.Records) > 0 && string(raw.Records) != "null" {
		recs, err := mutation.UnmarshalRecords(raw.Records)
		if err != nil {
			return domMessage{}, err
		}
		m.Records = recs
	}
	return m, nil
}

// Observe injects the mutation watcher. Only one observer is supported.
func (d *Document) Observe(fn func([]mutation.Record)) (func(), error) {
	d.mu.Lock()
	if d.observer != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("browser: document already observed")
	}
	d.observer = fn
	d.mu.Unlock()

	if _, err := d.eval(domJS, domBinding); err != nil {
		d.mu.Lock()
		d.observer = nil
		d.mu.Unlock()
		return nil, fmt.Errorf("browser: inject dom watcher: %w", err)
	}

	return func() {
		d.mu.Lock()
		d.observer = nil
		d.mu.Unlock()
		if _, err := d.eval(`() => { if (window.__hmDomStop) window.__hmDomStop(); if (window.__hmKeep) window.__hmKeep.clear(); }`); err != nil {
			d.log.Debug("browser: remove dom watcher", "error", err)
		}
	}, nil
}

// ViewportHeight returns window.innerHeight.
func (d *Document) ViewportHeight() float64 {
	res, err := d.eval(`() => window.innerHeight`)
	if err != nil {
		d.log.Debug("browser: viewport height", "error", err)
		return 0
	}
	return res.Value.Num()
}

// Elements stamps keys on the page's media elements and returns them.
func (d *Document) Elements(keys ...string) ([]domwatch.Element, error) {
	res, err := d.eval(`(keys) => {
		window.__hmSeq = window.__hmSeq || 0;
		const out = [];
		const push = (el) => {
			if (!el.dataset.hmKey) el.dataset.hmKey = 'k' + (++window.__hmSeq);
			out.push({key: el.dataset.hmKey, tag: el.tagName.toLowerCase()});
		};
		if (keys.length === 0) {
			document.querySelectorAll('img,video').forEach(push);
		} else {
			for (const k of keys) {
				const el = document.querySelector('[data-hm-key="' + CSS.escape(k) + '"]');
				if (el && el.isConnected) push(el);
			}
		}
		return out;
	}`, keyList(keys))
	if err != nil {
		return nil, fmt.Errorf("browser: query elements: %w", err)
	}

	var refs []struct {
		Key string `json:"key"`
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &refs); err != nil {
		return nil, fmt.Errorf("browser: decode elements: %w", err)
	}
	out := make([]domwatch.Element, 0, len(refs))
	for _, r := range refs {
		out = append(out, &element{doc: d, key: r.Key, tag: r.Tag})
	}
	return out, nil
}

func keyList(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

// element is a handle on one stamped media element. Every call is a round
// trip to the page.
type element struct {
	doc *Document
	key string
	tag string
}

const findJS = `const el = document.querySelector('[data-hm-key="' + CSS.escape(k) + '"]');`

func (e *element) Key() string { return e.key }
func (e *element) Tag() string { return e.tag }

func (e *element) Attr(name string) (string, bool) {
	res, err := e.doc.eval(`(k, name) => { `+findJS+` return el && el.hasAttribute(name) ? el.getAttribute(name) : null; }`, e.key, name)
	if err != nil || res.Value.Nil() {
		return "", false
	}
	return res.Value.Str(), true
}

func (e *element) SetAttr(name, value string) error {
	_, err := e.doc.eval(`(k, name, value) => { `+findJS+` if (el) el.setAttribute(name, value); }`, e.key, name, value)
	return err
}

func (e *element) SetStyle(prop, value string) error {
	_, err := e.doc.eval(`(k, prop, value) => { `+findJS+` if (el) el.style.setProperty(prop, value); }`, e.key, prop, value)
	return err
}

func (e *element) Top() float64 {
	res, err := e.doc.eval(`(k) => { `+findJS+` return el ? el.getBoundingClientRect().top : 0; }`, e.key)
	if err != nil {
		return 0
	}
	return res.Value.Num()
}

func (e *element) Complete() bool {
	res, err := e.doc.eval(`(k) => { `+findJS+` return !!el && el.tagName === 'IMG' && el.complete && el.naturalWidth > 0; }`, e.key)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// OnLoad registers fn and installs one-shot load/error listeners in the
// page. A load that already happened is reported immediately.
func (e *element) OnLoad(fn func(ok bool)) func() {
	d := e.doc
	d.mu.Lock()
	id := d.nextLoad
	d.nextLoad++
	if d.loads[e.key] == nil {
		d.loads[e.key] = make(map[int]func(bool))
	}
	d.loads[e.key][id] = fn
	d.mu.Unlock()

	_, err := d.eval(`(k, binding) => { `+findJS+`
		if (!el) return;
		const post = (ok) => { try { window[binding](JSON.stringify({type: 'load', key: k, ok: ok})); } catch (e) {} };
		if (el.complete && el.naturalWidth > 0) { post(true); return; }
		el.addEventListener('load', () => post(true), {once: true});
		el.addEventListener('error', () => post(false), {once: true});
	}`, e.key, domBinding)
	if err != nil {
		d.log.Debug("browser: install load listener", "key", e.key, "error", err)
	}

	return func() {
		d.mu.Lock()
		delete(d.loads[e.key], id)
		if len(d.loads[e.key]) == 0 {
			delete(d.loads, e.key)
		}
		d.mu.Unlock()
	}
}

// Retain pins the element in a page-side map so it is not collected while
// near the viewport.
func (e *element) Retain() error {
	_, err := e.doc.eval(`(k) => { `+findJS+` if (el) (window.__hmKeep = window.__hmKeep || new Map()).set(k, el); }`, e.key)
	return err
}

func (e *element) Release() error {
	_, err := e.doc.eval(`(k) => { if (window.__hmKeep) window.__hmKeep.delete(k); }`, e.key)
	return err
}
