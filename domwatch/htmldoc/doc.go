// Package htmldoc is an in-memory domwatch.Document over a parsed HTML tree.
// It has no layout engine: an element's top comes from its data-top
// attribute, or is estimated by stacking the height attributes of the media
// elements before it. Load events are fired explicitly.
package htmldoc

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/heromedia/domwatch"
	"github.com/hazyhaar/heromedia/domwatch/mutation"
	"github.com/hazyhaar/heromedia/idgen"
)

// AttrTop carries a simulated layout position in pixels.
const AttrTop = "data-top"

const defaultMediaHeight = 200

// Doc is safe for concurrent use.
type Doc struct {
	mu        sync.Mutex
	root      *html.Node
	body      *html.Node
	viewport  float64
	newKey    idgen.Generator
	elems     map[*html.Node]*Element
	byKey     map[string]*Element
	observers map[int]func([]mutation.Record)
	nextObs   int
}

// Option configures a Doc.
type Option func(*Doc)

// WithViewport sets the viewport height (default 800).
func WithViewport(h float64) Option {
	return func(d *Doc) { d.viewport = h }
}

// WithKeys sets the element key generator (default k1, k2, ...).
func WithKeys(gen idgen.Generator) Option {
	return func(d *Doc) { d.newKey = gen }
}

// Parse reads a full HTML document.
func Parse(r io.Reader, opts ...Option) (*Doc, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	d := &Doc{
		root:      root,
		viewport:  800,
		newKey:    idgen.Sequence("k"),
		elems:     make(map[*html.Node]*Element),
		byKey:     make(map[string]*Element),
		observers: make(map[int]func([]mutation.Record)),
	}
	for _, o := range opts {
		o(d)
	}
	d.body = findAtom(root, atom.Body)
	if d.body == nil {
		return nil, fmt.Errorf("htmldoc: document has no body")
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...Option) (*Doc, error) {
	return Parse(strings.NewReader(s), opts...)
}

// ViewportHeight implements domwatch.Document.
func (d *Doc) ViewportHeight() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport
}

// SetViewport changes the viewport height.
func (d *Doc) SetViewport(h float64) {
	d.mu.Lock()
	d.viewport = h
	d.mu.Unlock()
}

// Elements implements domwatch.Document.
func (d *Doc) Elements(keys ...string) ([]domwatch.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []domwatch.Element
	if len(keys) == 0 {
		for _, n := range mediaNodes(d.root) {
			out = append(out, d.elementLocked(n))
		}
		return out, nil
	}
	for _, k := range keys {
		el, ok := d.byKey[k]
		if !ok || !d.attachedLocked(el.n) {
			continue
		}
		out = append(out, el)
	}
	return out, nil
}

// Observe implements domwatch.Document. Records are delivered synchronously
// on the goroutine that changed the document.
func (d *Doc) Observe(fn func([]mutation.Record)) (func(), error) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}, nil
}

// Observers returns the number of installed watchers.
func (d *Doc) Observers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// AppendHTML parses fragment, appends it to the body and notifies watchers
// with one record per top-level node, all in a single delivery. It returns
// the keys of the inserted media elements.
func (d *Doc) AppendHTML(fragment string) ([]string, error) {
	d.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), d.body)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("htmldoc: parse fragment: %w", err)
	}
	var recs []mutation.Record
	var all []string
	for _, n := range nodes {
		d.body.AppendChild(n)
		rec := d.insertRecordLocked(n)
		all = append(all, rec.MediaKeys...)
		recs = append(recs, rec)
	}
	d.mu.Unlock()

	d.notify(recs)
	return all, nil
}

// Reinsert detaches the element with key and appends it to the body again,
// keeping its identity. Watchers see a remove then an insert.
func (d *Doc) Reinsert(key string) error {
	d.mu.Lock()
	el, ok := d.byKey[key]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("htmldoc: unknown key %q", key)
	}
	n := el.n
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	d.body.AppendChild(n)
	recs := []mutation.Record{
		{Op: mutation.OpRemove, Tag: n.Data, Key: key, NodeType: 1},
		d.insertRecordLocked(n),
	}
	d.mu.Unlock()

	d.notify(recs)
	return nil
}

// Remove detaches the element with key.
func (d *Doc) Remove(key string) error {
	d.mu.Lock()
	el, ok := d.byKey[key]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("htmldoc: unknown key %q", key)
	}
	if el.n.Parent != nil {
		el.n.Parent.RemoveChild(el.n)
	}
	d.mu.Unlock()

	d.notify([]mutation.Record{{Op: mutation.OpRemove, Tag: el.n.Data, Key: key, NodeType: 1}})
	return nil
}

// Element returns the element with key, or nil.
func (d *Doc) Element(key string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byKey[key]
}

// Keys assigns keys to every media element and returns them in document
// order.
func (d *Doc) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, n := range mediaNodes(d.root) {
		out = append(out, d.elementLocked(n).key)
	}
	return out
}

// FireLoad delivers a load (ok) or error event to the element's listeners.
func (d *Doc) FireLoad(key string, ok bool) error {
	d.mu.Lock()
	el, found := d.byKey[key]
	if !found {
		d.mu.Unlock()
		return fmt.Errorf("htmldoc: unknown key %q", key)
	}
	if ok {
		el.complete = true
	}
	fns := make([]func(bool), 0, len(el.listeners))
	for _, fn := range el.listeners {
		fns = append(fns, fn)
	}
	el.listeners = make(map[int]func(bool))
	d.mu.Unlock()

	for _, fn := range fns {
		fn(ok)
	}
	return nil
}

// Render serialises the document.
func (d *Doc) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// String renders the document, or returns an empty string on error.
func (d *Doc) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func (d *Doc) notify(recs []mutation.Record) {
	d.mu.Lock()
	fns := make([]func([]mutation.Record), 0, len(d.observers))
	for i := 0; i < d.nextObs; i++ {
		if fn, ok := d.observers[i]; ok {
			fns = append(fns, fn)
		}
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(recs)
	}
}

func (d *Doc) insertRecordLocked(n *html.Node) mutation.Record {
	rec := mutation.Record{Op: mutation.OpInsert, NodeType: nodeType(n), Tag: n.Data}
	if n.Type == html.ElementNode && isMedia(n) {
		rec.Key = d.elementLocked(n).key
	}
	for _, m := range mediaNodes(n) {
		rec.MediaKeys = append(rec.MediaKeys, d.elementLocked(m).key)
	}
	return rec
}

func (d *Doc) elementLocked(n *html.Node) *Element {
	if el, ok := d.elems[n]; ok {
		return el
	}
	key := attr(n, domwatch.AttrKey)
	if key == "" {
		key = d.newKey()
		setAttr(n, domwatch.AttrKey, key)
	}
	el := &Element{
		doc:       d,
		n:         n,
		key:       key,
		listeners: make(map[int]func(bool)),
		writes:    make(map[string]int),
	}
	d.elems[n] = el
	d.byKey[key] = el
	return el
}

func (d *Doc) attachedLocked(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// topLocked returns data-top, or the stacked height of the media elements
// preceding n in document order.
func (d *Doc) topLocked(n *html.Node) float64 {
	if v := attr(n, AttrTop); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	top := 0.0
	for _, m := range mediaNodes(d.root) {
		if m == n {
			break
		}
		top += height(m)
	}
	return top
}

func height(n *html.Node) float64 {
	if v := attr(n, "height"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64); err == nil {
			return f
		}
	}
	return defaultMediaHeight
}

func isMedia(n *html.Node) bool {
	return n.Type == html.ElementNode && (n.DataAtom == atom.Img || n.DataAtom == atom.Video)
}

func mediaNodes(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if isMedia(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func findAtom(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findAtom(c, a); f != nil {
			return f
		}
	}
	return nil
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	}
	return 0
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
