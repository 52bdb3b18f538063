package htmldoc

import (
	"strings"

	"golang.org/x/net/html"
)

// Element is a media element of a Doc. It records how many times each
// attribute and style property was written.
type Element struct {
	doc       *Doc
	n         *html.Node
	key       string
	complete  bool
	listeners map[int]func(bool)
	nextL     int
	writes    map[string]int
	retained  bool
}

func (e *Element) Key() string { return e.key }

func (e *Element) Tag() string { return e.n.Data }

func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !hasAttr(e.n, name) {
		return "", false
	}
	return attr(e.n, name), true
}

func (e *Element) SetAttr(name, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	setAttr(e.n, name, value)
	e.writes[name]++
	return nil
}

// SetStyle rewrites one declaration of the inline style attribute.
func (e *Element) SetStyle(prop, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	setAttr(e.n, "style", setDeclaration(attr(e.n, "style"), prop, value))
	e.writes["style:"+prop]++
	return nil
}

func (e *Element) Top() float64 {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.topLocked(e.n)
}

// Complete reports whether the image loaded, either through FireLoad or
// because the markup carries data-complete.
func (e *Element) Complete() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.complete || hasAttr(e.n, "data-complete")
}

func (e *Element) OnLoad(fn func(ok bool)) func() {
	e.doc.mu.Lock()
	id := e.nextL
	e.nextL++
	e.listeners[id] = fn
	e.doc.mu.Unlock()
	return func() {
		e.doc.mu.Lock()
		delete(e.listeners, id)
		e.doc.mu.Unlock()
	}
}

func (e *Element) Retain() error {
	e.doc.mu.Lock()
	e.retained = true
	e.doc.mu.Unlock()
	return nil
}

func (e *Element) Release() error {
	e.doc.mu.Lock()
	e.retained = false
	e.doc.mu.Unlock()
	return nil
}

// Retained reports whether the element is pinned by a keep-alive cache.
func (e *Element) Retained() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.retained
}

// Writes returns how many times the attribute name was set. Style
// properties are counted under "style:<prop>".
func (e *Element) Writes(name string) int {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.writes[name]
}

// Style returns the value of one inline style declaration.
func (e *Element) Style(prop string) string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	for _, decl := range strings.Split(attr(e.n, "style"), ";") {
		k, v, ok := strings.Cut(decl, ":")
		if ok && strings.TrimSpace(k) == prop {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Listeners returns the number of registered load listeners.
func (e *Element) Listeners() int {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return len(e.listeners)
}

func setDeclaration(style, prop, value string) string {
	var out []string
	found := false
	for _, decl := range strings.Split(style, ";") {
		decl = strings.TrimSpace(decl)
		if decl == "" {
			continue
		}
		k, _, _ := strings.Cut(decl, ":")
		if strings.TrimSpace(k) == prop {
			decl = prop + ": " + value
			found = true
		}
		out = append(out, decl)
	}
	if !found {
		out = append(out, prop+": "+value)
	}
	return strings.Join(out, "; ")
}
