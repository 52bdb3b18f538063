// Package mutation defines the records delivered by a document watcher and
// the pass reports emitted by the reprocessor.
package mutation

// Op is the type of DOM mutation observed.
type Op string

const (
	OpInsert   Op = "insert"    // subtree inserted
	OpRemove   Op = "remove"    // subtree removed
	OpAttr     Op = "attr"      // attribute changed
	OpDocReset Op = "doc_reset" // entire DOM replaced
)

// Record is a single DOM mutation. MediaKeys lists the keys of the img and
// video elements contained in an inserted subtree, the root included.
type Record struct {
	Op        Op       `json:"op"`
	XPath     string   `json:"xpath,omitempty"`
	NodeType  int      `json:"node_type,omitempty"` // 1=element, 3=text, 8=comment
	Tag       string   `json:"tag,omitempty"`
	Key       string   `json:"key,omitempty"`
	Name      string   `json:"name,omitempty"` // attribute name for attr
	MediaKeys []string `json:"media_keys,omitempty"`
}

// Qualifies reports whether the record can introduce an element the
// reprocessor has not seen yet.
func (r Record) Qualifies() bool {
	switch r.Op {
	case OpInsert:
		return len(r.MediaKeys) > 0
	case OpDocReset:
		return true
	}
	return false
}

// Batch reports one reprocessing pass.
type Batch struct {
	ID        string   `json:"id"` // UUIDv7
	PageURL   string   `json:"page_url,omitempty"`
	Seq       uint64   `json:"seq"`  // monotonically increasing per reprocessor
	Keys      []string `json:"keys"` // elements optimised by this pass
	Skipped   int      `json:"skipped"`
	Full      bool     `json:"full"`    // the pass scanned the whole document
	Catchup   bool     `json:"catchup"` // the pass was scheduled by mutations arriving during the previous one
	Timestamp int64    `json:"timestamp"`
}
