package mutation

// Snapshot is a complete serialised document, produced after a rewrite.
type Snapshot struct {
	ID        string `json:"id"` // UUIDv7
	PageURL   string `json:"page_url"`
	HTML      []byte `json:"html"`
	HTMLHash  string `json:"html_hash"` // SHA-256 hex
	Optimized int    `json:"optimized"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}
