package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/heromedia/dbopen"
	"github.com/hazyhaar/heromedia/idgen"
)

// JournalSchema creates the media_events table.
const JournalSchema = `
CREATE TABLE IF NOT EXISTS media_events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	prev       TEXT NOT NULL DEFAULT '',
	muted      INTEGER NOT NULL DEFAULT 0,
	elem_key   TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	attempt    INTEGER NOT NULL DEFAULT 0,
	delay_ms   INTEGER NOT NULL DEFAULT 0,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_events_type ON media_events(event_type, created_at);
`

// Journal records events in SQLite.
type Journal struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithJournalIDGenerator sets the generator used for events without an ID.
func WithJournalIDGenerator(gen idgen.Generator) JournalOption {
	return func(j *Journal) { j.newID = gen }
}

// WithJournalClock sets the time source for retention cleanup.
func WithJournalClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// NewJournal applies JournalSchema to db and returns a Journal writing to it.
func NewJournal(ctx context.Context, db *sql.DB, opts ...JournalOption) (*Journal, error) {
	if _, err := db.ExecContext(ctx, JournalSchema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	j := &Journal{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		now:   time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

// OpenJournal opens (creating if needed) the database at path.
func OpenJournal(ctx context.Context, path string, opts ...JournalOption) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	j, err := NewJournal(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Send(ctx context.Context, ev Event) error {
	id := ev.ID
	if id == "" {
		id = j.newID()
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = j.now()
	}
	_, err := dbopen.Exec(ctx, j.db, `
		INSERT INTO media_events (
			event_id, event_type, source, status, prev, muted, elem_key,
			reason, attempt, delay_ms, detail, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, ev.Type, ev.Source, ev.Status, ev.Prev, ev.Muted, ev.Key,
		ev.Reason, ev.Attempt, ev.DelayMs, ev.Detail, ts.Unix())
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", ev.Type, err)
	}
	return nil
}

// Count returns the number of journalled events of the given type, or of
// all types when typ is empty.
func (j *Journal) Count(ctx context.Context, typ string) (int, error) {
	var n int
	var err error
	if typ == "" {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_events`).Scan(&n)
	} else {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_events WHERE event_type = ?`, typ).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, event_type, source, status, prev, muted, elem_key,
		       reason, attempt, delay_ms, detail, created_at
		FROM media_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &ev.Status, &ev.Prev, &ev.Muted,
			&ev.Key, &ev.Reason, &ev.Attempt, &ev.DelayMs, &ev.Detail, &ts); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		ev.Timestamp = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention window. Zero days keeps
// everything.
func (j *Journal) Cleanup(ctx context.Context, days int, vacuum bool) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	res, err := dbopen.Exec(ctx, j.db, `DELETE FROM media_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if vacuum {
		if _, err := j.db.ExecContext(ctx, "VACUUM"); err != nil {
			return n, fmt.Errorf("journal: vacuum: %w", err)
		}
	}
	return n, nil
}

func (j *Journal) Close() error { return j.db.Close() }
