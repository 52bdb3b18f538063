package sink

import "context"

// Func is called for each event, in process.
type Func func(ctx context.Context, ev Event) error

// Callback delivers events through a Go function call. A nil function
// discards events.
type Callback struct {
	fn Func
}

// NewCallback wraps fn as a Sink.
func NewCallback(fn Func) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, ev Event) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, ev)
}

func (c *Callback) Close() error { return nil }
