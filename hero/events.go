package hero

import (
	"context"
	"time"

	"github.com/hazyhaar/heromedia/domwatch"
	"github.com/hazyhaar/heromedia/domwatch/mutation"
	"github.com/hazyhaar/heromedia/playback"
	"github.com/hazyhaar/heromedia/sink"
)

const sendTimeout = 30 * time.Second

func (s *Stage) onNotification(n playback.Notification) {
	m := s.opts.Metrics
	ev := sink.Event{Muted: n.Muted, Status: n.Status.String(), Timestamp: n.At}
	switch n.Kind {
	case playback.NotifyStatus:
		ev.Type = sink.TypeStatus
		ev.Prev = n.Prev.String()
		if m != nil {
			m.IncStatus(n.Status.String())
		}
	case playback.NotifyMuted:
		ev.Type = sink.TypeMuted
		if m != nil {
			m.SetMuted(n.Muted)
		}
	case playback.NotifyAttempt:
		ev.Type = sink.TypeAttempt
		ev.Attempt = n.Attempts
		ev.DelayMs = n.Delay.Milliseconds()
		ev.Reason = n.Class.String()
		if m != nil {
			m.IncPlayAttempt(n.Class.String())
		}
	case playback.NotifyRejected:
		ev.Type = sink.TypeRejected
	default:
		return
	}
	if n.Err != nil {
		ev.Detail = n.Err.Error()
	}
	s.emit(ev)
}

func (s *Stage) onOptimized(key, tag string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncOptimized(tag)
	}
	s.emit(sink.Event{Type: sink.TypeOptimized, Key: key, Detail: tag})
}

func (s *Stage) onLoaded(key string, reason domwatch.LoadReason) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncImageLoad(string(reason))
	}
	s.emit(sink.Event{Type: sink.TypeLoaded, Key: key, Reason: string(reason)})
}

func passKind(b mutation.Batch) string {
	switch {
	case b.Catchup:
		return "catchup"
	case b.Full:
		return "full"
	}
	return "batch"
}

func (s *Stage) onPass(b mutation.Batch) {
	kind := passKind(b)
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncPass(kind)
	}
	ev := sink.Event{Type: sink.TypePass, Reason: kind}
	if data, err := mutation.MarshalBatch(&b); err == nil {
		ev.Detail = string(data)
	}
	s.emit(ev)
}

// emit queues ev for delivery. A full queue drops the event.
func (s *Stage) emit(ev sink.Event) {
	if s.opts.Sink == nil {
		return
	}
	ev.ID = s.opts.NewID()
	ev.Source = s.opts.Source
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.opts.Clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("hero: event queue full, dropping", "type", ev.Type)
	}
}

func (s *Stage) deliver() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := s.opts.Sink.Send(ctx, ev); err != nil {
			s.log.Warn("hero: sink send failed", "type", ev.Type, "error", err)
		}
		cancel()
	}
}
