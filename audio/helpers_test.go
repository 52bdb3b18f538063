package audio

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/heromedia/playback"
)

type playingResource struct{}

func (playingResource) Configure(context.Context, playback.Attributes) error { return nil }
func (playingResource) Load(context.Context) error                           { return nil }
func (playingResource) Play(context.Context) error                           { return nil }
func (playingResource) Pause(context.Context) error                          { return nil }
func (playingResource) SetMuted(context.Context, bool) error                 { return nil }
func (playingResource) Release() error                                       { return nil }

func waitPlaying(t *testing.T, c *playback.Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status() != playback.StatusPlaying {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want playing", c.Status())
		}
		time.Sleep(time.Millisecond)
	}
}
