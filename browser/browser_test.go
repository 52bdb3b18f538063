package browser

import (
	"errors"
	"testing"

	"github.com/hazyhaar/heromedia/domwatch/mutation"
	"github.com/hazyhaar/heromedia/playback"
)

type sinkRecorder struct {
	events  []playback.Event
	visible []bool
}

func (s *sinkRecorder) HandleEvent(ev playback.Event) { s.events = append(s.events, ev) }
func (s *sinkRecorder) SetVisibility(v bool)          { s.visible = append(s.visible, v) }

func TestDecodePlayResult(t *testing.T) {
	if err := decodePlayResult("null"); err != nil {
		t.Errorf("null: %v", err)
	}
	if err := decodePlayResult(""); err != nil {
		t.Errorf("empty: %v", err)
	}

	err := decodePlayResult(`{"name":"NotAllowedError","message":"play() failed because the user didn't interact with the document first."}`)
	var pe *playback.PlayError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PlayError", err)
	}
	if pe.Name != "NotAllowedError" {
		t.Errorf("Name = %q", pe.Name)
	}
	if playback.Classify(err) != playback.ClassTransient {
		t.Error("NotAllowedError classified permanent")
	}

	err = decodePlayResult(`{"name":"NotSupportedError","message":"The element has no supported sources."}`)
	if playback.Classify(err) != playback.ClassPermanent {
		t.Error("NotSupportedError classified transient")
	}
}

func TestVideoMessageDispatch(t *testing.T) {
	payloads := []string{
		`{"type":"canplay"}`,
		`{"type":"pause"}`,
		`{"type":"error","code":4,"message":"MEDIA_ELEMENT_ERROR: Format error"}`,
		`{"type":"volumechange","muted":false}`,
		`{"type":"visibility","visible":false}`,
		`{"type":"gesture"}`,
		`{"type":"unknown"}`,
	}
	s := &sinkRecorder{}
	for _, p := range payloads {
		m, err := decodeVideoMessage(p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		m.dispatch(s)
	}

	want := []playback.EventKind{
		playback.EventCanPlay, playback.EventPause, playback.EventError,
		playback.EventMutedChanged, playback.EventGesture,
	}
	if len(s.events) != len(want) {
		t.Fatalf("events = %+v", s.events)
	}
	for i, k := range want {
		if s.events[i].Kind != k {
			t.Errorf("event %d = %s, want %s", i, s.events[i].Kind, k)
		}
	}
	if playback.Classify(s.events[2].Err) != playback.ClassPermanent {
		t.Errorf("format error classified transient: %v", s.events[2].Err)
	}
	if len(s.visible) != 1 || s.visible[0] {
		t.Errorf("visibility = %v", s.visible)
	}

	if _, err := decodeVideoMessage("{"); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestDecodeDOMMessage(t *testing.T) {
	m, err := decodeDOMMessage(`{"type":"mutations","records":[{"op":"insert","tag":"div","media_keys":["k3","k4"]}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != "mutations" || len(m.Records) != 1 || m.Records[0].Op != mutation.OpInsert {
		t.Fatalf("message = %+v", m)
	}
	if !m.Records[0].Qualifies() {
		t.Error("insert with media keys does not qualify")
	}

	m, err = decodeDOMMessage(`{"type":"load","key":"k3","ok":false}`)
	if err != nil || m.Key != "k3" || m.OK {
		t.Errorf("load message = %+v, %v", m, err)
	}
}

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"fonts": true, "stylesheets": true, "images": true, "media": true}
	tests := []struct {
		typ  string
		want bool
	}{
		{"Font", true},
		{"Stylesheet", true},
		{"Script", false},
		{"Image", false},
		{"Media", false},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.typ); got != tt.want {
			t.Errorf("shouldBlock(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestKeyList(t *testing.T) {
	if got := keyList(nil); got == nil || len(got) != 0 {
		t.Errorf("keyList(nil) = %#v", got)
	}
}

func TestDisplaySocket(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{":99", "/tmp/.X11-unix/X99", false},
		{":1.0", "/tmp/.X11-unix/X1", false},
		{"99", "", true},
		{":", "", true},
		{":x1", "", true},
	}
	for _, tt := range tests {
		got, err := displaySocket(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("displaySocket(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("displaySocket(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
