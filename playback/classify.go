package playback

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Class separates rejections worth retrying from those that never succeed.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// HTMLMediaElement MediaError codes.
const (
	MediaErrAborted         = 1
	MediaErrNetwork         = 2
	MediaErrDecode          = 3
	MediaErrSrcNotSupported = 4
)

// PlayError is a rejection reported by the platform: a DOMException name
// for play() rejections or a MediaError code for element errors.
type PlayError struct {
	Name    string
	Message string
	Code    int
}

func (e *PlayError) Error() string {
	switch {
	case e.Code != 0 && e.Name != "":
		return fmt.Sprintf("%s (media error %d): %s", e.Name, e.Code, e.Message)
	case e.Code != 0:
		return fmt.Sprintf("media error %d: %s", e.Code, e.Message)
	case e.Name != "":
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Pre-compiled patterns checked against error text. Environments disagree on
// names and messages, so a match is a best-effort signal; anything that
// matches neither list is treated as transient.
var (
	rePermanent = regexp.MustCompile(
		`(?i)NotSupportedError|MEDIA_ERR_SRC_NOT_SUPPORTED|MEDIA_ERR_DECODE|` +
			`no supported source|unsupported (format|codec|source|mime|media)|` +
			`format error|decode error|DEMUXER_ERROR|PIPELINE_ERROR_DECODE|` +
			`could not be decoded|not a valid media`)

	reTransient = regexp.MustCompile(
		`(?i)NotAllowedError|AbortError|interrupted by|power.?sav|` +
			`MEDIA_ERR_NETWORK|MEDIA_ERR_ABORTED|network|timeout|timed out|` +
			`user didn't interact|play\(\) request was interrupted`)
)

// Classify maps a play or load failure to a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var pe *PlayError
	if errors.As(err, &pe) {
		switch pe.Code {
		case MediaErrDecode, MediaErrSrcNotSupported:
			return ClassPermanent
		case MediaErrAborted, MediaErrNetwork:
			return ClassTransient
		}
		if pe.Name == "NotSupportedError" {
			return ClassPermanent
		}
	}

	msg := err.Error()
	if reTransient.MatchString(msg) {
		return ClassTransient
	}
	if rePermanent.MatchString(msg) {
		return ClassPermanent
	}
	return ClassTransient
}
