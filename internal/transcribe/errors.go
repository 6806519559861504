package transcribe

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when no model is loaded.
	ErrNotReady = errors.New("transcribe: model not loaded")
	// ErrEmptyAudio is returned for a waveform with no samples.
	ErrEmptyAudio = errors.New("transcribe: empty audio")
)

// EngineError reports a non-zero status from the inference pass.
type EngineError struct {
	Code int
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("transcribe: inference failed with status %d", e.Code)
}

// DecodeError wraps a failure to read or decode the waveform.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("transcribe: decode audio: %v", e.Err)
	}
	return fmt.Sprintf("transcribe: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind classifies a transcription failure.
type Kind int

const (
	KindNone Kind = iota
	KindNotReady
	KindEmptyAudio
	KindDecode
	KindEngine
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotReady:
		return "not_ready"
	case KindEmptyAudio:
		return "empty_audio"
	case KindDecode:
		return "decode_failed"
	case KindEngine:
		return "engine_failed"
	default:
		return "unknown"
	}
}

// KindOf returns the failure kind of err. A nil error is KindNone; errors this
// package does not recognise are reported as KindEngine.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var decErr *DecodeError
	switch {
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrEmptyAudio):
		return KindEmptyAudio
	case errors.As(err, &decErr):
		return KindDecode
	default:
		return KindEngine
	}
}

// StatusOf returns the engine status carried by err, or 0.
func StatusOf(err error) int {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return 0
}
