// Package engine binds the opaque speech-recognition engine. Backends load a model
// into a Model and run one full inference pass over float samples, reporting the
// engine's numeric status the way whisper.cpp does.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/config"
)

// SamplingStrategy selects the decoder search.
type SamplingStrategy int

const (
	SamplingGreedy SamplingStrategy = iota
	SamplingBeamSearch
)

// StatusOK is the engine status for a successful full pass.
const StatusOK = 0

// ErrNativeUnavailable is returned when the binary was built without whisper.cpp.
var ErrNativeUnavailable = errors.New("engine: native backend unavailable (build with -tags whispercpp)")

// Params configures one full inference pass.
type Params struct {
	Strategy        SamplingStrategy
	Language        string
	Translate       bool
	NoContext       bool
	SingleSegment   bool
	PrintRealtime   bool
	PrintProgress   bool
	PrintTimestamps bool
	PrintSpecial    bool
	Threads         int
}

// Engine opens models. Open uses the engine's default context configuration.
type Engine interface {
	Name() string
	Open(modelPath string) (Model, error)
}

// Model is a loaded decoding context. Segment accessors reflect the most recent
// successful Full call.
type Model interface {
	// Full runs inference over samples and returns the engine status; zero is success.
	Full(params Params, samples []float32) int
	NumSegments() int
	SegmentText(i int) string
	Close() error
}

// New builds the backend named by cfg.Mode.
func New(cfg config.EngineConfig) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "native", "":
		if !NativeAvailable() {
			return nil, ErrNativeUnavailable
		}
		return NewNative(), nil
	case "exec":
		return NewExec(cfg.Command, time.Duration(cfg.ExecTimeout)*time.Millisecond)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", cfg.Mode)
	}
}
