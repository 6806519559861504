package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Mock is a deterministic in-process engine. It counts opened and live models and
// full passes so callers can assert lifecycle behaviour without whisper.cpp.
type Mock struct {
	mu sync.Mutex

	// Segments produces the segment texts for a pass. The default emits one
	// placeholder segment describing the input.
	Segments func(params Params, samples []float32) []string
	// Status, when set, decides the status code of a pass.
	Status func(params Params, samples []float32) int
	// RequireFile makes Open fail for paths that do not exist on disk.
	RequireFile bool

	opened  int
	live    int
	maxLive int
	runs    int
	last    Params
}

// NewMock returns a Mock that accepts any model path.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Open(modelPath string) (Model, error) {
	if modelPath == "" {
		return nil, errors.New("engine: model path required")
	}
	if m.RequireFile {
		if _, err := os.Stat(modelPath); err != nil {
			return nil, fmt.Errorf("engine: open model: %w", err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	m.live++
	if m.live > m.maxLive {
		m.maxLive = m.live
	}
	return &mockModel{engine: m, path: modelPath}, nil
}

// Opened returns how many models were created.
func (m *Mock) Opened() int { m.mu.Lock(); defer m.mu.Unlock(); return m.opened }

// Live returns how many models are open right now.
func (m *Mock) Live() int { m.mu.Lock(); defer m.mu.Unlock(); return m.live }

// MaxLive returns the highest number of simultaneously open models observed.
func (m *Mock) MaxLive() int { m.mu.Lock(); defer m.mu.Unlock(); return m.maxLive }

// Runs returns how many full passes were executed.
func (m *Mock) Runs() int { m.mu.Lock(); defer m.mu.Unlock(); return m.runs }

// LastParams returns the parameters of the most recent pass.
func (m *Mock) LastParams() Params { m.mu.Lock(); defer m.mu.Unlock(); return m.last }

type mockModel struct {
	engine   *Mock
	path     string
	segments []string
	closed   bool
}

func (mm *mockModel) Full(params Params, samples []float32) int {
	m := mm.engine
	m.mu.Lock()
	m.runs++
	m.last = params
	status, segments := m.Status, m.Segments
	m.mu.Unlock()

	mm.segments = nil
	if status != nil {
		if code := status(params, samples); code != StatusOK {
			return code
		}
	}
	if segments != nil {
		mm.segments = segments(params, samples)
	} else {
		mm.segments = []string{fmt.Sprintf("[mock transcript samples=%d language=%s]", len(samples), params.Language)}
	}
	return StatusOK
}

func (mm *mockModel) NumSegments() int { return len(mm.segments) }

func (mm *mockModel) SegmentText(i int) string {
	if i < 0 || i >= len(mm.segments) {
		return ""
	}
	return mm.segments[i]
}

func (mm *mockModel) Close() error {
	if mm.closed {
		return nil
	}
	mm.closed = true
	mm.engine.mu.Lock()
	mm.engine.live--
	mm.engine.mu.Unlock()
	return nil
}
