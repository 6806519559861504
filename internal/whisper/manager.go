// Package whisper owns the lifecycle of the single decoding context used for
// transcription.
//
// A Manager holds at most one Context. Load always releases the current context
// before opening the next one, so a failed load leaves the manager unloaded rather
// than holding a stale handle. Callers serialize Load, Release and any use of the
// Context. Ready, State and ModelPath may be called from any goroutine.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-whisper/internal/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the load state of a Manager.
type State int

const (
	Unloaded State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "unloaded"
}

// Context is a loaded model. It is only valid while it is the Manager's current
// context.
type Context struct {
	ID        string
	ModelPath string
	LoadedAt  time.Time
	model     engine.Model
}

// Model exposes the engine handle for inference.
func (c *Context) Model() engine.Model { return c.model }

// Manager owns the current Context.
type Manager struct {
	engine  engine.Engine
	log     *slog.Logger
	current *Context
	clock   func() time.Time

	// loaded mirrors current for readers outside the caller's lock.
	loaded atomic.Pointer[string]

	loads metric.Int64Counter
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// NewManager returns an unloaded Manager backed by eng.
func NewManager(eng engine.Engine, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Manager{
		engine: eng,
		log:    logger.With(slog.String("component", "whisper-context"), slog.String("engine", eng.Name())),
		clock:  time.Now,
	}
	if err := m.initMetrics(o.meterProvider); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

// Load releases the current context, if any, and opens modelPath. On failure the
// manager is left unloaded.
func (m *Manager) Load(modelPath string) error {
	m.Release()

	if modelPath == "" {
		m.recordLoad("invalid")
		return errors.New("whisper: model path required")
	}

	m.log.Info("loading whisper model", slog.String("model_path", modelPath))
	start := m.clock()
	model, err := m.engine.Open(modelPath)
	if err != nil {
		m.recordLoad("failed")
		m.log.Error("whisper model load failed", slog.String("model_path", modelPath), slog.String("error", err.Error()))
		return fmt.Errorf("whisper: load %s: %w", modelPath, err)
	}

	m.current = &Context{
		ID:        uuid.NewString(),
		ModelPath: modelPath,
		LoadedAt:  m.clock().UTC(),
		model:     model,
	}
	m.loaded.Store(&modelPath)
	m.recordLoad("ok")
	m.log.Info("whisper model loaded",
		slog.String("model_path", modelPath),
		slog.String("context_id", m.current.ID),
		slog.Duration("latency", m.clock().Sub(start)),
	)
	return nil
}

// Ready reports whether a context is current.
func (m *Manager) Ready() bool { return m.loaded.Load() != nil }

// State returns the current load state.
func (m *Manager) State() State {
	if m.Ready() {
		return Ready
	}
	return Unloaded
}

// ModelPath returns the path of the current model, or "".
func (m *Manager) ModelPath() string {
	if p := m.loaded.Load(); p != nil {
		return *p
	}
	return ""
}

// Current returns the current context.
func (m *Manager) Current() (*Context, bool) {
	return m.current, m.current != nil
}

// Release frees the current context. It is a no-op when nothing is loaded.
func (m *Manager) Release() {
	if m.current == nil {
		return
	}
	old := m.current
	m.current = nil
	m.loaded.Store(nil)
	if err := old.model.Close(); err != nil {
		m.log.Warn("whisper context close failed", slog.String("context_id", old.ID), slog.String("error", err.Error()))
	}
	m.log.Info("whisper context freed", slog.String("context_id", old.ID), slog.String("model_path", old.ModelPath))
}

func (m *Manager) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter("github.com/loqalabs/loqa-whisper/whisper")
	loads, err := meter.Int64Counter("loqa.whisper.context.loads", metric.WithDescription("Model load attempts by outcome"))
	if err != nil {
		return err
	}
	m.loads = loads
	gauge, err := meter.Int64ObservableGauge("loqa.whisper.context.loaded", metric.WithDescription("1 when a model is loaded"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var v int64
		if m.Ready() {
			v = 1
		}
		obs.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	return err
}

func (m *Manager) recordLoad(outcome string) {
	if m.loads == nil {
		return
	}
	m.loads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
