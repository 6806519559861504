package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bridge"
	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/capability"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/engine"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
	"github.com/loqalabs/loqa-whisper/internal/transcribe"
	"github.com/loqalabs/loqa-whisper/internal/wav"
	"github.com/loqalabs/loqa-whisper/internal/whisper"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	started       chan struct{}
	httpAddr      atomic.Value
	wg            sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	bridge    *bridge.Bridge
	service   *bridge.Service
	announcer *capability.Announcer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP endpoints are serving.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// HTTPAddr returns the address the health endpoints listen on.
func (r *Runtime) HTTPAddr() string {
	if v, ok := r.httpAddr.Load().(string); ok {
		return v
	}
	return ""
}

// Bridge returns the boundary adapter once Start has wired it.
func (r *Runtime) Bridge() *bridge.Bridge { return r.bridge }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.stopComponents()
		r.closeTelemetry(context.Background())
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpAddr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.wg.Add(1)
	go r.pruneJournal(ctx)

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", r.HTTPAddr()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.store = store

	eng, err := engine.New(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	manager := whisper.NewManager(eng, r.logger)
	pipeline := transcribe.New(transcribe.Options{Threads: r.cfg.Engine.Threads}, r.logger)
	r.bridge = bridge.New(manager, pipeline, wav.Decoder{Strict: r.cfg.Engine.StrictWAV}, store, r.logger)

	if path := r.cfg.Engine.ModelPath; path != "" {
		if err := r.bridge.Load(ctx, path); err != nil {
			r.logger.Warn("model preload failed; waiting for init request", slog.String("model_path", path), slog.String("error", err.Error()))
		}
	}

	r.service = bridge.NewService(r.cfg.Bridge, r.cfg.Engine.DefaultLanguage, r.bridge, busClient, r.logger)
	if err := r.service.Start(ctx); err != nil {
		return fmt.Errorf("start bridge service: %w", err)
	}

	engineName := eng.Name()
	announcer, err := capability.NewAnnouncer(ctx, r.cfg.Node, busClient, func() map[string]string {
		return map[string]string{
			"engine":       engineName,
			"model_loaded": strconv.FormatBool(r.bridge.Ready()),
			"model_path":   r.bridge.ModelPath(),
		}
	}, r.logger)
	if err != nil {
		return fmt.Errorf("start capability announcer: %w", err)
	}
	r.announcer = announcer
	return nil
}

func (r *Runtime) stopComponents() {
	if r.announcer != nil {
		r.announcer.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.bridge != nil {
		r.bridge.FreeWhisper()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) pruneJournal(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	switch {
	case !r.ready.Load():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	case !r.bus.Healthy():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
	case !r.service.Healthy():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bridge not serving"))
	case !r.bridge.Ready():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("model not loaded"))
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}
