// Package transcribe runs one inference pass over a decoded waveform using the
// currently loaded model.
package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/engine"
	"github.com/loqalabs/loqa-whisper/internal/whisper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultThreads = 4
	autoLanguage   = "auto"
)

// Source yields the loaded context, if any. *whisper.Manager satisfies it.
type Source interface {
	Current() (*whisper.Context, bool)
}

// Options configures a Pipeline.
type Options struct {
	Threads int
}

// Request is a single transcription call.
type Request struct {
	Samples  []float32
	Language string
}

// Result is a successful transcription.
type Result struct {
	Text      string
	Segments  int
	Language  string
	ContextID string
	Inference time.Duration
}

// Pipeline executes transcription passes.
type Pipeline struct {
	threads int
	log     *slog.Logger
	tracer  trace.Tracer

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Pipeline.
func New(opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = defaultThreads
	}
	p := &Pipeline{
		threads: threads,
		log:     logger.With(slog.String("component", "transcribe")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-whisper/transcribe"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-whisper/transcribe")
	var err error
	if p.calls, err = meter.Int64Counter("loqa.whisper.transcriptions", metric.WithDescription("Transcription calls by outcome")); err != nil {
		p.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if p.duration, err = meter.Float64Histogram("loqa.whisper.inference.duration", metric.WithUnit("ms"), metric.WithDescription("Inference pass latency")); err != nil {
		p.log.Warn("failed to create histogram", slog.String("error", err.Error()))
	}
	return p
}

// Params returns the decoding parameters used for language.
func (p *Pipeline) Params(language string) engine.Params {
	if language == "" {
		language = autoLanguage
	}
	return engine.Params{
		Strategy:      engine.SamplingGreedy,
		Language:      language,
		Translate:     false,
		NoContext:     true,
		SingleSegment: false,
		Threads:       p.threads,
	}
}

// Transcribe runs one synchronous pass. ctx is only used for tracing; the pass
// cannot be cancelled once started. The load state of src is never changed.
func (p *Pipeline) Transcribe(ctx context.Context, src Source, req Request) (Result, error) {
	wctx, ok := src.Current()
	if !ok {
		p.record(ctx, KindNotReady)
		return Result{}, ErrNotReady
	}
	if len(req.Samples) == 0 {
		p.record(ctx, KindEmptyAudio)
		return Result{}, ErrEmptyAudio
	}

	params := p.Params(req.Language)
	ctx, span := p.tracer.Start(ctx, "transcribe.Full", trace.WithAttributes(
		attribute.String("whisper.language", params.Language),
		attribute.Int("whisper.samples", len(req.Samples)),
		attribute.Int("whisper.threads", params.Threads),
		attribute.String("whisper.context_id", wctx.ID),
	))
	defer span.End()

	model := wctx.Model()
	start := time.Now()
	status := model.Full(params, req.Samples)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("whisper.status", status))
	if p.duration != nil {
		p.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0)
	}

	if status != engine.StatusOK {
		err := &EngineError{Code: status}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.record(ctx, KindEngine)
		p.log.Warn("inference failed", slog.Int("status", status), slog.String("language", params.Language))
		return Result{}, err
	}

	n := model.NumSegments()
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(model.SegmentText(i))
	}
	p.record(ctx, KindNone)
	p.log.Debug("transcription complete",
		slog.Int("segments", n),
		slog.Int("samples", len(req.Samples)),
		slog.Duration("latency", elapsed),
	)
	return Result{
		Text:      b.String(),
		Segments:  n,
		Language:  params.Language,
		ContextID: wctx.ID,
		Inference: elapsed,
	}, nil
}

func (p *Pipeline) record(ctx context.Context, kind Kind) {
	if p.calls == nil {
		return
	}
	p.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind.String())))
}
