// Package bridge exposes model loading, transcription and release to callers
// outside the process. Load, transcribe and release are serialized; the
// underlying context is never used concurrently.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/transcribe"
	"github.com/loqalabs/loqa-whisper/internal/wav"
	"github.com/loqalabs/loqa-whisper/internal/whisper"
)

// Journal records transcription calls.
type Journal interface {
	Append(ctx context.Context, rec eventstore.Record) error
}

// Bridge owns the context manager and serializes access to it.
type Bridge struct {
	mu       sync.Mutex
	manager  *whisper.Manager
	pipeline *transcribe.Pipeline
	decoder  wav.Decoder
	journal  Journal
	log      *slog.Logger
}

// New wires a Bridge. journal may be nil.
func New(manager *whisper.Manager, pipeline *transcribe.Pipeline, decoder wav.Decoder, journal Journal, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		manager:  manager,
		pipeline: pipeline,
		decoder:  decoder,
		journal:  journal,
		log:      logger.With(slog.String("component", "whisper-bridge")),
	}
}

// InitWhisper loads modelPath and reports success.
func (b *Bridge) InitWhisper(modelPath string) bool {
	return b.Load(context.Background(), modelPath) == nil
}

// Transcribe returns the transcript of the WAV file at audioPath, or "" on any
// failure. An empty string is also a valid transcript of silence.
func (b *Bridge) Transcribe(audioPath, language string) string {
	res, err := b.TranscribeFile(context.Background(), audioPath, language)
	if err != nil {
		return ""
	}
	return res.Text
}

// FreeWhisper releases the loaded model, if any.
func (b *Bridge) FreeWhisper() {
	b.Release(context.Background())
}

// Ready reports whether a model is loaded. It does not wait for an in-flight
// call.
func (b *Bridge) Ready() bool {
	return b.manager.Ready()
}

// ModelPath returns the path of the loaded model, or "".
func (b *Bridge) ModelPath() string {
	return b.manager.ModelPath()
}

// Load replaces the current model with the one at modelPath.
func (b *Bridge) Load(ctx context.Context, modelPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.manager.Load(modelPath); err != nil {
		b.log.Error("failed to initialize whisper context", slog.String("model_path", modelPath), slog.String("error", err.Error()))
		return err
	}
	b.log.Info("whisper context initialized", slog.String("model_path", modelPath))
	return nil
}

// Release frees the current model. It is a no-op when nothing is loaded.
func (b *Bridge) Release(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manager.Release()
}

// TranscribeFile decodes the WAV file at audioPath and transcribes it.
func (b *Bridge) TranscribeFile(ctx context.Context, audioPath, language string) (transcribe.Result, error) {
	return b.transcribe(ctx, callRequest{AudioPath: audioPath, Language: language})
}

type callRequest struct {
	ID        string
	SessionID string
	AudioPath string
	Language  string
}

func (b *Bridge) transcribe(ctx context.Context, call callRequest) (res transcribe.Result, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	rec := eventstore.Record{
		CallID:    call.ID,
		SessionID: call.SessionID,
		AudioPath: call.AudioPath,
		Language:  call.Language,
	}
	defer func() { b.journalCall(ctx, rec, res, err) }()

	wctx, ok := b.manager.Current()
	if !ok {
		b.log.Warn("transcribe called before init", slog.String("audio_path", call.AudioPath))
		return transcribe.Result{}, transcribe.ErrNotReady
	}
	rec.ModelPath = wctx.ModelPath

	decodeStart := time.Now()
	buf, err := b.decodeFile(call.AudioPath)
	rec.DecodeMS = millis(time.Since(decodeStart))
	if err != nil {
		b.log.Error("failed to decode audio", slog.String("audio_path", call.AudioPath), slog.String("error", err.Error()))
		return transcribe.Result{}, err
	}
	rec.Samples = buf.Len()
	rec.SampleRate = buf.SampleRate

	res, err = b.pipeline.Transcribe(ctx, b.manager, transcribe.Request{Samples: buf.Samples, Language: call.Language})
	rec.InferenceMS = millis(res.Inference)
	if err != nil {
		b.log.Error("transcription failed",
			slog.String("audio_path", call.AudioPath),
			slog.String("kind", transcribe.KindOf(err).String()),
			slog.String("error", err.Error()))
		return transcribe.Result{}, err
	}
	b.log.Info("transcription complete",
		slog.String("call_id", call.ID),
		slog.Int("segments", res.Segments),
		slog.Int("samples", buf.Len()))
	return res, nil
}

func (b *Bridge) decodeFile(path string) (wav.Buffer, error) {
	r, release, err := openAudio(path)
	if err != nil {
		return wav.Buffer{}, &transcribe.DecodeError{Path: path, Err: err}
	}
	defer release()

	buf, err := b.decoder.DecodeReader(r)
	if err != nil {
		return wav.Buffer{}, &transcribe.DecodeError{Path: path, Err: err}
	}
	return buf, nil
}

// openAudio acquires the waveform file. The returned release func must be called
// on every path once the reader is no longer needed.
func openAudio(path string) (io.Reader, func(), error) {
	if path == "" {
		return nil, func() {}, errors.New("audio path required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open audio: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (b *Bridge) journalCall(ctx context.Context, rec eventstore.Record, res transcribe.Result, err error) {
	if b.journal == nil {
		return
	}
	rec.Outcome = transcribe.KindOf(err).String()
	rec.Status = transcribe.StatusOf(err)
	rec.Text = res.Text
	if res.Language != "" {
		rec.Language = res.Language
	}
	if jerr := b.journal.Append(ctx, rec); jerr != nil {
		b.log.Warn("failed to journal transcription", slog.String("call_id", rec.CallID), slog.String("error", jerr.Error()))
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
