package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/engine"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/transcribe"
	"github.com/loqalabs/loqa-whisper/internal/wav"
	"github.com/loqalabs/loqa-whisper/internal/whisper"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memoryJournal struct {
	mu      sync.Mutex
	records []eventstore.Record
}

func (j *memoryJournal) Append(_ context.Context, rec eventstore.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *memoryJournal) last(t *testing.T) eventstore.Record {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.records) == 0 {
		t.Fatalf("expected a journal record")
	}
	return j.records[len(j.records)-1]
}

type fixture struct {
	bridge  *Bridge
	mock    *engine.Mock
	journal *memoryJournal
	dir     string
}

func newFixture(t *testing.T, mock *engine.Mock) *fixture {
	t.Helper()
	logger := newLogger()
	journal := &memoryJournal{}
	b := New(
		whisper.NewManager(mock, logger),
		transcribe.New(transcribe.Options{Threads: 4}, logger),
		wav.Decoder{},
		journal,
		logger,
	)
	t.Cleanup(b.FreeWhisper)
	return &fixture{bridge: b, mock: mock, journal: journal, dir: t.TempDir()}
}

func (f *fixture) writeWAV(t *testing.T, name string, samples []float32) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := wav.WriteFile(path, samples, 16000); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func (f *fixture) writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(f.dir, "model.bin")
	if err := os.WriteFile(path, []byte("ggml"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func helloSegments(_ engine.Params, samples []float32) []string {
	return []string{"hello", " world"}
}

func TestBridgeScenario(t *testing.T) {
	f := newFixture(t, &engine.Mock{RequireFile: true, Segments: helloSegments})

	if f.bridge.Ready() {
		t.Fatalf("bridge must start unloaded")
	}
	if !f.bridge.InitWhisper(f.writeModel(t)) {
		t.Fatalf("expected init to succeed")
	}
	if !f.bridge.Ready() {
		t.Fatalf("expected ready after init")
	}

	silence := f.writeWAV(t, "silence.wav", nil)
	if got := f.bridge.Transcribe(silence, "en"); got != "" {
		t.Fatalf("expected empty transcript for silence, got %q", got)
	}
	if f.mock.Runs() != 0 {
		t.Fatalf("engine must not run for a header-only file")
	}
	if rec := f.journal.last(t); rec.Outcome != "empty_audio" || rec.Samples != 0 {
		t.Fatalf("unexpected journal record %+v", rec)
	}

	hello := f.writeWAV(t, "hello.wav", []float32{0.1, -0.2, 0.3, -0.4})
	if got := f.bridge.Transcribe(hello, "en"); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	rec := f.journal.last(t)
	if rec.Outcome != "ok" || rec.Text != "hello world" || rec.Samples != 4 || rec.SampleRate != 16000 || rec.Language != "en" {
		t.Fatalf("unexpected journal record %+v", rec)
	}
	if rec.ModelPath == "" || rec.CallID == "" {
		t.Fatalf("journal record must carry model path and call id")
	}

	f.bridge.FreeWhisper()
	if f.bridge.Ready() {
		t.Fatalf("expected unloaded after free")
	}
	f.bridge.FreeWhisper()
}

func TestBridgeTranscribeBeforeInit(t *testing.T) {
	f := newFixture(t, engine.NewMock())
	hello := f.writeWAV(t, "hello.wav", []float32{0.1})

	if got := f.bridge.Transcribe(hello, "en"); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
	_, err := f.bridge.TranscribeFile(context.Background(), hello, "en")
	if !errors.Is(err, transcribe.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if f.mock.Runs() != 0 {
		t.Fatalf("engine must not run before init")
	}
	if rec := f.journal.last(t); rec.Outcome != "not_ready" {
		t.Fatalf("unexpected outcome %q", rec.Outcome)
	}
}

func TestBridgeInitFailure(t *testing.T) {
	f := newFixture(t, &engine.Mock{RequireFile: true})
	if !f.bridge.InitWhisper(f.writeModel(t)) {
		t.Fatalf("expected first init to succeed")
	}
	if f.bridge.InitWhisper(filepath.Join(f.dir, "missing.bin")) {
		t.Fatalf("expected init to fail for missing model")
	}
	if f.bridge.Ready() {
		t.Fatalf("failed init must leave the bridge unloaded")
	}
	if f.mock.Live() != 0 {
		t.Fatalf("previous context leaked")
	}
}

func TestBridgeEngineFailureIsReported(t *testing.T) {
	mock := &engine.Mock{
		Segments: helloSegments,
		Status:   func(engine.Params, []float32) int { return 5 },
	}
	f := newFixture(t, mock)
	if !f.bridge.InitWhisper("model.bin") {
		t.Fatalf("expected init to succeed")
	}
	hello := f.writeWAV(t, "hello.wav", []float32{0.1, 0.2})

	if got := f.bridge.Transcribe(hello, "en"); got != "" {
		t.Fatalf("expected empty transcript on engine failure, got %q", got)
	}
	_, err := f.bridge.TranscribeFile(context.Background(), hello, "en")
	var engErr *transcribe.EngineError
	if !errors.As(err, &engErr) || engErr.Code != 5 {
		t.Fatalf("expected engine error with status 5, got %v", err)
	}
	if !f.bridge.Ready() {
		t.Fatalf("engine failure must not unload the model")
	}
	if rec := f.journal.last(t); rec.Outcome != "engine_failed" || rec.Status != 5 {
		t.Fatalf("unexpected journal record %+v", rec)
	}
}

func TestBridgeDecodeFailures(t *testing.T) {
	f := newFixture(t, engine.NewMock())
	if !f.bridge.InitWhisper("model.bin") {
		t.Fatalf("expected init to succeed")
	}

	short := filepath.Join(f.dir, "short.wav")
	if err := os.WriteFile(short, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{short, filepath.Join(f.dir, "missing.wav"), ""} {
		_, err := f.bridge.TranscribeFile(context.Background(), path, "en")
		if transcribe.KindOf(err) != transcribe.KindDecode {
			t.Fatalf("%q: expected decode failure, got %v", path, err)
		}
	}
	if f.mock.Runs() != 0 {
		t.Fatalf("engine must not run when decoding fails")
	}
}

func TestBridgeStrictDecoder(t *testing.T) {
	logger := newLogger()
	mock := engine.NewMock()
	b := New(whisper.NewManager(mock, logger), transcribe.New(transcribe.Options{}, logger), wav.Decoder{Strict: true}, nil, logger)
	if !b.InitWhisper("model.bin") {
		t.Fatalf("expected init to succeed")
	}
	t.Cleanup(b.FreeWhisper)

	bogus := filepath.Join(t.TempDir(), "bogus.wav")
	if err := os.WriteFile(bogus, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := b.TranscribeFile(context.Background(), bogus, "en")
	if !errors.Is(err, wav.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestBridgeSerializesCalls(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	mock := &engine.Mock{
		Segments: func(engine.Params, []float32) []string {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return []string{"x"}
		},
	}
	f := newFixture(t, mock)
	if !f.bridge.InitWhisper("model.bin") {
		t.Fatalf("expected init to succeed")
	}
	hello := f.writeWAV(t, "hello.wav", []float32{0.1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.bridge.Transcribe(hello, "en")
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected serialized inference, peak concurrency %d", peak)
	}
	if f.mock.Runs() != 8 {
		t.Fatalf("expected 8 runs, got %d", f.mock.Runs())
	}
}

func TestBridgeReadyDoesNotWaitForInference(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	mock := &engine.Mock{
		Segments: func(engine.Params, []float32) []string {
			close(started)
			<-finish
			return []string{"slow"}
		},
	}
	f := newFixture(t, mock)
	if !f.bridge.InitWhisper("model.bin") {
		t.Fatalf("expected init to succeed")
	}
	hello := f.writeWAV(t, "hello.wav", []float32{0.1})

	done := make(chan string, 1)
	go func() { done <- f.bridge.Transcribe(hello, "en") }()
	<-started

	observed := make(chan bool, 1)
	go func() { observed <- f.bridge.Ready() && f.bridge.ModelPath() == "model.bin" }()
	select {
	case ok := <-observed:
		if !ok {
			t.Fatalf("expected ready with model.bin while inference runs")
		}
	case <-time.After(time.Second):
		close(finish)
		t.Fatalf("Ready blocked behind inference")
	}

	close(finish)
	if got := <-done; got != "slow" {
		t.Fatalf("unexpected transcript %q", got)
	}
}
