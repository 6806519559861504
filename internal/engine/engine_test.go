package engine

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/config"
)

func TestNewSelectsBackend(t *testing.T) {
	eng, err := New(config.EngineConfig{Mode: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.Name() != "mock" {
		t.Fatalf("expected mock engine, got %s", eng.Name())
	}

	if _, err := New(config.EngineConfig{Mode: "exec"}); err == nil {
		t.Fatalf("expected error for exec without command")
	}
	if _, err := New(config.EngineConfig{Mode: "quantum"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}

	_, err = New(config.EngineConfig{Mode: "native"})
	if NativeAvailable() {
		if err != nil {
			t.Fatalf("native engine should be available: %v", err)
		}
	} else if !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("expected ErrNativeUnavailable, got %v", err)
	}
}

func TestMockCountsLifecycle(t *testing.T) {
	m := NewMock()
	a, err := m.Open("a.bin")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := m.Open("b.bin")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if m.Live() != 2 || m.MaxLive() != 2 || m.Opened() != 2 {
		t.Fatalf("unexpected counters live=%d max=%d opened=%d", m.Live(), m.MaxLive(), m.Opened())
	}
	_ = a.Close()
	_ = a.Close()
	_ = b.Close()
	if m.Live() != 0 {
		t.Fatalf("expected no live models, got %d", m.Live())
	}
}

func TestMockRequireFile(t *testing.T) {
	m := &Mock{RequireFile: true}
	if _, err := m.Open(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatalf("expected error for missing model")
	}
	if _, err := m.Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestMockScriptedPass(t *testing.T) {
	m := &Mock{
		Segments: func(Params, []float32) []string { return []string{" hello", " world"} },
	}
	model, _ := m.Open("model.bin")
	if code := model.Full(Params{Language: "en"}, []float32{0.1}); code != StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if model.NumSegments() != 2 || model.SegmentText(1) != " world" {
		t.Fatalf("unexpected segments")
	}
	if model.SegmentText(5) != "" {
		t.Fatalf("out of range segment should be empty")
	}

	m.Status = func(Params, []float32) int { return 7 }
	if code := model.Full(Params{}, []float32{0.1}); code != 7 {
		t.Fatalf("expected status 7, got %d", code)
	}
	if model.NumSegments() != 0 {
		t.Fatalf("failed pass must not expose segments")
	}
	if m.Runs() != 2 {
		t.Fatalf("expected 2 runs, got %d", m.Runs())
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "whisper-cli.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecReadsSegmentsFromStdout(t *testing.T) {
	script := writeScript(t, `echo " hello"; echo ""; echo " world"`)
	eng, err := NewExec(script+" --extra", 0)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	modelPath := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(modelPath, []byte("ggml"), 0o644); err != nil {
		t.Fatal(err)
	}
	model, err := eng.Open(modelPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer model.Close()

	if code := model.Full(Params{Language: "en", Threads: 4}, []float32{0, 0.5}); code != StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var got []string
	for i := 0; i < model.NumSegments(); i++ {
		got = append(got, model.SegmentText(i))
	}
	if strings.Join(got, "") != " hello world" {
		t.Fatalf("unexpected segments %q", got)
	}
}

func TestExecExitCodeIsStatus(t *testing.T) {
	script := writeScript(t, `exit 3`)
	eng, err := NewExec(script, 0)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	modelPath := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(modelPath, []byte("ggml"), 0o644); err != nil {
		t.Fatal(err)
	}
	model, err := eng.Open(modelPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if code := model.Full(Params{}, []float32{0}); code != 3 {
		t.Fatalf("expected status 3, got %d", code)
	}
}

func openExecModel(t *testing.T, eng *Exec) Model {
	t.Helper()
	modelPath := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(modelPath, []byte("ggml"), 0o644); err != nil {
		t.Fatal(err)
	}
	model, err := eng.Open(modelPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = model.Close() })
	return model
}

func TestExecReadsLongSegments(t *testing.T) {
	script := writeScript(t, `head -c 200000 /dev/zero | tr '\0' a; echo; echo " tail"`)
	eng, err := NewExec(script, 0)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	model := openExecModel(t, eng)
	if code := model.Full(Params{Language: "en"}, []float32{0}); code != StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if model.NumSegments() != 2 {
		t.Fatalf("expected 2 segments, got %d", model.NumSegments())
	}
	if got := len(model.SegmentText(0)); got != 200000 {
		t.Fatalf("long segment truncated to %d bytes", got)
	}
	if model.SegmentText(1) != " tail" {
		t.Fatalf("unexpected last segment %q", model.SegmentText(1))
	}
}

func TestExecRunsWithoutDeadlineByDefault(t *testing.T) {
	script := writeScript(t, `sleep 0.3; echo " done"`)
	eng, err := NewExec(script, 0)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	model := openExecModel(t, eng)
	if code := model.Full(Params{}, []float32{0}); code != StatusOK || model.SegmentText(0) != " done" {
		t.Fatalf("unexpected result status=%d segments=%d", code, model.NumSegments())
	}
}

func TestExecTimeoutIsOptIn(t *testing.T) {
	script := writeScript(t, `exec sleep 5`)
	eng, err := NewExec(script, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	model := openExecModel(t, eng)
	start := time.Now()
	if code := model.Full(Params{}, []float32{0}); code == StatusOK {
		t.Fatalf("expected a killed pass to report failure")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not applied, pass took %s", elapsed)
	}
	if _, err := NewExec(script, -time.Second); err == nil {
		t.Fatalf("expected error for negative timeout")
	}
}

func TestExecOpenMissingModel(t *testing.T) {
	eng, err := NewExec("whisper-cli", 0)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if _, err := eng.Open(filepath.Join(t.TempDir(), "nope.bin")); err == nil {
		t.Fatalf("expected error for missing model file")
	}
}
