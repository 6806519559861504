package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bridge"
	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/engine"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/loqalabs/loqa-whisper/internal/transcribe"
	"github.com/loqalabs/loqa-whisper/internal/wav"
	"github.com/loqalabs/loqa-whisper/internal/whisper"
)

var version = "0.1.0-dev"

const usage = "expected 'decode', 'transcribe', 'call', 'history' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = runDecode(os.Args[2:], os.Stdout)
	case "transcribe":
		err = runTranscribe(os.Args[2:], os.Stdout)
	case "call":
		err = runCall(os.Args[2:], os.Stdout)
	case "history":
		err = runHistory(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; %s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDecode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	file := fs.String("file", "", "WAV file to decode")
	strict := fs.Bool("strict", false, "Reject anything but 16-bit PCM RIFF/WAVE")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("decode: -file is required")
	}
	buf, err := wav.Decoder{Strict: *strict}.DecodeFile(*file)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sample_rate=%d samples=%d duration=%s\n", buf.SampleRate, buf.Len(), buf.Duration())
	return nil
}

func runTranscribe(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	model := fs.String("model", "", "Model file")
	audio := fs.String("audio", "", "WAV file to transcribe")
	lang := fs.String("lang", "", "Language hint (defaults to engine.default_language)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *audio == "" {
		return fmt.Errorf("transcribe: -audio is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *model != "" {
		cfg.Engine.ModelPath = *model
	}
	if cfg.Engine.ModelPath == "" {
		return fmt.Errorf("transcribe: -model is required")
	}
	language := *lang
	if language == "" {
		language = cfg.Engine.DefaultLanguage
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return err
	}
	b := bridge.New(
		whisper.NewManager(eng, logger),
		transcribe.New(transcribe.Options{Threads: cfg.Engine.Threads}, logger),
		wav.Decoder{Strict: cfg.Engine.StrictWAV},
		nil,
		logger,
	)
	ctx := context.Background()
	if err := b.Load(ctx, cfg.Engine.ModelPath); err != nil {
		return err
	}
	defer b.Release(ctx)

	res, err := b.TranscribeFile(ctx, *audio, language)
	if err != nil {
		return fmt.Errorf("transcribe (%s): %w", transcribe.KindOf(err), err)
	}
	fmt.Fprintln(out, res.Text)
	return nil
}

func runCall(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	server := fs.String("server", "nats://localhost:4222", "NATS server URL")
	prefix := fs.String("prefix", "whisper", "Bridge subject prefix")
	method := fs.String("method", protocol.MethodStatus, "Method: init, transcribe, free or status")
	model := fs.String("model", "", "Model file (init)")
	audio := fs.String("audio", "", "WAV file (transcribe)")
	lang := fs.String("lang", "", "Language hint (transcribe)")
	session := fs.String("session", "", "Session id (transcribe)")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var req any
	switch *method {
	case protocol.MethodInit:
		req = protocol.InitRequest{ModelPath: *model}
	case protocol.MethodTranscribe:
		req = protocol.TranscribeRequest{AudioPath: *audio, Language: *lang, SessionID: *session}
	case protocol.MethodFree, protocol.MethodStatus:
		req = struct{}{}
	default:
		return fmt.Errorf("call: unknown method %q", *method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{*server}, ConnectTimeout: 2000}, "whisperctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.MethodResponse
	if err := client.RequestJSON(ctx, protocol.Subject(*prefix, *method), req, &resp); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("call %s failed", *method)
	}
	return nil
}

func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dbPath := fs.String("db", config.Default().EventStore.Path, "Journal database")
	limit := fs.Int("limit", 20, "Number of records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*dbPath); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{Path: *dbPath, RetentionMode: "persistent"}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(context.Background(), *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOUTCOME\tSTATUS\tLANG\tSAMPLES\tINFER_MS\tAUDIO\tTEXT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%.1f\t%s\t%q\n",
			r.CreatedAt.Format(time.RFC3339), r.Outcome, r.Status, r.Language, r.Samples, r.InferenceMS, r.AudioPath, r.Text)
	}
	return tw.Flush()
}
