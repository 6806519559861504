package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/loqalabs/loqa-whisper/internal/transcribe"
	"github.com/nats-io/nats.go"
)

var methods = []string{
	protocol.MethodInit,
	protocol.MethodTranscribe,
	protocol.MethodFree,
	protocol.MethodStatus,
}

// Service serves the bridge methods over NATS request/reply. Requests on every
// method subject share one queue and are handled by a single goroutine in
// arrival order.
type Service struct {
	cfg             config.BridgeConfig
	defaultLanguage string
	bridge          *Bridge
	bus             *bus.Client
	log             *slog.Logger

	msgs   chan *nats.Msg
	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func NewService(cfg config.BridgeConfig, defaultLanguage string, b *Bridge, busClient *bus.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:             cfg,
		defaultLanguage: defaultLanguage,
		bridge:          b,
		bus:             busClient,
		log:             logger.With(slog.String("component", "whisper-bridge"), slog.String("subject_prefix", cfg.SubjectPrefix)),
	}
}

// Start subscribes to the method subjects and starts the dispatch goroutine.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus == nil {
		return fmt.Errorf("bridge service requires a bus connection")
	}
	size := s.cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	s.msgs = make(chan *nats.Msg, size)

	for _, method := range methods {
		subject := protocol.Subject(s.cfg.SubjectPrefix, method)
		sub, err := s.bus.Conn().ChanSubscribe(subject, s.msgs)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.dispatch(ctx)
	s.ready.Store(true)
	s.log.Info("bridge service listening", slog.Int("queue_size", size))
	return nil
}

// Close stops accepting requests and waits for the in-flight call to finish.
func (s *Service) Close() {
	s.ready.Store(false)
	s.unsubscribe()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Healthy reports whether the service is serving, or disabled.
func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			s.serve(ctx, msg)
		}
	}
}

func (s *Service) serve(ctx context.Context, msg *nats.Msg) {
	method := strings.TrimPrefix(msg.Subject, s.cfg.SubjectPrefix+".")
	resp := s.Handle(ctx, method, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to encode reply", slog.String("method", method), slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slog.String("method", method), slog.String("error", err.Error()))
	}
}

// Handle executes one method call and builds its reply. A panic in the call is
// recovered and reported as an internal error.
func (s *Service) Handle(ctx context.Context, method string, payload []byte) (resp protocol.MethodResponse) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("bridge method panicked", slog.String("method", method), slog.Any("panic", r))
			resp = failure(protocol.CodeInternal, fmt.Sprintf("internal error: %v", r), s.bridge.Ready())
		}
	}()

	switch method {
	case protocol.MethodInit:
		return s.handleInit(ctx, payload)
	case protocol.MethodTranscribe:
		return s.handleTranscribe(ctx, payload)
	case protocol.MethodFree:
		s.bridge.Release(ctx)
		return protocol.MethodResponse{OK: true, Ready: false}
	case protocol.MethodStatus:
		return protocol.MethodResponse{OK: true, Ready: s.bridge.Ready(), ModelPath: s.bridge.ModelPath()}
	default:
		return failure(protocol.CodeUnknownMethod, fmt.Sprintf("unknown method %q", method), s.bridge.Ready())
	}
}

func (s *Service) handleInit(ctx context.Context, payload []byte) protocol.MethodResponse {
	var req protocol.InitRequest
	if err := decodeArgs(payload, &req); err != nil {
		return failure(protocol.CodeInvalidArgs, err.Error(), s.bridge.Ready())
	}
	if req.ModelPath == "" {
		return failure(protocol.CodeInvalidArgs, "model_path is required", s.bridge.Ready())
	}
	if err := s.bridge.Load(ctx, req.ModelPath); err != nil {
		return failure(protocol.CodeInitFailed, err.Error(), false)
	}
	return protocol.MethodResponse{OK: true, Ready: true, ModelPath: req.ModelPath}
}

func (s *Service) handleTranscribe(ctx context.Context, payload []byte) protocol.MethodResponse {
	var req protocol.TranscribeRequest
	if err := decodeArgs(payload, &req); err != nil {
		return failure(protocol.CodeInvalidArgs, err.Error(), s.bridge.Ready())
	}
	if req.AudioPath == "" {
		return failure(protocol.CodeInvalidArgs, "audio_path is required", s.bridge.Ready())
	}
	language := req.Language
	if language == "" {
		language = s.defaultLanguage
	}

	call := callRequest{ID: uuid.NewString(), SessionID: req.SessionID, AudioPath: req.AudioPath, Language: language}
	res, err := s.bridge.transcribe(ctx, call)
	if err != nil {
		return failure(codeFor(err), err.Error(), s.bridge.Ready())
	}

	if s.cfg.PublishTranscripts {
		s.publish(call, res)
	}
	return protocol.MethodResponse{OK: true, Text: res.Text, Ready: true}
}

func (s *Service) publish(call callRequest, res transcribe.Result) {
	sessionID := call.SessionID
	if sessionID == "" {
		sessionID = call.ID
	}
	transcript := protocol.Transcript{
		SessionID: sessionID,
		Text:      res.Text,
		Partial:   false,
		Timestamp: time.Now().UTC(),
		Language:  res.Language,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, transcript); err != nil {
		s.log.Warn("failed to publish transcript", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

func decodeArgs(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func codeFor(err error) string {
	switch transcribe.KindOf(err) {
	case transcribe.KindNotReady:
		return protocol.CodeNotReady
	case transcribe.KindEmptyAudio:
		return protocol.CodeEmptyAudio
	case transcribe.KindDecode:
		return protocol.CodeDecodeFailed
	default:
		return protocol.CodeTranscribeFailed
	}
}

func failure(code, message string, ready bool) protocol.MethodResponse {
	return protocol.MethodResponse{
		OK:    false,
		Ready: ready,
		Error: &protocol.MethodError{Code: code, Message: message},
	}
}
