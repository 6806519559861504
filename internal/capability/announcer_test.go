package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "capability-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig() config.NodeConfig {
	return config.NodeConfig{
		ID:                "whisper-test",
		Role:              "stt",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  500,
		Capabilities:      []config.NodeCapability{{Name: "stt.whisper", Tier: "local", Attributes: map[string]string{"engine": "mock"}}},
	}
}

func TestAnnouncerAdvertisesModelState(t *testing.T) {
	client := connect(t)
	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe("ctrl.node.>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var loaded atomic.Bool
	attrs := func() map[string]string {
		return map[string]string{"model_loaded": strconv.FormatBool(loaded.Load())}
	}
	a, err := NewAnnouncer(context.Background(), nodeConfig(), client, attrs, newLogger())
	if err != nil {
		t.Fatalf("new announcer: %v", err)
	}
	t.Cleanup(a.Close)

	next := func() (string, Message) {
		t.Helper()
		select {
		case msg := <-msgs:
			var m Message
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				t.Fatalf("decode %s: %v", msg.Subject, err)
			}
			return msg.Subject, m
		case <-time.After(5 * time.Second):
			t.Fatalf("no control message published")
		}
		return "", Message{}
	}

	subject, announce := next()
	if subject != SubjectAnnounce || announce.NodeID != "whisper-test" || announce.Role != "stt" {
		t.Fatalf("unexpected announce %s %+v", subject, announce)
	}
	if got := announce.Capabilities; len(got) != 1 || got[0].Name != "stt.whisper" ||
		got[0].Attributes["engine"] != "mock" || got[0].Attributes["model_loaded"] != "false" {
		t.Fatalf("unexpected capabilities %+v", got)
	}

	loaded.Store(true)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		subject, hb := next()
		if subject != SubjectHeartbeatPrefix+".whisper-test" || hb.Role != "" {
			t.Fatalf("unexpected heartbeat %s %+v", subject, hb)
		}
		if hb.Capabilities[0].Attributes["model_loaded"] == "true" {
			return
		}
	}
	t.Fatalf("heartbeat never reported the loaded model")
}

func TestLiveAttributesOverrideConfigured(t *testing.T) {
	a := &Announcer{cfg: nodeConfig(), attributes: func() map[string]string {
		return map[string]string{"engine": "exec", "model_path": "base.en.bin"}
	}}
	caps := a.capabilities()
	if len(caps) != 1 {
		t.Fatalf("expected one capability, got %d", len(caps))
	}
	if caps[0].Attributes["engine"] != "exec" || caps[0].Attributes["model_path"] != "base.en.bin" || caps[0].Tier != "local" {
		t.Fatalf("unexpected capability %+v", caps[0])
	}

	bare := &Announcer{cfg: config.NodeConfig{Capabilities: []config.NodeCapability{{Name: "stt.whisper"}}}}
	if caps := bare.capabilities(); caps[0].Attributes != nil {
		t.Fatalf("expected no attributes, got %v", caps[0].Attributes)
	}
}

func TestNewAnnouncerRequiresBus(t *testing.T) {
	if _, err := NewAnnouncer(context.Background(), nodeConfig(), nil, nil, newLogger()); err == nil {
		t.Fatalf("expected error without a bus client")
	}
}
