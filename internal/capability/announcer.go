// Package capability advertises this node's recognition capability on the
// control bus so routers can find a whisper node with a model loaded.
package capability

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Message is the announce and heartbeat payload. Role is only set on announce.
type Message struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// AttributeFunc returns live attributes merged into every advertised capability.
type AttributeFunc func() map[string]string

// Announcer publishes one announce at start and a heartbeat every interval.
type Announcer struct {
	cfg        config.NodeConfig
	log        *slog.Logger
	bus        *bus.Client
	attributes AttributeFunc
	cancel     context.CancelFunc
	done       chan struct{}
	published  metric.Int64Counter
}

// NewAnnouncer announces this node and starts heartbeats. attrs may be nil.
func NewAnnouncer(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, attrs AttributeFunc, log *slog.Logger) (*Announcer, error) {
	if busClient == nil {
		return nil, errors.New("capability: bus client required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("capability: heartbeat interval must be positive")
	}
	a := &Announcer{
		cfg:        cfg,
		log:        log.With(slog.String("component", "capability-announcer"), slog.String("node_id", cfg.ID)),
		bus:        busClient,
		attributes: attrs,
		done:       make(chan struct{}),
	}
	published, err := otel.Meter("github.com/loqalabs/loqa-whisper/capability").Int64Counter(
		"loqa.capability.publishes", metric.WithDescription("Announce and heartbeat publishes by outcome"))
	if err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	a.published = published

	if err := a.publish(SubjectAnnounce, "announce", cfg.Role); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx)
	return a, nil
}

// Close stops heartbeats and waits for the loop to exit.
func (a *Announcer) Close() {
	a.cancel()
	<-a.done
}

func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	subject := SubjectHeartbeatPrefix + "." + a.cfg.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publish(subject, "heartbeat", ""); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) publish(subject, kind, role string) error {
	msg := Message{
		NodeID:       a.cfg.ID,
		Role:         role,
		Capabilities: a.capabilities(),
		Timestamp:    time.Now().UTC(),
	}
	err := a.bus.PublishJSON(subject, msg)
	if a.published != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		a.published.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome)))
	}
	return err
}

// capabilities returns the configured capabilities with live attributes
// applied. Live values win over configured ones.
func (a *Announcer) capabilities() []Capability {
	var live map[string]string
	if a.attributes != nil {
		live = a.attributes()
	}
	result := make([]Capability, 0, len(a.cfg.Capabilities))
	for _, c := range a.cfg.Capabilities {
		attrs := make(map[string]string, len(c.Attributes)+len(live))
		maps.Copy(attrs, c.Attributes)
		maps.Copy(attrs, live)
		if len(attrs) == 0 {
			attrs = nil
		}
		result = append(result, Capability{Name: c.Name, Tier: c.Tier, Attributes: attrs})
	}
	return result
}
