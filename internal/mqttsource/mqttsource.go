// Package mqttsource ingests smart-home state through an MQTT
// statestream. Hubs that mirror entity state to a broker publish
// retained per-attribute topics under a prefix
// (e.g. homeassistant/statestream/light/kitchen/state); this source
// subscribes to the prefix and normalizes state topics into the same
// home-source event shape the WebSocket stream produces. It is an
// alternative ingest path for deployments where the broker is more
// reliable than the hub's API.
package mqttsource

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/metrics"
)

const (
	// DefaultTopicPrefix matches the hub's statestream default.
	DefaultTopicPrefix = "homeassistant/statestream"

	connectTimeout = 30 * time.Second

	// Global inbound budget; a chatty statestream can flood the
	// pipeline on broker reconnect when retained topics replay.
	rateLimit    = 600
	rateInterval = time.Minute
)

// Config holds the broker connection settings. The source is disabled
// unless BrokerURL is set.
type Config struct {
	BrokerURL   string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Source is the MQTT statestream event source.
type Source struct {
	cfg     Config
	emitter events.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger

	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc

	// lock-free inbound rate accounting
	count   atomic.Int64
	dropped atomic.Int64
}

// New creates the statestream source. metrics may be nil.
func New(cfg Config, emitter events.Emitter, m *metrics.Metrics, logger *slog.Logger) *Source {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "assistant-statestream"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		cfg:     cfg,
		emitter: emitter,
		metrics: m,
		logger:  logger.With("source", "mqtt"),
	}
}

// Name implements events.Source. Statestream events join the home
// source so listeners match them with the same conditions.
func (s *Source) Name() string { return events.SourceHome }

// Start connects to the broker and subscribes to the statestream.
// autopaho owns reconnection; subscriptions are re-established on
// every connect.
func (s *Source) Start(ctx context.Context) error {
	if s.cfg.BrokerURL == "" {
		return fmt.Errorf("mqtt source: broker url not configured")
	}
	brokerURL, err := url.Parse(s.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	topic := s.cfg.TopicPrefix + "/#"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected, subscribing", "broker", s.cfg.BrokerURL, "topic", topic)
			if _, err := cm.Subscribe(runCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
			}); err != nil {
				s.logger.Error("statestream subscribe failed", "topic", topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, connCancel := context.WithTimeout(runCtx, connectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	go s.rateLoop(runCtx)
	return nil
}

// Stop disconnects from the broker.
func (s *Source) Stop() {
	if s.cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cm.Disconnect(ctx); err != nil {
			s.logger.Debug("mqtt disconnect", "error", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// handleMessage normalizes one statestream publish. Topics are
// <prefix>/<domain>/<object>/<attribute>; only the state attribute
// becomes an event, other attributes are too chatty to be useful as
// triggers.
func (s *Source) handleMessage(topic string, payload []byte) {
	if !s.allow() {
		return
	}

	rest, ok := strings.CutPrefix(topic, s.cfg.TopicPrefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "state" {
		return
	}
	domain := parts[0]
	object := strings.Join(parts[1:len(parts)-1], "_")
	entityID := domain + "." + object

	state := strings.Trim(string(payload), "\"")

	data := map[string]any{
		"event_type": "state_changed",
		"entity_id":  entityID,
		"new_state":  map[string]any{"state": state},
	}
	ev := events.New(events.SourceHome, "state_changed", data)
	if !s.emitter.Emit(ev) && s.metrics != nil {
		s.metrics.EventsDropped.WithLabelValues(events.SourceHome).Inc()
	}
}

// allow enforces the global inbound budget without locks.
func (s *Source) allow() bool {
	if s.count.Add(1) > rateLimit {
		s.dropped.Add(1)
		return false
	}
	return true
}

// rateLoop resets the budget each interval and reports drops.
func (s *Source) rateLoop(ctx context.Context) {
	ticker := time.NewTicker(rateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received := s.count.Swap(0)
			dropped := s.dropped.Swap(0)
			if dropped > 0 {
				s.logger.Warn("statestream messages dropped due to rate limit",
					"received", received, "dropped", dropped, "limit", rateLimit)
			}
		}
	}
}
