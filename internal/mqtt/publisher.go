package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventBuffer is the bus subscription depth. Events beyond it are
// dropped by the bus rather than stalling publishers.
const eventBuffer = 256

// publishFunc sends one message. Tests replace it.
type publishFunc func(ctx context.Context, topic string, payload []byte, retain bool) error

// Publisher forwards bus events to the broker and dispatches inbound
// commands.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	commands *Commands

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. clientID should come
// from [ClientID] so restarts reuse the same session identity.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, commands *Commands, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = cfg.ClientID
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger,
		commands: commands,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	commandFilter := p.topic("command", "+")

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       p.cfg.KeepAlive,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			if p.commands != nil {
				if _, err := cm.Subscribe(ctx, &paho.Subscribe{
					Subscriptions: []paho.SubscribeOptions{{Topic: commandFilter, QoS: 1}},
				}); err != nil {
					p.logger.Warn("mqtt command subscribe failed", "topic", commandFilter, "error", err)
				}
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(ch)
	p.forward(ctx, ch, func(ctx context.Context, topic string, payload []byte, retain bool) error {
		_, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0, Retain: retain})
		return err
	})
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. connwatch uses it as a probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// forward publishes events from ch until ctx is done or ch closes.
func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event, publish publishFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("mqtt marshal event", "source", ev.Source, "kind", ev.Kind, "error", err)
				continue
			}
			topic := p.EventTopic(ev)
			if err := publish(ctx, topic, payload, false); err != nil {
				p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
			}
		}
	}
}

func (p *Publisher) onMessage(ctx context.Context, topic string, payload []byte) {
	if p.commands == nil {
		return
	}
	prefix := p.topic("command", "")
	name, ok := strings.CutPrefix(topic, prefix)
	if !ok || name == "" {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	p.commands.Dispatch(ctx, name, payload)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

// EventTopic returns the topic ev is published on.
func (p *Publisher) EventTopic(ev events.Event) string {
	return p.topic(ev.Source, ev.Kind)
}

func (p *Publisher) availabilityTopic() string {
	return strings.TrimRight(p.cfg.TopicPrefix, "/") + "/availability"
}

func (p *Publisher) topic(parts ...string) string {
	return strings.TrimRight(p.cfg.TopicPrefix, "/") + "/" + strings.Join(parts, "/")
}

// ClientID returns base plus a stable per-install suffix persisted in
// dataDir, so two deployments sharing a broker never take over each
// other's session.
func ClientID(base, dataDir string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_client_id")

	if data, err := os.ReadFile(path); err == nil {
		if suffix := strings.TrimSpace(string(data)); suffix != "" {
			return base + "-" + suffix, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}
	suffix := strings.ReplaceAll(id.String(), "-", "")[:12]
	if err := os.WriteFile(path, []byte(suffix+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client ID to %s: %w", path, err)
	}
	return base + "-" + suffix, nil
}
