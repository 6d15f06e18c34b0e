// Package telemetry publishes netplay session events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/versus-project/versus/internal/config"
	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/util"
)

// MQTT topics
const (
	TopicAdmin   = "versus/admin"
	TopicSession = "versus/session"
	TopicLatency = "versus/latency"
	TopicSync    = "versus/sync"
	TopicAlert   = "versus/alert"
)

// publisher is the part of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes bus events as JSON messages, each tagged with host
// metadata.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
	now      func() time.Time
}

// NewMQTTHandler creates a handler for the configured broker. It does not
// connect; Start does.
func NewMQTTHandler(cfg config.MQTTConfig, role events.Role, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := newHandler(cfg, eventBus, hostMetadata(sysInfo, role))

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("versus-%s-%s", sysInfo.Hostname, role))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client
	return handler, nil
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus, metadata map[string]interface{}) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: metadata,
		logger:   util.ComponentLogger("mqtt"),
		now:      time.Now,
	}
}

func hostMetadata(sysInfo util.SystemInfo, role events.Role) map[string]interface{} {
	return map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"platform":  sysInfo.Platform,
		"cpu_model": sysInfo.CPUModel,
		"cpu_cores": sysInfo.CPUCores,
		"memory_mb": sysInfo.TotalMemory,
		"role":      role.String(),
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects to the broker, subscribes to bus events and blocks until ctx
// is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventSessionStarted, "mqtt.sessionStarted", h.onSessionStarted)
	h.eventBus.Subscribe(events.EventSessionEnded, "mqtt.sessionEnded", h.onSessionEnded)
	h.eventBus.Subscribe(events.EventPingMeasured, "mqtt.ping", h.onPing)
	h.eventBus.Subscribe(events.EventResync, "mqtt.resync", h.onResync)
	h.eventBus.Subscribe(events.EventSnapshotDropped, "mqtt.snapshotDropped", h.onSnapshotDropped)
	h.eventBus.Subscribe(events.EventLatencyAlert, "mqtt.latencyAlert", h.onLatencyAlert)
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if h.pub == nil || !h.pub.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	h.mu.Lock()
	token := h.pub.Publish(topic, 1, false, data) // QoS 1
	h.mu.Unlock()

	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return msg
}

// Event handlers

func (h *MQTTHandler) onSessionStarted(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SessionStartedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicSession, map[string]interface{}{
		"event": "session_started",
		"role":  p.Role.String(),
		"peer":  p.Peer,
	})
	return nil
}

func (h *MQTTHandler) onSessionEnded(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SessionEndedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicSession, map[string]interface{}{
		"event": "session_ended",
		"role":  p.Role.String(),
		"ticks": p.Ticks,
		"error": p.Error,
	})
	return nil
}

func (h *MQTTHandler) onPing(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.PingPayload)
	if !ok {
		return nil
	}
	h.publish(TopicLatency, map[string]interface{}{
		"id":     p.ID,
		"rtt_ms": float64(p.RTT) / float64(time.Millisecond),
	})
	return nil
}

func (h *MQTTHandler) onResync(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ResyncPayload)
	if !ok {
		return nil
	}
	h.publish(TopicSync, map[string]interface{}{
		"event":     "resync",
		"from_tick": p.FromTick,
		"to_tick":   p.ToTick,
		"replayed":  p.Replayed,
	})
	return nil
}

func (h *MQTTHandler) onSnapshotDropped(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SnapshotDroppedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicSync, map[string]interface{}{
		"event":  "snapshot_dropped",
		"tick":   p.Tick,
		"reason": p.Reason,
	})
	return nil
}

func (h *MQTTHandler) onLatencyAlert(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.LatencyAlertPayload)
	if !ok {
		return nil
	}
	h.publish(TopicAlert, map[string]interface{}{
		"level":        string(p.Level),
		"rtt_ms":       float64(p.RTT) / float64(time.Millisecond),
		"threshold_ms": float64(p.Threshold) / float64(time.Millisecond),
	})
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
