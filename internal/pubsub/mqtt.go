// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-rvc/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*config.Config, mqtt.OnConnectHandler, mqtt.ConnectionLostHandler) mqtt.Client
	logger        zerolog.Logger

	mu        sync.RWMutex
	connected bool
	onConnect func()
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{
		config: cfg,
		client: client,
		logger: log.With().Str("component", "mqtt").Logger(),
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-rvc-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onLost)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// OnConnect sets a callback run after every (re)connection to the broker.
func (p *MQTTPublisher) OnConnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = fn
}

// Connected reports whether the broker connection is up.
func (p *MQTTPublisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// handleConnect is called by the client when a connection is made or remade.
func (p *MQTTPublisher) handleConnect(_ mqtt.Client) {
	p.logger.Info().Msg("MQTT connection established")
	p.setConnected(true)

	p.mu.RLock()
	fn := p.onConnect
	p.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// handleConnectionLost is called by the client when the connection drops.
func (p *MQTTPublisher) handleConnectionLost(_ mqtt.Client, err error) {
	p.setConnected(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	// Create client if not already set (for testing)
	if p.client == nil {
		p.client = p.clientFactory(p.config, p.handleConnect, p.handleConnectionLost)
	}

	// Connect with context for timeout
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.setConnected(true)
	p.logger.Info().
		Str("broker", fmt.Sprintf("%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		Msg("Connected to MQTT broker")

	return nil
}

// Publish sends data to the specified topic. Strings and byte slices are sent as is,
// anything else is encoded as JSON.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	return p.publish(ctx, topic, data, p.config.MQTT.Retain)
}

// PublishRetained sends data with the retain flag set.
func (p *MQTTPublisher) PublishRetained(ctx context.Context, topic string, data interface{}) error {
	return p.publish(ctx, topic, data, true)
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, data interface{}, retain bool) error {
	if !p.config.MQTT.Enabled || !p.Connected() {
		return nil
	}

	var payload interface{}
	switch v := data.(type) {
	case string, []byte:
		payload = v
	default:
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data to JSON: %w", err)
		}
		payload = jsonData
	}

	// Publish with context for timeout
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	// Wait for publication or context timeout
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.Connected() {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.setConnected(false)
	}
	return nil
}
