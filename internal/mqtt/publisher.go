// Package mqtt bridges the live reading stream onto an MQTT broker so
// plant-wide dashboards and historians can consume readings without
// touching the HTTP API. The bridge is optional; it only runs when a
// broker URL is configured.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"pyromon/internal/broadcast"
)

// Config for the bridge.
type Config struct {
	Broker      string // e.g. tcp://10.0.0.5:1883; empty disables the bridge
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Publisher subscribes to the hub and forwards every event.
type Publisher struct {
	cfg    Config
	hub    *broadcast.Hub
	log    zerolog.Logger
	client paho.Client
}

// payload is the JSON document published per reading.
type payload struct {
	DeviceID     uint     `json:"device_id"`
	DeviceName   string   `json:"device_name"`
	Temperature  *float64 `json:"temperature"`
	Ambient      *float64 `json:"ambient_temp,omitempty"`
	Status       string   `json:"status"`
	Timestamp    string   `json:"timestamp"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

const publishTimeout = 2 * time.Second

// New builds the bridge; Run connects and forwards until ctx ends.
func New(cfg Config, hub *broadcast.Hub, log zerolog.Logger) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "pyromon"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "pyromon/readings"
	}
	return &Publisher{
		cfg: cfg,
		hub: hub,
		log: log.With().Str("component", "mqtt").Logger(),
	}
}

// Run connects to the broker and forwards hub events until ctx is done.
// Connection loss is handled by the client's auto-reconnect; events that
// arrive while disconnected are dropped, matching the live-stream contract.
func (p *Publisher) Run(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.log.Warn().Err(err).Msg("broker connection lost")
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		p.log.Info().Str("broker", p.cfg.Broker).Msg("connected to broker")
	})

	p.client = paho.NewClient(opts)
	if token := p.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("connect %s: %w", p.cfg.Broker, token.Error())
	}
	defer p.client.Disconnect(250)

	events, cancel := p.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.forward(ev)
		}
	}
}

func (p *Publisher) forward(ev broadcast.Event) {
	if !p.client.IsConnectionOpen() {
		return
	}
	body, err := json.Marshal(payload{
		DeviceID:     ev.DeviceID,
		DeviceName:   ev.DeviceName,
		Temperature:  ev.Temperature,
		Ambient:      ev.Ambient,
		Status:       ev.Status,
		Timestamp:    ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000000"),
		ErrorMessage: ev.ErrorMessage,
	})
	if err != nil {
		p.log.Error().Err(err).Msg("marshal reading")
		return
	}
	topic := p.cfg.TopicPrefix + "/" + ev.DeviceName
	token := p.client.Publish(topic, 0, false, body)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.log.Warn().Err(token.Error()).Str("topic", topic).Msg("publish failed")
	}
}
