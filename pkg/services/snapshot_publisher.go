package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/config"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

// LatestFetcher is the part of LatestService the publisher needs.
type LatestFetcher interface {
	FetchLatestForAllMappings(ctx context.Context, lookbackDays *int) (models.LatestResult, error)
}

// mqttPublisher is satisfied by mqtt.Client.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const publishTimeout = 5 * time.Second

// SnapshotPublisher periodically publishes each device's latest value as a
// retained MQTT message on <prefix>/<device_name>.
type SnapshotPublisher struct {
	client   mqttPublisher
	latest   LatestFetcher
	prefix   string
	interval time.Duration
	logger   *zap.Logger
}

// NewSnapshotPublisher creates a publisher. Start runs it.
func NewSnapshotPublisher(client mqttPublisher, latest LatestFetcher, topicPrefix string, interval time.Duration, logger *zap.Logger) *SnapshotPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SnapshotPublisher{
		client:   client,
		latest:   latest,
		prefix:   strings.TrimRight(topicPrefix, "/"),
		interval: interval,
		logger:   logger.Named("snapshot-publisher"),
	}
}

// NewMQTTClient connects to the configured broker.
func NewMQTTClient(cfg *config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return client, nil
}

// Start publishes immediately and then every interval until ctx is done.
func (p *SnapshotPublisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Snapshot publisher started",
		zap.String("topic_prefix", p.prefix),
		zap.Duration("interval", p.interval))

	for {
		if _, err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Snapshot publish failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Snapshot publisher stopped")
			return
		case <-ticker.C:
		}
	}
}

// PublishOnce resolves latest values and publishes one message per device.
// It returns the number of messages published.
func (p *SnapshotPublisher) PublishOnce(ctx context.Context) (int, error) {
	result, err := p.latest.FetchLatestForAllMappings(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch latest values: %w", err)
	}

	published := 0
	for device, value := range result {
		payload, err := json.Marshal(value)
		if err != nil {
			p.logger.Warn("Failed to encode snapshot", zap.String("device", device), zap.Error(err))
			continue
		}

		topic := p.prefix + "/" + device
		token := p.client.Publish(topic, 0, true, payload)
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("Timed out publishing snapshot", zap.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("Failed to publish snapshot", zap.String("topic", topic), zap.Error(err))
			continue
		}
		published++
	}

	p.logger.Debug("Published snapshots", zap.Int("devices", published))
	return published, nil
}
