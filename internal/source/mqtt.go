package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trackcast/internal/mqttclient"
	"github.com/trackcast/internal/wire"
)

const defaultMQTTTopic = "tracking/frames"

// MQTTConfig configures the MQTT frame bridge.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Topic     string
}

// MQTT subscribes to a broker topic carrying JSON frames and bridges them
// into the broadcaster. It lets a capture process on another machine feed
// this streamer without a direct TCP path.
type MQTT struct {
	cfg MQTTConfig
	log *slog.Logger
}

// NewMQTT creates an MQTT source. A nil logger falls back to slog.Default.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if cfg.Topic == "" {
		cfg.Topic = defaultMQTTTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("trackcast-src-%d", time.Now().UnixNano())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{cfg: cfg, log: logger.With("component", "mqtt_source")}
}

// Run subscribes and forwards frames until ctx is cancelled.
func (m *MQTT) Run(ctx context.Context, emit func(*wire.Frame)) error {
	client, err := mqttclient.New(mqttclient.Options{
		BrokerURL: m.cfg.BrokerURL,
		ClientID:  m.cfg.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", m.cfg.BrokerURL, err)
	}
	defer client.Close()

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		frame, err := wire.Decode(msg.Payload())
		if err != nil {
			m.log.Warn("dropping malformed frame from broker", "topic", msg.Topic(), "error", err)
			return
		}
		emit(frame)
	}

	if err := client.Subscribe(m.cfg.Topic, 0, handler); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", m.cfg.Topic, err)
	}

	m.log.Info("bridging frames from broker", "broker", m.cfg.BrokerURL, "topic", m.cfg.Topic)
	<-ctx.Done()
	return nil
}
