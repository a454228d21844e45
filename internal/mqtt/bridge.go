//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"zigbee-nwkcore/internal/coordinator"
	"zigbee-nwkcore/internal/zdo"
)

// ErrNotConnected is returned by SendRaw while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string

	// Presence enables the host device list as the existence probe.
	Presence bool
}

// Bridge connects the coordinator to the host over MQTT: inbound frames
// on <prefix>/rx, outbound frames on <prefix>/tx, events on
// <prefix>/event/<type>.
type Bridge struct {
	client   pahomqtt.Client
	coord    *coordinator.Coordinator
	prefix   string
	presence *Presence
	probe    bool
	logger   *slog.Logger
	unsub    func()
	newID    func() string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, coord, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("zigbee-nwkcore-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.topic("bridge/state"), []byte("online"), true)
			b.subscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

func newBridge(client pahomqtt.Client, coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		client:   client,
		coord:    coord,
		prefix:   cfg.TopicPrefix,
		presence: NewPresence(logger),
		probe:    cfg.Presence,
		logger:   logger.With("component", "mqtt"),
		newID:    uuid.NewString,
	}
}

// Start installs the bridge as the coordinator's transport and begins
// republishing events.
func (b *Bridge) Start() {
	b.coord.SetSender(b)
	if b.probe {
		b.coord.SetProber(b.presence)
	}
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, detaches from the coordinator and
// disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.coord.SetSender(nil)
	if b.probe {
		b.coord.SetProber(nil)
	}
	b.publish(b.topic("bridge/state"), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Presence returns the host device cache.
func (b *Bridge) Presence() *Presence {
	return b.presence
}

func (b *Bridge) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

func (b *Bridge) subscribe() {
	b.client.Subscribe(b.topic("rx"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleRx(msg.Payload())
	})
	b.client.Subscribe(b.topic("host/devices"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleHostDevices(msg.Payload())
	})
}

func (b *Bridge) handleHostDevices(payload []byte) {
	hosts, err := b.presence.Update(payload)
	if err != nil {
		b.logger.Warn("invalid presence list", "err", err)
		return
	}
	b.coord.ApplyHostDevices(hosts)
}

func (b *Bridge) handleRx(payload []byte) {
	f, err := decodeInbound(payload)
	if err != nil {
		b.logger.Warn("invalid inbound frame", "err", err)
		return
	}
	// Errors are logged by the coordinator.
	_, _ = b.coord.HandleFrame(f)
}

// SendRaw publishes an outbound frame to <prefix>/tx. It does not wait for
// the broker.
func (b *Bridge) SendRaw(f zdo.OutboundFrame) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := encodeOutbound(b.newID(), f)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	b.publish(b.topic("tx"), payload, false)
	return nil
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	b.publish(b.topic("event/"+event.Type), mustJSON(event.Data), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
