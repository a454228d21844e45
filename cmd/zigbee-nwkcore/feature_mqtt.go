//go:build !no_mqtt

package main

import (
	"log/slog"

	"zigbee-nwkcore/internal/coordinator"
	"zigbee-nwkcore/internal/mqtt"
)

// startMQTT connects the frame transport. The returned func detaches it.
func startMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (stop func()) {
	if !cfg.MQTT.Enabled {
		logger.Warn("mqtt disabled, no transport for inbound frames")
		return func() {}
	}
	bridge, err := mqtt.NewBridge(coord, mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Presence:    cfg.MQTT.Presence,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge unavailable, running without transport", "broker", cfg.MQTT.Broker, "err", err)
		return func() {}
	}
	bridge.Start()
	return bridge.Stop
}
