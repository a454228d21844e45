//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-nwkcore/internal/coordinator"
)

func startMQTT(_ *coordinator.Coordinator, _ *Config, logger *slog.Logger) (stop func()) {
	logger.Warn("built without mqtt, no transport for inbound frames")
	return func() {}
}
