//go:build no_mqtt

package main

import (
	"log/slog"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *fireplace.Controller, _ *events.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
