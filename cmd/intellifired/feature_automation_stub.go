//go:build no_automation

package main

import (
	"log/slog"

	"github.com/davidashman/homebridge-intellifire2/internal/events"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
	"github.com/davidashman/homebridge-intellifire2/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *fireplace.Controller, _ *events.Bus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
