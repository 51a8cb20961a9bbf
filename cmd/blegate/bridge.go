package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/host"
	"github.com/srg/blegate/internal/loop"
	"github.com/srg/blegate/internal/radio/bluez"
	"github.com/srg/blegate/internal/radio/goble"
	"github.com/srg/blegate/pkg/config"
)

// bridge is one running stack: loop, power backend, adapter and host.
type bridge struct {
	host    *host.Host
	loop    *loop.Loop
	adapter *goble.Adapter
	power   *bluez.Power
	logger  *logrus.Logger
}

// startBridge builds the bridge stack for cfg. Close must be called.
func startBridge(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*bridge, error) {
	id, err := goble.ParseAdapterID(cfg.Adapter)
	if err != nil {
		return nil, err
	}

	b := &bridge{logger: logger}
	b.loop = loop.New("ble-loop", logger)
	// the loop must outlive ctx: Close tears connections down on it
	b.loop.Start(context.WithoutCancel(ctx))

	var pc goble.PowerControl = goble.AlwaysOn{}
	if cfg.PowerControl == config.PowerControlBlueZ {
		p, err := bluez.NewPower(cfg.Adapter, logger)
		if err != nil {
			logger.WithError(err).Warn("BlueZ power control unavailable, assuming adapter is on")
		} else {
			b.power = p
			pc = p
		}
	}

	b.adapter = goble.NewAdapter(goble.Options{
		AdapterID:       id,
		AllowDuplicates: cfg.AllowDuplicates,
	}, pc, b.loop.Post, logger)

	b.host, err = host.New(b.adapter, b.loop, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start host: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"adapter": cfg.Adapter,
		"power":   b.host.PowerState().String(),
	}).Debug("Bridge started")
	return b, nil
}

// Close shuts the host down, then releases the radio and stops the loop.
func (b *bridge) Close() {
	if b.host != nil {
		b.host.Shutdown()
	}
	if b.adapter != nil {
		b.adapter.Close()
	}
	if b.power != nil {
		if err := b.power.Close(); err != nil {
			b.logger.WithError(err).Debug("Failed to close BlueZ connection")
		}
	}
	b.loop.Stop()
}

// signalContext cancels on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
