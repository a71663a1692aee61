package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/link"
	"github.com/kstaniek/can-relay/internal/socketcan"
	"github.com/kstaniek/can-relay/internal/transport"
)

// openCANDevice is a hook for tests (overridden in unit tests).
var openCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// initCAN opens the SocketCAN interface and wraps it as a driver.
func initCAN(ctx context.Context, cfg *appConfig, l *slog.Logger) (can.Driver, error) {
	dev, err := openCANDevice(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	return socketcan.NewDriver(ctx, dev, l), nil
}

// initLink opens the configured wireless link.
func initLink(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.Link, error) {
	switch cfg.link {
	case "udp":
		return link.ListenUDP(cfg.udpListen, cfg.udpPeer, l)
	case "serial":
		return link.OpenSerial(ctx, cfg.serialDev, cfg.baud, cfg.serialReadTO, l)
	default:
		return nil, fmt.Errorf("unknown link %q (use udp|serial)", cfg.link)
	}
}
