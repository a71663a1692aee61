package main

import (
	"log/slog"

	"github.com/kstaniek/can-relay/internal/hub"
	"github.com/kstaniek/can-relay/internal/tap"
)

// initTap builds the tap hub and server, or returns nils when no tap address
// is configured.
func initTap(cfg *appConfig, l *slog.Logger) (*hub.Hub, *tap.Server) {
	if cfg.tapAddr == "" {
		return nil, nil
	}
	h := hub.New()
	h.OutBufSize = cfg.tapBuffer
	p, ok := hub.ParsePolicy(cfg.tapPolicy)
	if !ok {
		l.Warn("unknown_tap_policy", "policy", cfg.tapPolicy, "used", p.String())
	}
	h.Policy = p
	l.Info("tap_config", "addr", cfg.tapAddr, "policy", h.Policy.String(), "buffer", h.OutBufSize, "max_clients", cfg.tapMaxClients)
	srv := tap.NewServer(h,
		tap.WithListenAddr(cfg.tapAddr),
		tap.WithMaxClients(cfg.tapMaxClients),
		tap.WithLogger(l),
	)
	return h, srv
}
