package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"can_rx", snap.CANRx,
		"can_rejected", snap.CANRejected,
		"can_tx", snap.CANTx,
		"out_dropped", snap.OutDropped,
		"in_dropped", snap.InDropped,
		"link_tx", snap.LinkTx,
		"link_tx_frames", snap.LinkTxFrames,
		"link_lost", snap.LinkLost,
		"link_rx", snap.LinkRx,
		"link_rx_frames", snap.LinkRxFrames,
		"trailing_bytes", snap.Trailing,
		"malformed", snap.Malformed,
		"bus_state", can.ParseBusState(int(snap.BusState)).String(),
		"bus_transitions", snap.Transitions,
		"bus_recoveries", snap.Recoveries,
		"bus_starts", snap.Starts,
		"tap_clients", snap.TapClients,
		"tap_drops", snap.TapDrops,
		"tap_tx", snap.TapTx,
		"overruns", snap.Overruns,
		"watchdog_expired", snap.Watchdog,
		"errors", snap.Errors,
	)
}
