package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/can-relay/internal/can"
	"github.com/kstaniek/can-relay/internal/hub"
	"github.com/kstaniek/can-relay/internal/metrics"
	"github.com/kstaniek/can-relay/internal/monitor"
	"github.com/kstaniek/can-relay/internal/pump"
	"github.com/kstaniek/can-relay/internal/ring"
	"github.com/kstaniek/can-relay/internal/sched"
	"github.com/kstaniek/can-relay/internal/transport"
)

const queueStatsPeriod = time.Second

// node owns the queues and periodic tasks of one relay endpoint.
type node struct {
	cfg   *appConfig
	l     *slog.Logger
	drv   can.Driver
	link  transport.Link
	out   *ring.FrameQueue // nil unless the node sends
	in    *ring.FrameQueue // nil unless the node receives
	mon   *monitor.Monitor
	pump  *pump.Pump
	sched *sched.Scheduler
	wd    *sched.Watchdog
}

// newNode wires the relay core for cfg.role. h may be nil (tap disabled).
func newNode(cfg *appConfig, drv can.Driver, link transport.Link, h *hub.Hub, l *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, l: l, drv: drv, link: link}
	var err error
	if cfg.sends() {
		if n.out, err = ring.NewFrameQueue(cfg.queueCapacity); err != nil {
			return nil, err
		}
	}
	if cfg.receives() {
		if n.in, err = ring.NewFrameQueue(cfg.queueCapacity); err != nil {
			return nil, err
		}
	}
	n.mon = monitor.New(drv, n.out, l)
	opts := pump.Options{
		Outbound:     n.out,
		Inbound:      n.in,
		Link:         link,
		Transmitter:  drv,
		InjectBudget: cfg.injectBudget,
		Logger:       l,
	}
	if h != nil {
		opts.Tap = h.Broadcast
	}
	if n.pump, err = pump.New(opts); err != nil {
		return nil, err
	}

	n.wd = sched.NewWatchdog(cfg.watchdogTO, l)
	n.sched = sched.New(sched.WithWatchdog(n.wd), sched.WithLogger(l))
	tasks := []sched.Task{{Name: "bus_monitor", Period: cfg.period, Fn: func() { n.mon.Tick() }}}
	if cfg.sends() {
		tasks = append(tasks, sched.Task{Name: "relay_pump", Period: cfg.period, Fn: func() { _ = n.pump.PumpOnce() }})
	}
	if cfg.receives() {
		tasks = append(tasks, sched.Task{Name: "relay_inject", Period: cfg.period, Fn: n.inject})
	}
	tasks = append(tasks, sched.Task{Name: "queue_stats", Period: queueStatsPeriod, Fn: n.sampleQueues})
	for _, t := range tasks {
		if err := n.sched.Add(t); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// inject holds frames back while the bus cannot take them.
func (n *node) inject() {
	if !n.mon.Healthy() {
		return
	}
	_, _ = n.pump.InjectOnce()
}

func (n *node) sampleQueues() {
	outbound, inbound := n.pump.Pending()
	metrics.SetQueueDepth(metrics.QueueOutbound, outbound)
	metrics.SetQueueDepth(metrics.QueueInbound, inbound)
}

// onPayload is the link receive callback.
func (n *node) onPayload(p []byte) {
	if n.in == nil {
		n.l.Debug("payload_ignored", "bytes", len(p), "role", n.cfg.role)
		return
	}
	n.pump.OnPayloadReceived(p)
}

// onFrame is the CAN receive callback.
func (n *node) onFrame(f can.Frame) {
	if n.out == nil {
		return
	}
	n.mon.Capture(f)
}

// ready reports whether the dispatcher is alive and the bus is not off.
func (n *node) ready() bool {
	return n.wd.Healthy() && n.mon.State() != can.BusOff
}

// run starts the CAN and link receive loops, the watchdog and the scheduler,
// and blocks until ctx is done or a receive loop fails.
func (n *node) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}
	start("can", func(ctx context.Context) error { return n.drv.Run(ctx, n.onFrame) })
	start("link", func(ctx context.Context) error { return n.link.Run(ctx, n.onPayload) })
	start("watchdog", func(ctx context.Context) error { n.wd.Run(ctx); return nil })
	n.l.Info("node_started", "role", n.cfg.role, "tick", n.sched.Tick(), "queue_capacity", n.cfg.queueCapacity)
	err := n.sched.Run(ctx)
	cancel()
	wg.Wait()
	close(errCh)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for e := range errCh {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}
