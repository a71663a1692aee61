package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue label values.
const (
	QueueOutbound = "outbound"
	QueueInbound  = "inbound"
)

// Prometheus series
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames captured from the local bus and queued for relay.",
	})
	CANRejectedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rejected_frames_total",
		Help: "Total captured CAN frames refused at the boundary (bad DLC or extended ID).",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total relayed CAN frames injected onto the local bus.",
	})
	QueueDroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dropped_frames_total",
		Help: "Total frames dropped because a relay queue was full.",
	}, []string{"queue"})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Frames pending in a relay queue at the last periodic sample.",
	}, []string{"queue"})
	LinkTxPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_payloads_total",
		Help: "Total relay payloads handed to the wireless link.",
	})
	LinkTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_frames_total",
		Help: "Total CAN frames carried by sent relay payloads.",
	})
	LinkLostFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_lost_frames_total",
		Help: "Total dequeued CAN frames discarded because the link send failed.",
	})
	LinkRxPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_payloads_total",
		Help: "Total relay payloads received from the wireless link.",
	})
	LinkRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_frames_total",
		Help: "Total CAN frames decoded from received relay payloads and queued.",
	})
	LinkRxTrailingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_trailing_bytes_total",
		Help: "Total bytes discarded from received payloads that were not a whole record.",
	})
	MalformedPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_payloads_total",
		Help: "Total rejected link payloads (oversize datagram, bad envelope length or checksum).",
	})
	BusState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_bus_state",
		Help: "Last observed bus state (0=stopped 1=running 2=bus_off 3=recovering 4=unknown).",
	})
	BusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_bus_state_transitions_total",
		Help: "Observed bus state transitions by target state.",
	}, []string{"to"})
	BusRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_recoveries_total",
		Help: "Total bus-off recovery attempts.",
	})
	BusStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_starts_total",
		Help: "Total controller start attempts.",
	})
	TapClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tap_active_clients",
		Help: "Current number of connected tap clients.",
	})
	TapDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_dropped_frames_total",
		Help: "Total tap frames dropped due to slow clients.",
	})
	TapTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_tx_frames_total",
		Help: "Total CAN frames written to tap clients.",
	})
	SchedOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sched_overruns_total",
		Help: "Periodic task runs that took longer than their period.",
	}, []string{"task"})
	WatchdogExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_expired_total",
		Help: "Times the periodic dispatcher failed to feed the watchdog in time.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrLinkSend     = "link_send"
	ErrLinkRead     = "link_read"
	ErrCANRead      = "can_read"
	ErrCANWrite     = "can_write"
	ErrCANOverflow  = "can_tx_overflow"
	ErrBusStart     = "bus_start"
	ErrBusRecover   = "bus_recover"
	ErrTapWrite     = "tap_write"
	ErrTapHandshake = "tap_handshake"
	ErrTapAccept    = "tap_accept"
)

// Handler serves Prometheus metrics at /metrics and readiness at /ready.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx        atomic.Uint64
	localCANRejected  atomic.Uint64
	localCANTx        atomic.Uint64
	localOutDropped   atomic.Uint64
	localInDropped    atomic.Uint64
	localLinkTx       atomic.Uint64
	localLinkTxFrames atomic.Uint64
	localLinkLost     atomic.Uint64
	localLinkRx       atomic.Uint64
	localLinkRxFrames atomic.Uint64
	localTrailing     atomic.Uint64
	localMalformed    atomic.Uint64
	localBusState     atomic.Int64
	localTransitions  atomic.Uint64
	localRecoveries   atomic.Uint64
	localStarts       atomic.Uint64
	localTapClients   atomic.Uint64
	localTapDrops     atomic.Uint64
	localTapTx        atomic.Uint64
	localOverruns     atomic.Uint64
	localWatchdog     atomic.Uint64
	localErrors       atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx        uint64
	CANRejected  uint64
	CANTx        uint64
	OutDropped   uint64
	InDropped    uint64
	LinkTx       uint64
	LinkTxFrames uint64
	LinkLost     uint64
	LinkRx       uint64
	LinkRxFrames uint64
	Trailing     uint64
	Malformed    uint64
	BusState     int64
	Transitions  uint64
	Recoveries   uint64
	Starts       uint64
	TapClients   uint64
	TapDrops     uint64
	TapTx        uint64
	Overruns     uint64
	Watchdog     uint64
	Errors       uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:        localCANRx.Load(),
		CANRejected:  localCANRejected.Load(),
		CANTx:        localCANTx.Load(),
		OutDropped:   localOutDropped.Load(),
		InDropped:    localInDropped.Load(),
		LinkTx:       localLinkTx.Load(),
		LinkTxFrames: localLinkTxFrames.Load(),
		LinkLost:     localLinkLost.Load(),
		LinkRx:       localLinkRx.Load(),
		LinkRxFrames: localLinkRxFrames.Load(),
		Trailing:     localTrailing.Load(),
		Malformed:    localMalformed.Load(),
		BusState:     localBusState.Load(),
		Transitions:  localTransitions.Load(),
		Recoveries:   localRecoveries.Load(),
		Starts:       localStarts.Load(),
		TapClients:   localTapClients.Load(),
		TapDrops:     localTapDrops.Load(),
		TapTx:        localTapTx.Load(),
		Overruns:     localOverruns.Load(),
		Watchdog:     localWatchdog.Load(),
		Errors:       localErrors.Load(),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	localCANRx.Add(1)
}

func IncCANRejected() {
	CANRejectedFrames.Inc()
	localCANRejected.Add(1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	localCANTx.Add(1)
}

// IncQueueDrop counts one frame dropped on a full queue.
func IncQueueDrop(queue string) {
	QueueDroppedFrames.WithLabelValues(queue).Inc()
	if queue == QueueInbound {
		localInDropped.Add(1)
		return
	}
	localOutDropped.Add(1)
}

// AddQueueDrop counts n frames dropped on a full queue.
func AddQueueDrop(queue string, n int) {
	if n <= 0 {
		return
	}
	QueueDroppedFrames.WithLabelValues(queue).Add(float64(n))
	if queue == QueueInbound {
		localInDropped.Add(uint64(n))
		return
	}
	localOutDropped.Add(uint64(n))
}

func SetQueueDepth(queue string, n int) { QueueDepth.WithLabelValues(queue).Set(float64(n)) }

// AddLinkTx records one sent payload carrying frames frames.
func AddLinkTx(frames int) {
	LinkTxPayloads.Inc()
	LinkTxFrames.Add(float64(frames))
	localLinkTx.Add(1)
	localLinkTxFrames.Add(uint64(frames))
}

func AddLinkLost(frames int) {
	LinkLostFrames.Add(float64(frames))
	localLinkLost.Add(uint64(frames))
}

// AddLinkRx records one received payload of which frames frames were queued.
func AddLinkRx(frames int) {
	LinkRxPayloads.Inc()
	LinkRxFrames.Add(float64(frames))
	localLinkRx.Add(1)
	localLinkRxFrames.Add(uint64(frames))
}

func AddTrailing(n int) {
	if n <= 0 {
		return
	}
	LinkRxTrailingBytes.Add(float64(n))
	localTrailing.Add(uint64(n))
}

func IncMalformed() {
	MalformedPayloads.Inc()
	localMalformed.Add(1)
}

// SetBusState records the last observed bus state code.
func SetBusState(code int) {
	BusState.Set(float64(code))
	localBusState.Store(int64(code))
}

func IncBusTransition(to string) {
	BusTransitions.WithLabelValues(to).Inc()
	localTransitions.Add(1)
}

func IncBusRecovery() {
	BusRecoveries.Inc()
	localRecoveries.Add(1)
}

func IncBusStart() {
	BusStarts.Inc()
	localStarts.Add(1)
}

func SetTapClients(n int) {
	TapClients.Set(float64(n))
	localTapClients.Store(uint64(n))
}

func IncTapDrop() {
	TapDroppedFrames.Inc()
	localTapDrops.Add(1)
}

func AddTapTx(n int) {
	TapTxFrames.Add(float64(n))
	localTapTx.Add(uint64(n))
}

func IncOverrun(task string) {
	SchedOverruns.WithLabelValues(task).Inc()
	localOverruns.Add(1)
}

func IncWatchdogExpired() {
	WatchdogExpired.Inc()
	localWatchdog.Add(1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrLinkSend, ErrLinkRead,
		ErrCANRead, ErrCANWrite, ErrCANOverflow,
		ErrBusStart, ErrBusRecover,
		ErrTapWrite, ErrTapHandshake, ErrTapAccept,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, q := range []string{QueueOutbound, QueueInbound} {
		QueueDroppedFrames.WithLabelValues(q).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
