package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/can-relay/internal/relay"
	"github.com/kstaniek/can-relay/internal/ring"
)

// minQueueCapacity holds three full relay payloads plus the sentinel slot.
const minQueueCapacity = 3*relay.MaxRecords + 1

// Node roles.
const (
	roleTx     = "tx"     // capture local bus, send over the link
	roleRx     = "rx"     // receive from the link, inject onto the local bus
	roleBridge = "bridge" // both directions
)

type appConfig struct {
	role            string
	canIf           string
	link            string
	udpListen       string
	udpPeer         string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	queueCapacity   int
	period          time.Duration
	injectBudget    int
	tapAddr         string
	tapMaxClients   int
	tapBuffer       int
	tapPolicy       string
	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	watchdogTO      time.Duration
	mdnsEnable      bool
	mdnsName        string
	configFile      string
}

func (c *appConfig) sends() bool    { return c.role == roleTx || c.role == roleBridge }
func (c *appConfig) receives() bool { return c.role == roleRx || c.role == roleBridge }

func defaultConfig() *appConfig {
	return &appConfig{
		role:          roleBridge,
		canIf:         "can0",
		link:          "udp",
		udpListen:     ":47000",
		serialDev:     "/dev/ttyUSB0",
		baud:          115200,
		serialReadTO:  50 * time.Millisecond,
		queueCapacity: ring.DefaultCapacity,
		period:        100 * time.Millisecond,
		tapBuffer:     512,
		tapPolicy:     "drop",
		logFormat:     "text",
		logLevel:      "info",
		watchdogTO:    time.Second,
	}
}

// parseFlags builds the configuration from defaults, an optional TOML file,
// CAN_RELAY_* environment variables and command line flags, in increasing
// order of precedence.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	d := defaultConfig()
	cfg := &appConfig{}
	fs := flag.NewFlagSet("can-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.role, "role", d.role, "Node role: tx|rx|bridge")
	fs.StringVar(&cfg.canIf, "can-if", d.canIf, "SocketCAN interface")
	fs.StringVar(&cfg.link, "link", d.link, "Wireless link: udp|serial")
	fs.StringVar(&cfg.udpListen, "udp-listen", d.udpListen, "UDP link listen address")
	fs.StringVar(&cfg.udpPeer, "udp-peer", d.udpPeer, "UDP peer address host:port (empty = answer last sender)")
	fs.StringVar(&cfg.serialDev, "serial", d.serialDev, "Radio modem serial device")
	fs.IntVar(&cfg.baud, "baud", d.baud, "Radio modem baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", d.serialReadTO, "Serial read timeout")
	fs.IntVar(&cfg.queueCapacity, "queue-capacity", d.queueCapacity, "Slots per relay queue (usable = capacity-1)")
	fs.DurationVar(&cfg.period, "period", d.period, "Relay task period")
	fs.IntVar(&cfg.injectBudget, "inject-budget", d.injectBudget, "Max frames injected per period (0 = queue capacity)")
	fs.StringVar(&cfg.tapAddr, "tap-addr", d.tapAddr, "Cannelloni tap TCP listen address; empty disables")
	fs.IntVar(&cfg.tapMaxClients, "tap-max-clients", d.tapMaxClients, "Maximum simultaneous tap clients (0 = unlimited)")
	fs.IntVar(&cfg.tapBuffer, "tap-buffer", d.tapBuffer, "Per-client tap buffer (frames)")
	fs.StringVar(&cfg.tapPolicy, "tap-policy", d.tapPolicy, "Tap backpressure policy: drop|kick")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", d.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", d.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", d.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", d.logMetricsEvery, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.DurationVar(&cfg.watchdogTO, "watchdog-timeout", d.watchdogTO, "Scheduler watchdog timeout (0 disables)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", d.mdnsEnable, "Advertise the UDP link endpoint via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", d.mdnsName, "mDNS instance name (default can-relay-<hostname>)")
	fs.StringVar(&cfg.configFile, "config", "", "Optional TOML configuration file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence.
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	if _, ok := set["config"]; !ok {
		if v, ok := os.LookupEnv("CAN_RELAY_CONFIG"); ok {
			cfg.configFile = strings.TrimSpace(v)
		}
	}
	if cfg.configFile != "" {
		if err := applyConfigFile(cfg, cfg.configFile, set); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// validate performs semantic validation of the parsed configuration.
// It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.role {
	case roleTx, roleRx, roleBridge:
	default:
		return fmt.Errorf("invalid role: %s", c.role)
	}
	switch c.link {
	case "udp":
		if _, _, err := net.SplitHostPort(c.udpListen); err != nil {
			return fmt.Errorf("invalid udp-listen %q: %w", c.udpListen, err)
		}
		if c.udpPeer != "" {
			if _, _, err := net.SplitHostPort(c.udpPeer); err != nil {
				return fmt.Errorf("invalid udp-peer %q: %w", c.udpPeer, err)
			}
		}
		if c.role == roleTx && c.udpPeer == "" {
			return errors.New("udp-peer is required for role tx")
		}
	case "serial":
		if c.serialDev == "" {
			return errors.New("serial device must be set for link serial")
		}
	default:
		return fmt.Errorf("invalid link: %s", c.link)
	}
	if c.canIf == "" {
		return errors.New("can-if must be set")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.tapPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid tap-policy: %s", c.tapPolicy)
	}
	if c.queueCapacity < minQueueCapacity {
		return fmt.Errorf("queue-capacity must be >= %d (got %d)", minQueueCapacity, c.queueCapacity)
	}
	if c.period <= 0 {
		return fmt.Errorf("period must be > 0")
	}
	if c.injectBudget < 0 {
		return fmt.Errorf("inject-budget must be >= 0 (got %d)", c.injectBudget)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.tapBuffer <= 0 {
		return fmt.Errorf("tap-buffer must be > 0 (got %d)", c.tapBuffer)
	}
	if c.tapMaxClients < 0 {
		return fmt.Errorf("tap-max-clients must be >= 0")
	}
	if c.watchdogTO < 0 {
		return fmt.Errorf("watchdog-timeout must be >= 0")
	}
	if c.watchdogTO > 0 && c.watchdogTO <= c.period {
		return fmt.Errorf("watchdog-timeout (%s) must exceed period (%s)", c.watchdogTO, c.period)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CAN_RELAY_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration syntax.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(k string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	lookup := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := lookup(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, dst *int) {
		if v, ok := lookup(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := lookup(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	str("role", "CAN_RELAY_ROLE", &c.role)
	str("can-if", "CAN_RELAY_IF", &c.canIf)
	str("link", "CAN_RELAY_LINK", &c.link)
	str("udp-listen", "CAN_RELAY_UDP_LISTEN", &c.udpListen)
	str("udp-peer", "CAN_RELAY_UDP_PEER", &c.udpPeer)
	str("serial", "CAN_RELAY_SERIAL", &c.serialDev)
	num("baud", "CAN_RELAY_BAUD", &c.baud)
	dur("serial-read-timeout", "CAN_RELAY_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	num("queue-capacity", "CAN_RELAY_QUEUE_CAPACITY", &c.queueCapacity)
	dur("period", "CAN_RELAY_PERIOD", &c.period)
	num("inject-budget", "CAN_RELAY_INJECT_BUDGET", &c.injectBudget)
	str("tap-addr", "CAN_RELAY_TAP_ADDR", &c.tapAddr)
	num("tap-max-clients", "CAN_RELAY_TAP_MAX_CLIENTS", &c.tapMaxClients)
	num("tap-buffer", "CAN_RELAY_TAP_BUFFER", &c.tapBuffer)
	str("tap-policy", "CAN_RELAY_TAP_POLICY", &c.tapPolicy)
	str("log-format", "CAN_RELAY_LOG_FORMAT", &c.logFormat)
	str("log-level", "CAN_RELAY_LOG_LEVEL", &c.logLevel)
	dur("log-metrics-interval", "CAN_RELAY_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	dur("watchdog-timeout", "CAN_RELAY_WATCHDOG_TIMEOUT", &c.watchdogTO)
	str("mdns-name", "CAN_RELAY_MDNS_NAME", &c.mdnsName)
	// metrics address may be explicitly emptied
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("CAN_RELAY_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("mdns-enable", "CAN_RELAY_MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			fail("CAN_RELAY_MDNS_ENABLE", fmt.Errorf("not a boolean: %q", v))
		}
	}
	return firstErr
}
