package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// duration decodes TOML strings such as "100ms".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// fileConfig mirrors the TOML layout; nil fields were absent from the file.
//
//	role = "bridge"
//	[can]
//	interface = "can0"
//	[link]
//	kind = "udp"
//	udp_listen = ":47000"
//	udp_peer = "10.0.0.2:47000"
//	[relay]
//	period = "100ms"
//	[tap]
//	addr = ":20000"
type fileConfig struct {
	Role *string `toml:"role"`
	CAN  struct {
		Interface *string `toml:"interface"`
	} `toml:"can"`
	Link struct {
		Kind              *string   `toml:"kind"`
		UDPListen         *string   `toml:"udp_listen"`
		UDPPeer           *string   `toml:"udp_peer"`
		Serial            *string   `toml:"serial"`
		Baud              *int      `toml:"baud"`
		SerialReadTimeout *duration `toml:"serial_read_timeout"`
	} `toml:"link"`
	Relay struct {
		QueueCapacity   *int      `toml:"queue_capacity"`
		Period          *duration `toml:"period"`
		InjectBudget    *int      `toml:"inject_budget"`
		WatchdogTimeout *duration `toml:"watchdog_timeout"`
	} `toml:"relay"`
	Tap struct {
		Addr       *string `toml:"addr"`
		MaxClients *int    `toml:"max_clients"`
		Buffer     *int    `toml:"buffer"`
		Policy     *string `toml:"policy"`
	} `toml:"tap"`
	Metrics struct {
		Addr        *string   `toml:"addr"`
		LogInterval *duration `toml:"log_interval"`
	} `toml:"metrics"`
	Log struct {
		Format *string `toml:"format"`
		Level  *string `toml:"level"`
	} `toml:"log"`
	MDNS struct {
		Enable *bool   `toml:"enable"`
		Name   *string `toml:"name"`
	} `toml:"mdns"`
}

// applyConfigFile loads path and copies every present key whose flag was not
// set explicitly. Unknown keys are an error.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		keys := make([]string, len(und))
		for i, k := range und {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	fc.apply(c, set)
	return nil
}

func (fc *fileConfig) apply(c *appConfig, set map[string]struct{}) {
	unset := func(name string) bool { _, ok := set[name]; return !ok }
	str := func(name string, src *string, dst *string) {
		if src != nil && unset(name) {
			*dst = *src
		}
	}
	num := func(name string, src *int, dst *int) {
		if src != nil && unset(name) {
			*dst = *src
		}
	}
	dur := func(name string, src *duration, dst *time.Duration) {
		if src != nil && unset(name) {
			*dst = src.Duration
		}
	}
	str("role", fc.Role, &c.role)
	str("can-if", fc.CAN.Interface, &c.canIf)
	str("link", fc.Link.Kind, &c.link)
	str("udp-listen", fc.Link.UDPListen, &c.udpListen)
	str("udp-peer", fc.Link.UDPPeer, &c.udpPeer)
	str("serial", fc.Link.Serial, &c.serialDev)
	num("baud", fc.Link.Baud, &c.baud)
	dur("serial-read-timeout", fc.Link.SerialReadTimeout, &c.serialReadTO)
	num("queue-capacity", fc.Relay.QueueCapacity, &c.queueCapacity)
	dur("period", fc.Relay.Period, &c.period)
	num("inject-budget", fc.Relay.InjectBudget, &c.injectBudget)
	dur("watchdog-timeout", fc.Relay.WatchdogTimeout, &c.watchdogTO)
	str("tap-addr", fc.Tap.Addr, &c.tapAddr)
	num("tap-max-clients", fc.Tap.MaxClients, &c.tapMaxClients)
	num("tap-buffer", fc.Tap.Buffer, &c.tapBuffer)
	str("tap-policy", fc.Tap.Policy, &c.tapPolicy)
	str("metrics-addr", fc.Metrics.Addr, &c.metricsAddr)
	dur("log-metrics-interval", fc.Metrics.LogInterval, &c.logMetricsEvery)
	str("log-format", fc.Log.Format, &c.logFormat)
	str("log-level", fc.Log.Level, &c.logLevel)
	if fc.MDNS.Enable != nil && unset("mdns-enable") {
		c.mdnsEnable = *fc.MDNS.Enable
	}
	str("mdns-name", fc.MDNS.Name, &c.mdnsName)
}
