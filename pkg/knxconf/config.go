// Package knxconf loads engine configuration from environment variables,
// the way cmd/knxtunnel wires it at startup.
package knxconf

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for a tunnel engine instance. The env
// struct tag contains the environment variable name and the default value
// if missing, or empty (if not ?=).
type Config struct {
	// The server's control endpoint (host:port). Required.
	ServerControl netip.AddrPort `env:"KNX_SERVER_CONTROL"`

	// The local endpoint to bind the UDP socket to. If the port is 0, a
	// random one is chosen.
	LocalAddr netip.AddrPort `env:"KNX_LOCAL_ADDR=:0"`

	// Which transport to dial the server over: "udp" or "tcp".
	Transport string `env:"KNX_TRANSPORT?=udp"`

	// Whether to request NAT-aware handling: advertise a zeroed data
	// endpoint and accept the server's substitution of the observed
	// source address.
	NAT bool `env:"KNX_NAT"`

	// Which connection type to request: "tunnel" or "devicemgmt".
	ConnectionType string `env:"KNX_CONNECTION_TYPE?=tunnel"`

	// The cEMI link layer to request for a tunnel connection: "link",
	// "busmonitor", or "raw".
	TunnelLayer string `env:"KNX_TUNNEL_LAYER?=link"`

	// How long to wait for a CONNECT_RESPONSE before failing Connect.
	ConnectTimeout time.Duration `env:"KNX_CONNECT_TIMEOUT=10s"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"KNX_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"KNX_LOG_STDOUT=true"`

	// Whether to use pretty (console-writer) logs instead of JSON.
	LogPretty bool `env:"KNX_LOG_PRETTY"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"KNX_LOG_STDOUT_LEVEL=trace"`

	// The log file to output to, if provided. Reopened on SIGHUP.
	LogFile string `env:"KNX_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"KNX_LOG_FILE_LEVEL=info"`

	// The address to serve Prometheus metrics on. If empty, metrics are
	// not served.
	MetricsAddr string `env:"KNX_METRICS_ADDR"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values
// will not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "KNX_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); len(val) > 0 && val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
