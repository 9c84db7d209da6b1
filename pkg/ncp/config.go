package ncp

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains ncpd's configuration. The env struct tag holds the
// environment variable name and its default value (after the =), or no
// default if the tag has no "=". All string arrays are comma-separated.
type Config struct {
	// The address of the IMP this host is attached to. ncpd dials out to it
	// (the Host/IMP interface is a fixed point-to-point link, not a
	// listening service) and exchanges IMP-format datagrams over UDP.
	IMPAddr netip.AddrPort `env:"NCPD_IMP_ADDR=127.0.0.1:9042"`

	// The path to the UNIX datagram socket applications use to talk to
	// ncpd. Removed and recreated on startup.
	AppSocketPath string `env:"NCPD_APP_SOCKET=/run/ncpd/app.sock"`

	// The address to serve Prometheus-format metrics on. If empty, metrics
	// are not served.
	MetricsAddr string `env:"NCPD_METRICS_ADDR"`

	// Connection and listener table sizes (spec.md §3).
	MaxConnections int `env:"NCPD_MAX_CONNECTIONS=64"`
	MaxListeners   int `env:"NCPD_MAX_LISTENERS=16"`

	// How often the reactor's idle timer fires, driving the timer wheel
	// (spec.md §4.4). One second matches the protocol's historical tick.
	TickInterval time.Duration `env:"NCPD_TICK_INTERVAL=1s"`

	// The minimum log level (e.g. trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"NCPD_LOG_LEVEL=info"`

	// Whether to log to stdout, and whether to use pretty (as opposed to
	// JSON) output.
	LogStdout       bool `env:"NCPD_LOG_STDOUT=true"`
	LogStdoutPretty bool `env:"NCPD_LOG_STDOUT_PRETTY=true"`

	// The log file to output to, if provided.
	LogFile string `env:"NCPD_LOG_FILE"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment lines into c,
// setting default values for any key missing from es.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, val, _ := strings.Cut(env, "=")
		if v, exists := em[key]; exists {
			val = v
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
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
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		}
	}
	return nil
}
