package ncp

import (
	"io"
	"strconv"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/r2northstar/ncpd/pkg/metricsx"
)

// daemonMetrics holds ncpd's Prometheus-format metrics, built lazily on
// first use so a freshly constructed Daemon needs no separate metrics
// setup step.
type daemonMetrics struct {
	set *metrics.Set

	conns_active     *metrics.Gauge
	listeners_active *metrics.Gauge

	control_commands_received_total *metrics.Counter
	control_commands_sent_total     *metrics.Counter
	control_decode_errors_total     *metrics.Counter

	regular_bytes_received_total *metrics.Counter
	regular_bytes_sent_total     *metrics.Counter

	app_requests_total struct {
		echo      *metrics.Counter
		open      *metrics.Counter
		listen    *metrics.Counter
		read      *metrics.Counter
		write     *metrics.Counter
		interrupt *metrics.Counter
		close     *metrics.Counter
		malformed *metrics.Counter
	}

	hostsMu   sync.Mutex
	hostAlive map[byte]*metrics.Gauge
	hostRFNM  map[byte]*metrics.Gauge
}

// m returns d's metrics, building them on first call.
func (d *Daemon) m() *daemonMetrics {
	d.metricsInit.Do(func() {
		mo := &d.metricsObj
		mo.set = metrics.NewSet()

		mo.conns_active = mo.set.NewGauge(`ncpd_connections_active`, func() float64 {
			n := 0
			for i := range d.Table.Conns {
				if !d.Table.Conns[i].free() {
					n++
				}
			}
			return float64(n)
		})
		mo.listeners_active = mo.set.NewGauge(`ncpd_listeners_active`, func() float64 {
			n := 0
			for i := range d.Table.Listeners {
				if !d.Table.Listeners[i].free() {
					n++
				}
			}
			return float64(n)
		})

		mo.control_commands_received_total = mo.set.NewCounter(`ncpd_control_commands_received_total`)
		mo.control_commands_sent_total = mo.set.NewCounter(`ncpd_control_commands_sent_total`)
		mo.control_decode_errors_total = mo.set.NewCounter(`ncpd_control_decode_errors_total`)

		mo.regular_bytes_received_total = mo.set.NewCounter(`ncpd_regular_bytes_received_total`)
		mo.regular_bytes_sent_total = mo.set.NewCounter(`ncpd_regular_bytes_sent_total`)

		mo.app_requests_total.echo = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "echo"))
		mo.app_requests_total.open = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "open"))
		mo.app_requests_total.listen = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "listen"))
		mo.app_requests_total.read = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "read"))
		mo.app_requests_total.write = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "write"))
		mo.app_requests_total.interrupt = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "interrupt"))
		mo.app_requests_total.close = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "close"))
		mo.app_requests_total.malformed = mo.set.NewCounter(metricsx.FormatName(`ncpd_app_requests_total`, "op", "malformed"))

		mo.hostAlive = map[byte]*metrics.Gauge{}
		mo.hostRFNM = map[byte]*metrics.Gauge{}
	})
	return &d.metricsObj
}

// hostAliveGauge lazily creates the per-host liveness gauge, labeled by host
// number so each of the 256 possible hosts only costs a metric once it is
// ever addressed.
func (d *Daemon) hostAliveGauge(host byte) *metrics.Gauge {
	mo := d.m()
	mo.hostsMu.Lock()
	defer mo.hostsMu.Unlock()
	g, ok := mo.hostAlive[host]
	if !ok {
		h := host
		name := metricsx.FormatName(`ncpd_host_alive`, "host", strconv.Itoa(int(h)))
		g = mo.set.NewGauge(name, func() float64 {
			if d.Hosts.Hosts[h].Alive {
				return 1
			}
			return 0
		})
		mo.hostAlive[host] = g
	}
	return g
}

// hostOutstandingRFNMGauge lazily creates the per-host outstanding-RFNM
// gauge (spec.md §3, §8 flow control).
func (d *Daemon) hostOutstandingRFNMGauge(host byte) *metrics.Gauge {
	mo := d.m()
	mo.hostsMu.Lock()
	defer mo.hostsMu.Unlock()
	g, ok := mo.hostRFNM[host]
	if !ok {
		h := host
		name := metricsx.FormatName(`ncpd_host_outstanding_rfnm`, "host", strconv.Itoa(int(h)))
		g = mo.set.NewGauge(name, func() float64 {
			return float64(d.Hosts.Hosts[h].OutstandingRFNM)
		})
		mo.hostRFNM[host] = g
	}
	return g
}

// Metrics returns d's metrics set, for embedding alongside other sets.
func (d *Daemon) Metrics() *metrics.Set {
	return d.m().set
}

// WritePrometheus writes d's metrics in Prometheus exposition format.
func (d *Daemon) WritePrometheus(w io.Writer) {
	d.m().set.WritePrometheus(w)
}
