package ncp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/ncpd/pkg/imp"
)

// Server drives a Daemon's reactor loop (spec.md §5). Two goroutines do
// nothing but blocking I/O: one reads the IMP link, one reads the
// application socket. Each forwards whatever it received to a channel
// drained by Run's single select loop, which is the only place Daemon
// state is ever touched. This keeps the Host/Host protocol state machine
// single-threaded without serializing the I/O itself behind it.
type Server struct {
	Logger zerolog.Logger

	Daemon *Daemon

	MetricsAddr  string
	NotifySocket string

	imp     *imp.Conn
	appConn *net.UnixConn

	tickInterval time.Duration
}

// NewServer wires d's SendIMP/SendApp hooks to impConn/appConn and returns
// a Server ready to Run. A non-positive tickInterval is replaced by one
// second, which is also Config.TickInterval's default (spec.md §4.4).
func NewServer(d *Daemon, impConn *imp.Conn, appConn *net.UnixConn, tickInterval time.Duration, logger zerolog.Logger) *Server {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	d.Logger = logger
	d.SendIMP = impConn.Send
	d.SendApp = func(addr net.Addr, body []byte) error {
		ua, ok := addr.(*net.UnixAddr)
		if !ok || ua == nil || ua.Name == "" {
			return fmt.Errorf("ncp: application reply address %v is not usable", addr)
		}
		_, err := appConn.WriteTo(body, ua)
		return err
	}
	return &Server{
		Logger:       logger,
		Daemon:       d,
		imp:          impConn,
		appConn:      appConn,
		tickInterval: tickInterval,
	}
}

type appDatagram struct {
	addr net.Addr
	body []byte
}

// Run starts the reactor and blocks until ctx is canceled or a transport
// fails. The IMP link failing is fatal (ncpd has nothing left to serve);
// the application socket failing is logged and retried by the caller's
// supervisor, not handled here.
func (s *Server) Run(ctx context.Context) error {
	impMsgs := make(chan []byte, 64)
	impErrs := make(chan error, 1)
	go func() {
		for {
			body, err := s.imp.Recv()
			if err != nil {
				impErrs <- err
				return
			}
			select {
			case impMsgs <- body:
			case <-ctx.Done():
				return
			}
		}
	}()

	appMsgs := make(chan appDatagram, 64)
	appErrs := make(chan error, 1)
	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := s.appConn.ReadFrom(buf)
			if err != nil {
				appErrs <- err
				return
			}
			body := make([]byte, n)
			copy(body, buf[:n])
			select {
			case appMsgs <- appDatagram{addr, body}:
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.MetricsAddr != "" {
		go s.serveMetrics(ctx)
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Logger.Info().Str("component", "ncp").Msg("reactor started")
	s.sdnotify("READY=1")

	for {
		select {
		case <-ctx.Done():
			s.sdnotify("STOPPING=1")
			s.imp.Close()
			s.appConn.Close()
			return nil
		case body := <-impMsgs:
			s.Daemon.HandleIMPBody(body)
		case m := <-appMsgs:
			s.Daemon.HandleAppMessage(m.addr, m.body)
		case err := <-impErrs:
			return fmt.Errorf("imp link closed: %w", err)
		case err := <-appErrs:
			s.Logger.Err(err).Str("component", "app").Msg("application socket closed")
			return fmt.Errorf("application socket closed: %w", err)
		case <-ticker.C:
			s.Daemon.tick()
		}
	}
}

// serveMetrics exposes the Daemon's Prometheus-format metrics on
// MetricsAddr until ctx is canceled.
func (s *Server) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.Daemon.WritePrometheus(w)
	})
	hs := &http.Server{Addr: s.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.Logger.Err(err).Str("component", "metrics").Msg("metrics listener failed")
	}
}

// sdnotify sends state to the systemd notify socket, if configured.
func (s *Server) sdnotify(state string) {
	if s.NotifySocket == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: s.NotifySocket, Net: "unixgram"})
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}
