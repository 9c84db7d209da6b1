// Command ncpd runs the NCP daemon: the ARPANET Host/Host protocol state
// machine described by spec.md, attached to one emulated IMP over UDP and
// serving applications over a UNIX datagram socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/r2northstar/ncpd/pkg/imp"
	"github.com/r2northstar/ncpd/pkg/ncp"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		if x, err := readEnv(pflag.Arg(0)); err == nil {
			e = x
		} else {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		if v, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
			e = append(e, "NOTIFY_SOCKET="+v)
		}
	}

	var c ncp.Config
	if err := c.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	logger := configureLogging(&c)

	impConn, err := imp.Dial(c.IMPAddr.Addr().String(), int(c.IMPAddr.Port()), 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial IMP")
	}
	defer impConn.Close()

	appConn, err := ncp.ListenAppSocket(c.AppSocketPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open application socket")
	}
	defer appConn.Close()
	defer os.Remove(c.AppSocketPath)

	d := ncp.NewDaemon(c.MaxConnections, c.MaxListeners, logger)
	srv := ncp.NewServer(d, impConn, appConn, c.TickInterval, logger)
	srv.MetricsAddr = c.MetricsAddr
	srv.NotifySocket = c.NotifySocket

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	logger.Info().Str("imp_addr", c.IMPAddr.String()).Str("app_socket", c.AppSocketPath).Msg("starting ncpd")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Err(err).Msg("reactor exited")
		os.Exit(1)
	}
}

func configureLogging(c *ncp.Config) zerolog.Logger {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: os.Stdout})
		} else {
			outputs = append(outputs, os.Stdout)
		}
	}
	if c.LogFile != "" {
		if f, err := os.OpenFile(c.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
			outputs = append(outputs, f)
		} else {
			fmt.Fprintf(os.Stderr, "warning: failed to open log file: %v\n", err)
		}
	}
	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
