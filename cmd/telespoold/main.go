package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"

	"github.com/block/telespool/internal/httputil"
	"github.com/block/telespool/internal/logging"
	"github.com/block/telespool/internal/metrics"
	"github.com/block/telespool/internal/reports"
	"github.com/block/telespool/internal/server"
	"github.com/block/telespool/internal/transport"
)

type GlobalConfig struct {
	Bind string `hcl:"bind" default:"127.0.0.1:9638" help:"Bind address for the relay."`

	TransportConfig transport.Options    `embed:"" hcl:"transport,block" prefix:"transport-"`
	UpstreamConfig  transport.HTTPConfig `embed:"" hcl:"upstream,block" prefix:"upstream-"`
	LoggingConfig   logging.Config       `embed:"" hcl:"logging,block" prefix:"log-"`
	MetricsConfig   metrics.Config       `embed:"" hcl:"metrics,block" prefix:"metrics-"`
}

var cli struct {
	Schema bool `help:"Print the configuration file schema." xor:"command"`

	Config *os.File `hcl:"-" help:"Configuration file path." placeholder:"PATH"`

	// GlobalConfig accepts command-line flags, but can also be parsed from HCL.
	GlobalConfig
}

func main() {
	kctx := kong.Parse(&cli, kong.DefaultEnvars("TELESPOOLD"))

	if cli.Config != nil {
		ast, err := hcl.Parse(cli.Config)
		kctx.FatalIfErrorf(err)
		kctx.FatalIfErrorf(hcl.UnmarshalAST(ast, &cli.GlobalConfig))
	}

	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, cli.LoggingConfig)

	if cli.Schema {
		kctx.FatalIfErrorf(printSchema())
		return
	}

	kctx.FatalIfErrorf(run(ctx, logger))
}

func printSchema() error {
	schema, err := hcl.Schema(&GlobalConfig{})
	if err != nil {
		return err
	}
	text, err := hcl.MarshalAST(schema)
	if err != nil {
		return err
	}
	if fileInfo, err := os.Stdout.Stat(); err == nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
		return quick.Highlight(os.Stdout, string(text), "terraform", "terminal256", "solarized")
	}
	fmt.Printf("%s\n", text) //nolint:forbidigo
	return nil
}

func run(ctx context.Context, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cli.TransportConfig.DSN == "" {
		return fmt.Errorf("an upstream DSN is required (--transport-dsn or the transport block)")
	}

	metricsClient, err := metrics.New(ctx, cli.MetricsConfig)
	if err != nil {
		return err
	}
	defer metricsClient.Close()

	monitor, err := metricsClient.NewSpoolMonitor()
	if err != nil {
		return err
	}
	cli.TransportConfig.Monitors = append(cli.TransportConfig.Monitors, monitor)

	var recorder *reports.Recorder
	if cli.TransportConfig.CacheDir != "" {
		spool := transport.OpenSpool(cli.TransportConfig.CacheDir, cli.TransportConfig.DSN)
		if err := os.MkdirAll(spool.Root(), 0o700); err != nil {
			return err
		}
		recorder, err = reports.Open(filepath.Join(spool.Root(), "reports.db"), logger)
		if err != nil {
			return err
		}
		defer recorder.Close()
		cli.TransportConfig.Monitors = append(cli.TransportConfig.Monitors, recorder)
	}

	inner, err := transport.NewHTTP(ctx, cli.TransportConfig.DSN, cli.UpstreamConfig)
	if err != nil {
		return err
	}
	sink, err := transport.New(ctx, inner, cli.TransportConfig)
	if err != nil {
		return err
	}

	if caching, ok := sink.(*transport.Caching); ok {
		defer caching.Close()
		if err := metricsClient.RegisterDepthGauge(caching.QueueDepth); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", server.New(ctx, sink))
	mux.Handle("/metrics", metricsClient.Handler())

	httpServer := &http.Server{
		Addr:              cli.Bind,
		Handler:           httputil.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Server shutdown failed", "error", err)
		}
	}()

	logger.InfoContext(ctx, "Relay listening", "bind", cli.Bind)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
