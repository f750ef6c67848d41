// Command image-cache is a transforming image proxy with a tiered cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/image-cache/server"
	"github.com/wolfeidau/image-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address        string        `help:"Address to listen on." default:":8080"`
	Storage        string        `help:"Storage directory path." default:"./cache" type:"path"`
	DisableStorage bool          `help:"Disable artifact persistence; every request is produced from the source."`
	CacheTTL       time.Duration `help:"Cache TTL, 0 to disable." default:"168h"`
	CacheMaxSize   int64         `help:"Maximum cache size in bytes, 0 to disable." default:"10737418240"`
	ExpiryCheck    time.Duration `help:"How often to check for expired artifacts." default:"1h"`

	FetchTimeout  time.Duration `help:"Timeout for a single source fetch." default:"10s"`
	MaxSourceSize int64         `help:"Maximum source download size in bytes." default:"20971520"`
	MaxOutputSize int64         `help:"Maximum inline response size in bytes." default:"10485760"`

	AuthToken     string `help:"Bearer token required on cache endpoints." env:"IMAGE_CACHE_AUTH_TOKEN"`
	AllowLoopback bool   `help:"Permit fetching from loopback addresses (local development only)."`

	OTLPEndpoint     string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnablePrometheus bool   `help:"Expose Prometheus metrics on /metrics."`

	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("image-cache"),
		kong.Description("Transforming image proxy with a tiered cache."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := buildLogger(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "image-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:              flags.Address,
		StoragePath:          flags.Storage,
		DisableStorage:       flags.DisableStorage,
		CacheTTL:             flags.CacheTTL,
		CacheMaxSize:         flags.CacheMaxSize,
		ExpiryCheckInterval:  flags.ExpiryCheck,
		FetchTimeout:         flags.FetchTimeout,
		MaxSourceSize:        flags.MaxSourceSize,
		MaxOutputSize:        flags.MaxOutputSize,
		AuthToken:            flags.AuthToken,
		AllowLoopbackSources: flags.AllowLoopback,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"example_url", fmt.Sprintf("http://localhost%s/?url=https://example.com/cat.jpg&width=400&format=auto", srv.Address()),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info("shutting down")
		err = srv.Shutdown(shutdownCtx)
		if metricsErr := shutdownMetrics(shutdownCtx); metricsErr != nil && err == nil {
			err = metricsErr
		}
		return err
	case err := <-errCh:
		return err
	}
}

func buildLogger(flags cli) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", flags.LogLevel, err)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format %q", flags.LogFormat)
	}
	return slog.New(handler), nil
}
