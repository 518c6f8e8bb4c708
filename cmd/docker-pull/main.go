// Command docker-pull downloads an image from a Docker Registry V2 endpoint
// and writes it as a tar archive that "docker load" accepts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/docker-pull/protocol/registry"
	"github.com/wolfeidau/docker-pull/pull"
	"github.com/wolfeidau/docker-pull/telemetry"
)

var version = "dev"

// CLI is the command line of docker-pull.
type CLI struct {
	Reference string `arg:"" help:"Image reference, e.g. alpine:3.19, ghcr.io/org/app@sha256:..."`

	Insecure        bool   `help:"Skip TLS certificate verification for the registry." env:"DOCKER_PULL_INSECURE"`
	PlainHTTP       bool   `help:"Talk to the registry over plain HTTP." env:"DOCKER_PULL_PLAIN_HTTP"`
	Username        string `help:"Registry username for the token endpoint." env:"DOCKER_PULL_USERNAME"`
	Password        string `help:"Registry password for the token endpoint." env:"DOCKER_PULL_PASSWORD"`
	CredentialsFile string `help:"Credentials template with per-registry logins." type:"path" env:"DOCKER_PULL_CREDENTIALS_FILE"`

	OutputDir string `help:"Directory the archive is written to." default:"." type:"path" env:"DOCKER_PULL_OUTPUT_DIR"`
	Output    string `short:"o" help:"Archive file name, relative to the output directory." env:"DOCKER_PULL_OUTPUT"`
	WorkDir   string `help:"Parent directory for layer staging (default: output directory)." type:"path" env:"DOCKER_PULL_WORK_DIR"`

	CacheDir    string        `help:"Local blob cache directory, disabled when empty." type:"path" env:"DOCKER_PULL_CACHE_DIR"`
	CacheMaxAge time.Duration `help:"Prune cached blobs unused for longer than this (0 to disable)." default:"168h" env:"DOCKER_PULL_CACHE_MAX_AGE"`

	Timeout time.Duration `help:"Bound the whole pull (0 for no limit)." default:"0s" env:"DOCKER_PULL_TIMEOUT"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"DOCKER_PULL_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"DOCKER_PULL_LOG_FORMAT"`

	OTLPEndpoint   string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"DOCKER_PULL_OTLP_ENDPOINT"`
	PushgatewayURL string `name:"pushgateway-url" help:"Prometheus Pushgateway that receives the run's metrics." env:"DOCKER_PULL_PUSHGATEWAY_URL"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("docker-pull"),
		kong.Description("Pull an image from a registry into a docker-load compatible archive."),
		kong.Vars{"version": version},
	)

	if err := cli.run(os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (c *CLI) run(stdout, stderr io.Writer) error {
	runID := uuid.NewString()

	logger, err := newLogger(stderr, c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	logger = logger.With("run_id", runID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion: version,
		OTLPEndpoint:   c.OTLPEndpoint,
		PushgatewayURL: c.PushgatewayURL,
		Instance:       runID,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	p := pull.New(c.config(logger))

	path, err := p.Pull(ctx, c.Reference)
	if err != nil {
		var listErr *registry.ManifestListError
		if errors.As(err, &listErr) {
			for _, line := range listErr.Options() {
				fmt.Fprintln(stdout, line)
			}
		}
		if ctx.Err() != nil {
			logger.Info("pull interrupted, staging directory kept", "reason", context.Cause(ctx))
		}
		return err
	}

	fmt.Fprintln(stdout, path)
	return nil
}

func (c *CLI) config(logger *slog.Logger) pull.Config {
	return pull.Config{
		Insecure:        c.Insecure,
		PlainHTTP:       c.PlainHTTP,
		Username:        c.Username,
		Password:        c.Password,
		CredentialsFile: c.CredentialsFile,
		OutputDir:       c.OutputDir,
		Output:          c.Output,
		WorkDir:         c.WorkDir,
		CacheDir:        c.CacheDir,
		CacheMaxAge:     c.CacheMaxAge,
		Logger:          logger,
	}
}

func newLogger(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	var handler slog.Handler
	switch logFormat {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}
