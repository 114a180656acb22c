package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "chatsafed",
		Usage:   "chat moderation agent (watches the stream, warns, and keeps the ledger)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "gateway-host",
			Usage:   "scheme, hostname, and port of the message gateway stream (ws:// or wss://)",
			Value:   "wss://gateway.chatsafe.net",
			EnvVars: []string{"GATEWAY_HOST"},
		},
		&cli.StringFlag{
			Name:    "gateway-api-host",
			Usage:   "HTTP endpoint of the message gateway, for sending replies; derived from gateway-host when empty",
			EnvVars: []string{"GATEWAY_API_HOST"},
		},
		&cli.StringFlag{
			Name:    "ledger-rpc-url",
			Usage:   "JSON-RPC endpoint of the chain holding the infraction ledger",
			EnvVars: []string{"LEDGER_RPC_URL", "BASE_SEPOLIA_RPC_URL"},
		},
		&cli.StringFlag{
			Name:    "ledger-contract-address",
			Usage:   "address of the deployed infraction ledger contract",
			EnvVars: []string{"CHATSAFE_CONTRACT_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "signing-key",
			Usage:   "hex private key used to sign ledger transactions (needs funds for gas)",
			EnvVars: []string{"SIGNING_KEY", "XMTP_PRIVATE_KEY"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		reportsCmd,
	}

	return app.Run(args)
}

func configLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

// Enable OTLP HTTP exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set.
// For relevant environment variables:
// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
func setupOTEL(ctx context.Context) (func(), error) {
	ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if ep == "" {
		return func() {}, nil
	}
	slog.Info("setting up trace exporter", "endpoint", ep)
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("chatsafed"),
			attribute.String("env", os.Getenv("ENVIRONMENT")),
			attribute.String("environment", os.Getenv("ENVIRONMENT")),
			attribute.Int64("ID", 1),
		)),
	)
	otel.SetTracerProvider(tp)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := exp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace exporter", "err", err)
		}
	}
	return shutdown, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation agent",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "classifier-api-key",
			Usage:   "credential for the content classification service; when absent the agent runs fail-open",
			EnvVars: []string{"CLASSIFIER_API_KEY", "OPENAI_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "classifier-host",
			Usage:   "base URL of the content classification service",
			EnvVars: []string{"CLASSIFIER_HOST"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection for stream cursor checkpointing, eg redis://localhost:6379/0",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"CHATSAFE_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "sink-timeout",
			Usage:   "bound on each individual reply or ledger call",
			Value:   60 * time.Second,
			EnvVars: []string{"CHATSAFE_SINK_TIMEOUT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := configLogger()

		otelShutdown, err := setupOTEL(ctx)
		if err != nil {
			return err
		}
		defer otelShutdown()

		srv, err := NewServer(ctx, Config{
			GatewayHost:        cctx.String("gateway-host"),
			GatewayAPIHost:     cctx.String("gateway-api-host"),
			LedgerRPCURL:       cctx.String("ledger-rpc-url"),
			LedgerContractAddr: cctx.String("ledger-contract-address"),
			SigningKey:         cctx.String("signing-key"),
			ClassifierAPIKey:   cctx.String("classifier-api-key"),
			ClassifierHost:     cctx.String("classifier-host"),
			RedisURL:           cctx.String("redis-url"),
			MetricsListen:      cctx.String("metrics-listen"),
			SinkTimeout:        cctx.Duration("sink-timeout"),
			Logger:             logger,
		})
		if err != nil {
			return err
		}

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run moderation agent: %w", err)
		}
		return nil
	},
}
