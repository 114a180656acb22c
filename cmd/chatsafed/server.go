package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chatsafe-net/chatsafe/classifier"
	"github.com/chatsafe-net/chatsafe/ledger"
	"github.com/chatsafe-net/chatsafe/pipeline"
	"github.com/chatsafe-net/chatsafe/stream"
)

type Config struct {
	GatewayHost        string
	GatewayAPIHost     string
	LedgerRPCURL       string
	LedgerContractAddr string
	SigningKey         string
	ClassifierAPIKey   string
	ClassifierHost     string
	RedisURL           string
	MetricsListen      string
	SinkTimeout        time.Duration
	Logger             *slog.Logger
}

type Server struct {
	logger        *slog.Logger
	consumer      *stream.Consumer
	metricsListen string
}

// NewServer validates configuration and wires the whole agent together.
// Missing ledger or signing configuration is fatal; a missing classifier
// credential only degrades the classifier to fail-open mode.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !strings.HasPrefix(config.GatewayHost, "ws") {
		return nil, fmt.Errorf("specified gateway host must include 'ws://' or 'wss://'")
	}
	if config.SigningKey == "" {
		return nil, fmt.Errorf("signing key is required")
	}
	if config.LedgerContractAddr == "" {
		return nil, fmt.Errorf("ledger contract address is required")
	}
	if config.LedgerRPCURL == "" {
		return nil, fmt.Errorf("ledger RPC URL is required")
	}

	// the agent's stream identity is its signer address; inbound messages
	// from it are filtered to avoid reply feedback loops
	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.SigningKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	selfID := crypto.PubkeyToAddress(key.PublicKey).Hex()
	logger.Info("agent identity", "address", selfID)

	ldg, err := ledger.NewEthLedger(ctx, config.LedgerRPCURL, config.LedgerContractAddr, config.SigningKey, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger client: %w", err)
	}

	cls := classifier.NewClient(config.ClassifierHost, config.ClassifierAPIKey, logger)

	apiHost := config.GatewayAPIHost
	if apiHost == "" {
		apiHost = "http" + strings.TrimPrefix(config.GatewayHost, "ws")
	}

	var cursor stream.CursorStore
	if config.RedisURL != "" {
		cursor, err = stream.NewRedisCursorStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis cursor store: %w", err)
		}
	} else {
		logger.Info("redis not configured, stream cursor will not survive restarts")
		cursor = stream.NewMemCursorStore()
	}

	pipe := &pipeline.Pipeline{
		Logger:      logger,
		SelfID:      selfID,
		Classifier:  cls,
		Ledger:      ldg,
		Replies:     stream.NewGatewayReplySink(apiHost, logger),
		SinkTimeout: config.SinkTimeout,
	}

	consumer := &stream.Consumer{
		Logger: logger,
		Source: &stream.GatewaySource{
			Logger: logger,
			Host:   config.GatewayHost,
		},
		Pipeline: pipe,
		Cursor:   cursor,
	}

	return &Server{
		logger:        logger,
		consumer:      consumer,
		metricsListen: config.MetricsListen,
	}, nil
}

func (s *Server) RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}

// Run starts the consumer, the cursor persist loop, and the metrics
// listener, and blocks until the stream ends or fatally fails. Any stream
// end that the operator did not request is surfaced as an error; restart
// policy belongs to the process supervisor.
func (s *Server) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		// stop the persist loop when the consumer finishes, cleanly or
		// not; errgroup only cancels on a non-nil return
		defer cancel()
		return s.consumer.Run(ctx)
	})
	eg.Go(func() error {
		return s.consumer.RunPersistCursor(ctx)
	})
	go func() {
		if err := s.RunMetrics(s.metricsListen); err != nil {
			s.logger.Error("failed to start metrics endpoint", "err", err)
		}
	}()

	if err := eg.Wait(); err != nil {
		return err
	}
	if parent.Err() != nil {
		// operator-initiated shutdown
		return nil
	}
	return fmt.Errorf("message stream ended, nothing left to consume")
}
