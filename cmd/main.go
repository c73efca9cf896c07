package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"facilitator-agent/handler"
	"facilitator-agent/internal/config"
	"facilitator-agent/internal/integrations/openai"
	"facilitator-agent/internal/integrations/paramstore"
	"facilitator-agent/internal/repository"
	"facilitator-agent/internal/repository/sqlite"
	"facilitator-agent/internal/stream"
	"facilitator-agent/internal/telemetry"
	"facilitator-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fatal("invalid configuration", err)
	}

	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		fatal("failed to set up tracing", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}

	store, closeStore, err := openStore(cfg, awsCfg)
	if err != nil {
		fatal("failed to open state store", err)
	}

	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix,
		openai.WithHTTPClient(&http.Client{Timeout: cfg.GenerationTimeout}),
	)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	// ---- Handler ----
	svc, err := usecase.NewFacilitatorService(ssmClient, openaiClient, store, usecase.Options{
		ParamPrefix:       cfg.ParamPrefix,
		ContextWindow:     cfg.ContextWindow,
		MaxMessageLength:  cfg.MaxMessageLength,
		CostPer1KTokens:   cfg.CostPer1KTokens,
		GenerationTimeout: cfg.GenerationTimeout,
		Stream: stream.Options{
			ChunkSize:  cfg.StreamChunkSize,
			BufferSize: cfg.StreamBuffer,
			ChunkDelay: cfg.StreamChunkDelay,
		},
	})
	if err != nil {
		fatal("failed to create facilitator service", err)
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		fatal("failed to create handler", err)
	}

	slog.Info("facilitator starting", "store_backend", cfg.StoreBackend, "tracing", cfg.OTelEndpoint != "")
	// Flush spans and release the store when the runtime shuts down.
	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("tracer shutdown", "err", err)
		}
		closeStore()
	}))
}

func openStore(cfg config.Config, awsCfg aws.Config) (usecase.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, cfg.DefaultMaxHints)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.DefaultMaxHints)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
