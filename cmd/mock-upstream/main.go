// Command mock-upstream serves scripted OpenAI and Anthropic streaming
// responses for exercising the fetcher without a real provider.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/auth"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/config"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/mockupstream"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/server"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "config file (default config.yaml)")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := telemetry.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName+"-mock", os.Stderr, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	var opts []server.Option
	if len(cfg.Server.APIKeys) > 0 {
		opts = append(opts, server.WithVerifier(auth.NewVerifier(cfg.Server.APIKeys...)))
	} else {
		logger.Warn("no server.api_keys configured, accepting any key")
	}
	opts = append(opts, server.WithTimeout(cfg.FetchTimeout()), server.WithName("mock-upstream"))

	m := metrics.New()
	srv := server.New(cfg.Server.Port, logger, opts...)
	mockupstream.New(mockupstream.WithLogger(logger), mockupstream.WithMetrics(m)).Register(srv.Router)
	srv.Router.Handle("/metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("mock upstream stopped")
}
