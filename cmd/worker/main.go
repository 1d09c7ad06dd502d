package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/supportdesk/internal/ai"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/config"
	"github.com/suPer8Hu/supportdesk/internal/db"
	"github.com/suPer8Hu/supportdesk/internal/logger"
	"github.com/suPer8Hu/supportdesk/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg, "supportdesk-worker")

	if cfg.RabbitURL == "" {
		log.Fatal().Msg("RABBIT_URL is required for the worker")
	}

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	repo := chat.NewRepo(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := ai.ProviderFromConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AIProvider).Msg("ai provider")
	}
	poster := ai.NewWebhookPoster(cfg.AIAgentWebhookURL, cfg.AIAgentSecret, cfg.AIAgentTimeout)
	runner := ai.NewRunner(repo, provider, poster, cfg.ChatContextWindowSize, cfg.AIAgentTimeout, log)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, log)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit consumer")
	}
	defer consumer.Close()

	log.Info().
		Str("queue", cfg.RabbitQueue).
		Str("provider", cfg.AIProvider).
		Str("model", cfg.AIModelName()).
		Msg("worker started")

	if err := consumer.Run(ctx, runner.Run); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
	}
	log.Info().Msg("worker stopped")
}
