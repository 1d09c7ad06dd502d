package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/ai"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/config"
	"github.com/suPer8Hu/supportdesk/internal/db"
	"github.com/suPer8Hu/supportdesk/internal/dispatch"
	"github.com/suPer8Hu/supportdesk/internal/httpapi"
	"github.com/suPer8Hu/supportdesk/internal/httpapi/handlers"
	"github.com/suPer8Hu/supportdesk/internal/identity"
	"github.com/suPer8Hu/supportdesk/internal/inbox"
	"github.com/suPer8Hu/supportdesk/internal/lifecycle"
	"github.com/suPer8Hu/supportdesk/internal/logger"
	"github.com/suPer8Hu/supportdesk/internal/realtime"
	"github.com/suPer8Hu/supportdesk/internal/store/rabbitmq"
	"github.com/suPer8Hu/supportdesk/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg, "supportdesk")

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	repo := chat.NewRepo(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrapAdmin(ctx, repo, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("bootstrap admin")
	}

	// a nil store disables dedupe and the presence mirror
	var rds *redisstore.Store
	if cfg.RedisAddr != "" {
		rds = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rds.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, continuing without it")
		}
		defer rds.Close()
	}

	engine := lifecycle.NewEngine(repo, nil, log)
	hub := realtime.NewHub(repo, rds, log)
	engine.SetNotifier(hub)

	senders := dispatch.SendersFromConfig(cfg)
	dispatcher := dispatch.New(cfg.DispatchTimeout, log, senders...)

	svc := inbox.NewService(inbox.Deps{
		Repo:           repo,
		Resolver:       identity.NewResolver(repo),
		Lifecycle:      engine,
		Fanout:         hub,
		Dispatcher:     dispatcher,
		Dedupe:         rds,
		WelcomeMessage: cfg.WidgetWelcomeMessage,
		Log:            log,
	})

	aiAgent := channels.NewAIAgent(cfg.AIAgentSecret)
	registry := channels.NewRegistry(
		channels.NewFacebook(cfg.FacebookVerifyToken, cfg.FacebookAppSecret),
		channels.NewWhatsApp(cfg.WhatsAppVerifyToken, cfg.WhatsAppAppSecret),
		channels.NewTelegram(cfg.TelegramSecretToken),
		channels.NewEmail(),
		channels.NewWidget(),
		aiAgent,
	)

	trigger, closeTrigger := newTrigger(ctx, cfg, repo, svc, aiAgent, log)
	defer closeTrigger()

	h := handlers.NewHandler(handlers.Deps{
		Repo:      repo,
		Inbox:     svc,
		Lifecycle: engine,
		Channels:  registry,
		Trigger:   trigger,
		Rooms:     hub,
		Cfg:       cfg,
		Log:       log,
	})
	gateway := realtime.NewGateway(hub, svc, cfg.JWTSecret, cfg.WidgetAllowedOrigins, log)
	router := httpapi.NewRouter(cfg, h, gateway, log)

	sweeper := realtime.NewTypingSweeper(hub, cfg.TypingStaleAfter, cfg.TypingSweepInterval, log)
	sweeper.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Strs("channels", registry.Names()).
			Int("outbound_senders", len(senders)).
			Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	sweeper.Stop()
	svc.Wait()
	trigger.Wait()
	log.Info().Msg("server stopped")
}

// newTrigger publishes agent jobs to RabbitMQ when it is configured. Otherwise jobs
// run in this process and their replies go straight into the inbox.
func newTrigger(ctx context.Context, cfg config.Config, repo *chat.Repo, svc *inbox.Service, replies channels.Normalizer, log zerolog.Logger) (*ai.Trigger, func()) {
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbit publisher")
		}
		log.Info().Str("queue", cfg.RabbitQueue).Msg("agent jobs go to the worker queue")
		return ai.NewTrigger(repo, pub, nil, log), func() { _ = pub.Close() }
	}

	provider, err := ai.ProviderFromConfig(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("ai provider unavailable, agent jobs will fail")
		return ai.NewTrigger(repo, nil, nil, log), func() {}
	}
	poster := ai.PosterFunc(func(ctx context.Context, p channels.AIAgentPayload) error {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		msgs, err := replies.Normalize(raw)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if _, err := svc.HandleInbound(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	runner := ai.NewRunner(repo, provider, poster, cfg.ChatContextWindowSize, cfg.AIAgentTimeout, log)
	log.Info().Str("provider", cfg.AIProvider).Str("model", cfg.AIModelName()).Msg("agent jobs run in-process")
	return ai.NewTrigger(repo, nil, runner, log), func() {}
}
