package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/relaymail/internal/app"
	"github.com/yungbote/relaymail/internal/attachments"
	"github.com/yungbote/relaymail/internal/config"
	"github.com/yungbote/relaymail/internal/data/db"
	relayrepos "github.com/yungbote/relaymail/internal/data/repos/relay"
	"github.com/yungbote/relaymail/internal/intake"
	"github.com/yungbote/relaymail/internal/lifecycle"
	"github.com/yungbote/relaymail/internal/platform/envutil"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/platform/translate"
	"github.com/yungbote/relaymail/internal/relay"
	"github.com/yungbote/relaymail/internal/server"
	"github.com/yungbote/relaymail/internal/transport"
)

func main() {
	// Config
	cfgPath := envutil.Str("CONFIG_PATH", "config.yml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Logger
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()
	txRunner := db.NewGormTxRunner(thePG)

	// Repos
	log.Info("Setting up repos...")
	threadRepo := relayrepos.NewThreadRepo(thePG, log)
	messageRepo := relayrepos.NewThreadMessageRepo(thePG, log)
	profileRepo := relayrepos.NewUserProfileRepo(thePG, log)

	// Transport
	gateway, err := transport.NewGateway(log)
	if err != nil {
		log.Error("Could not init gateway client", "error", err)
		os.Exit(1)
	}

	// Attachments
	backend, err := attachments.NewBackend(cfg, log)
	if err != nil {
		log.Error("Could not init attachment backend", "error", err)
		os.Exit(1)
	}
	store := attachments.NewStore(backend, log)

	// Translation
	var translator translate.Translator = translate.NewNoop()
	if cfg.Translate.Enabled {
		translator, err = translate.NewOpenAI(log)
		if err != nil {
			log.Warn("Translation disabled", "error", err)
			translator = translate.NewNoop()
		}
	}

	// Services
	log.Info("Setting up services...")
	renderer := relay.NewRenderer(cfg.Relay.RenderMode)
	relayService := relay.NewService(log, cfg, txRunner, threadRepo, messageRepo, gateway, renderer, translator, store)
	lifecycleService := lifecycle.NewService(log, cfg, threadRepo, relayService, gateway)
	coordinator := intake.NewCoordinator(log, cfg, txRunner, threadRepo, profileRepo, relayService, gateway)

	ctx := context.Background()
	coordinator.Start(ctx)

	scheduler := lifecycle.NewScheduler(log, threadRepo, lifecycleService)
	scheduler.Start(ctx)

	// Replay anything missed while the process was down.
	if err := relayService.RecoverDowntime(ctx); err != nil {
		log.Warn("Downtime recovery failed", "error", err)
	}

	// Event loop
	engine := app.New(log, cfg, threadRepo, relayService, lifecycleService, coordinator)
	go engine.Run(ctx, gateway)

	// HTTP
	router := server.NewRouter(server.RouterConfig{Cfg: cfg})
	log.Info("Starting HTTP server", "addr", cfg.HTTP.Addr)
	if err := router.Run(cfg.HTTP.Addr); err != nil {
		log.Fatal("HTTP server failed", "error", err)
	}
}
