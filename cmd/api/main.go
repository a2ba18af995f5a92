package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/config"
	"github.com/gramcrm/server/internal/db"
	"github.com/gramcrm/server/internal/dispatch"
	httprouter "github.com/gramcrm/server/internal/http"
	"github.com/gramcrm/server/internal/http/handlers"
	"github.com/gramcrm/server/internal/ingest"
	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/notify"
	"github.com/gramcrm/server/internal/protocol/gateway"
	"github.com/gramcrm/server/internal/repo"
	"github.com/gramcrm/server/internal/session"
	"github.com/gramcrm/server/internal/status"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.DevMode {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := runMigrations(database, log); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	accountRepo := repo.NewAccountRepo(database)
	chatRepo := repo.NewChatRepo(database)
	messageRepo := repo.NewMessageRepo(database)
	operatorRepo := repo.NewOperatorRepo(database)

	var notifier notify.Notifier = &notify.LogNotifier{Log: log}
	if cfg.AMQPURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQPURL, log)
		if err != nil {
			log.Fatalf("Failed to connect to broker: %v", err)
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}

	dialer := gateway.NewDialer(cfg.GatewayURL, log)

	registry := session.NewRegistry()
	pipeline := ingest.NewPipeline(chatRepo, messageRepo, notifier, log)
	catchup := session.NewCatchup(chatRepo, messageRepo, log)
	controller := session.NewController(registry, dialer, accountRepo, catchup, pipeline, log)
	dispatcher := dispatch.NewDispatcher(registry, chatRepo, messageRepo, notifier, log)
	flow := auth.NewFlow(dialer, accountRepo, log)
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	statusService := status.NewService(accountRepo, chatRepo, messageRepo, registry)

	operatorHandler := handlers.NewOperatorHandler(operatorRepo, jwtService)
	accountHandler := handlers.NewAccountHandler(accountRepo, controller, flow, log)
	messageHandler := handlers.NewMessageHandler(chatRepo, dispatcher, log)
	statusHandler := handlers.NewStatusHandler(statusService)

	router := httprouter.NewRouter(operatorHandler, accountHandler, messageHandler, statusHandler, jwtService, operatorRepo)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Infof("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Bring previously active accounts back online after the HTTP surface is
	// up; individual failures are logged, the boot continues.
	go func() {
		if err := controller.StartAll(ctx, model.StatusActive); err != nil {
			log.WithError(err).Warn("not all accounts came back online")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	if err := controller.StopAll(shutdownCtx); err != nil {
		log.WithError(err).Warn("not all accounts stopped cleanly")
	}

	log.Info("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB, log *logrus.Logger) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the module root)")
	}

	log.Infof("Running migrations from %s", migrationDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
