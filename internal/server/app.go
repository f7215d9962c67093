// Package server wires the application together: configuration, logging,
// database and migrations, the remote blob store, services, and the public
// HTTP endpoint. It also handles graceful shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/envsync/envsync/internal/logging"
	"github.com/envsync/envsync/internal/server/config"
	"github.com/envsync/envsync/internal/server/httpapi"
	"github.com/envsync/envsync/internal/server/remote"
	"github.com/envsync/envsync/internal/server/repositories/repomanager"
	"github.com/envsync/envsync/internal/server/services"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	server *httpapi.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	store, err := remote.NewS3Store(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("remote store init error: %w", err)
	}

	userService := services.NewUserService(db, rm, cfg)
	syncService := services.NewSyncService(db, rm, store)

	srv := httpapi.NewServer(cfg.EndpointAddr, logger, userService, syncService, cfg.SecretKey)

	return &App{config: cfg, logger: logger, db: db, server: srv}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.server.Run(ctx); err != nil {
		app.logger.Error(ctx, "HTTP server error", "error", err.Error())
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "error closing db", "error", err.Error())
	}

	app.logger.Info(ctx, "App stopped")
}
