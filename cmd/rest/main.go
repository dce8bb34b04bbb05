package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"studyroom-sync-be/internal/bootstrap"
	"studyroom-sync-be/internal/config"
	"studyroom-sync-be/internal/server"
	"studyroom-sync-be/internal/tracer"
	"studyroom-sync-be/pkg/database"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load Configuration
	cfg := config.Load()

	// 2. Initialize Database
	var gormDB *gorm.DB
	if cfg.Database.Connection != "" {
		db, err := database.NewGormDBFromDSN(cfg.Database.Connection, false)
		if err != nil {
			log.Panicf("Unable to connect to GORM DB: %v", err)
		}
		gormDB = db
	}

	// 3. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(ctx, gormDB, cfg)
	defer container.Close()

	// 4. Initialize Tracer
	shutdownTracer := tracer.InitTracer(container.Logger)
	defer shutdownTracer(context.Background())

	// 5. Start Background Services and Server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return container.RewardService.Consume(gctx)
	})
	g.Go(func() error {
		container.WebSocketHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return container.Engine.Run(gctx)
	})
	g.Go(func() error {
		return server.New(cfg, container).Run(gctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		container.Logger.Error("MAIN", "Server stopped with error", map[string]interface{}{"error": err.Error()})
	}
	container.Engine.Shutdown()
	container.Logger.Info("MAIN", "Shutdown complete", nil)
}
