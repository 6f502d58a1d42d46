// Command counters is the demo entry point wiring the Process Pool,
// Query Dispatcher, Counter-Plan Builder and Counter Execution Coordinator
// into a single running service (spec.md §2).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/config"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/defstore"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/service"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	workerBinary := flag.String("worker-binary", "counter-worker", "path to the compiled counter-worker binary")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logging.NewFromConfig(logging.LoggingConfig(cfg.Logging), "counters", os.Stdout)
	if err != nil {
		panic(err)
	}

	definitions, err := loadDefinitions(cfg, log)
	if err != nil {
		log.Errorf("failed to load counter definitions: %v", err)
		os.Exit(1)
	}
	log.Infof("loaded %d counter definitions", len(definitions))

	resolvedBinary := service.ResolveWorkerBinary(*workerBinary, *workerBinary)
	svc := service.New(cfg, resolvedBinary, definitions, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Errorf("failed to start worker pool: %v", err)
		os.Exit(1)
	}
	log.Infof("pool started with %d workers", cfg.Pool.WorkerCount)

	if cfg.Definitions.WatchFile && cfg.Definitions.FilePath != "" {
		if err := svc.WatchDefinitions(ctx, cfg.Definitions.FilePath); err != nil {
			log.Warnf("definitions: hot-reload watch not started: %v", err)
		} else {
			log.Infof("watching %s for counter definition changes", cfg.Definitions.FilePath)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace+time.Second)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
}

func loadDefinitions(cfg *config.Config, log *logging.Logger) ([]model.CounterDefinition, error) {
	if cfg.Definitions.PostgresDSN != "" {
		store, err := defstore.NewPostgresStore(context.Background(), &defstore.PostgresConfig{
			ConnectionString: cfg.Definitions.PostgresDSN,
			MigrationsPath:   cfg.Definitions.MigrationsPath,
		})
		if err != nil {
			return nil, err
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			log.Warnf("definitions: migration skipped or failed: %v", err)
		}
		return store.LoadAll(context.Background())
	}

	if cfg.Definitions.FilePath != "" {
		return defstore.LoadFile(cfg.Definitions.FilePath)
	}

	return nil, nil
}
