package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"

	"telemetry-pipeline/internal/collector"
	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/controller"
	"telemetry-pipeline/internal/db"
	httpserver "telemetry-pipeline/internal/http"
	"telemetry-pipeline/internal/repository"
)

func main() {
	cfg, err := config.LoadCollector()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pflag.StringVar(&cfg.HTTPPort, "addr", cfg.HTTPPort, "listen address")
	pflag.StringVar(&cfg.ConfigFile, "config-file", cfg.ConfigFile, "JSON config document served to clients")
	pflag.Int64Var(&cfg.FirstMPID, "first-mpid", cfg.FirstMPID, "first mpid handed to new devices")
	pflag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "log every accepted batch")
	pflag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store repository.CollectedStore = repository.NewMemoryCollectedStore()
	if cfg.ClickHouseDSN != "" {
		conn, err := db.NewConnection(ctx, cfg.ClickHouseDSN, cfg.Debug)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(ctx, conn); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		store = repository.NewClickHouseCollectedStore(conn)
	}

	doc, err := collector.LoadConfigDocument(cfg.ConfigFile)
	if err != nil {
		log.Fatalf("config document: %v", err)
	}

	worker := collector.NewIngestWorker(store, cfg.IngestBufferSize, cfg.IngestBatchSize, cfg.IngestFlushEvery)
	svc, err := collector.NewService(collector.Options{
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		ConfigDocument: doc,
		FirstMPID:      cfg.FirstMPID,
		MaxClockSkew:   cfg.MaxClockSkew,
		Debug:          cfg.Debug,
	}, worker)
	if err != nil {
		log.Fatalf("build collector: %v", err)
	}

	server := httpserver.NewServer(cfg, controller.NewCollectorController(svc))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[ERROR] shutdown: %v", err)
		}
	}()

	log.Printf("starting collector on %s", cfg.HTTPPort)
	if err := server.Listen(cfg.HTTPPort); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
	worker.Shutdown()
}
