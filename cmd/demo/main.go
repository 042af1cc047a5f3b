package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"

	"telemetry-pipeline/internal/client"
	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/db"
	"telemetry-pipeline/internal/device"
	"telemetry-pipeline/internal/prefs"
	"telemetry-pipeline/internal/remoteconfig"
	"telemetry-pipeline/internal/repository"
	"telemetry-pipeline/internal/service"
)

func main() {
	every := pflag.Duration("event-every", 5*time.Second, "interval between demo events")
	appVersion := pflag.String("app-version", "1.0.0", "application version reported on init")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var queue repository.Repository = repository.NewMemoryRepository()
	if cfg.ClickHouseDSN != "" {
		conn, err := db.NewConnection(ctx, cfg.ClickHouseDSN, cfg.Debug)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(ctx, conn); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		queue = repository.NewClickHouseRepository(conn)
	} else {
		log.Println("[WARN] CLICKHOUSE_DSN not set, queue is in memory")
	}

	var store prefs.Store = prefs.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := prefs.NewRedisStore(ctx, prefs.RedisOpts{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  5 * time.Second,
		})
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer rs.Close()
		store = rs
	}

	apiClient, err := client.New(client.Options{
		BaseURL:      cfg.CollectorURL,
		APIKey:       cfg.APIKey,
		APISecret:    cfg.APISecret,
		Timeout:      cfg.HTTPTimeout,
		PinnedCAFile: cfg.PinnedCAFile,
	})
	if err != nil {
		log.Fatalf("build client: %v", err)
	}

	dev := device.NewRuntimeProvider(cfg.DiskPath)
	dev.SetDataConnection(device.ConnectionWired)
	dev.SetBatteryLevel(100)

	remote := remoteconfig.NewManager(remoteconfig.Defaults{
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		UploadInterval: cfg.UploadInterval,
		SessionTimeout: cfg.SessionTimeout,
		Debug:          cfg.Debug,
	}, store)

	manager := service.NewMessageManager(queue, apiClient, remote, store, dev, service.Options{
		Upload: service.UploadOptions{
			BatchSize:          cfg.BatchSize,
			BatchMaxAge:        cfg.BatchMaxAge,
			InitialUploadDelay: cfg.InitialUploadDelay,
			TriggerDelay:       cfg.TriggerDelay,
			ConfigInitDelay:    cfg.ConfigInitDelay,
			InboxSize:          cfg.InboxSize,
			OpTimeout:          cfg.HTTPTimeout,
		},
		Persist:    service.PersistOptions{InboxSize: cfg.InboxSize},
		Limits:     cfg.Limits,
		AppVersion: *appVersion,
		Debug:      cfg.Debug,
	})

	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start pipeline: %v", err)
	}
	if err := manager.LogStateTransition(ctx, service.StateTransition{Type: service.StateTransitionInit, Interruptions: -1}); err != nil {
		log.Printf("[WARN] log init: %v", err)
	}

	log.Printf("[INFO] logging a demo event every %s, collector %s", *every, cfg.CollectorURL)
	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	n := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			n++
			ev := service.Event{Name: "demo_tick", Type: "other", Attributes: map[string]any{"n": n}}
			if err := manager.LogEvent(ctx, ev); err != nil {
				log.Printf("[WARN] log event: %v", err)
			}
			if err := manager.UpdateSessionEnd(ctx); err != nil {
				log.Printf("[WARN] update session end: %v", err)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.EndSession(shutdownCtx); err != nil {
		log.Printf("[WARN] end session: %v", err)
	}
	if err := manager.Flush(shutdownCtx); err != nil {
		log.Printf("[WARN] final upload: %v", err)
	}
	manager.Shutdown()
}
