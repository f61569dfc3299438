package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gexchange/config"
	"gexchange/internal/account"
	"gexchange/internal/channel"
	"gexchange/internal/exchange"
	"gexchange/internal/feed"
	"gexchange/internal/metrics"
	"gexchange/internal/persistence"
	"gexchange/internal/storage"
	"gexchange/logger"
	"gexchange/models"
	"gexchange/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	worldsPath := flag.String("worlds", "", "Path to world list")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	worldList, err := config.LoadWorlds(*worldsPath)
	if err != nil {
		log.WithError(err).Error("Failed to load worlds")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"environment": config.CurrentEnvironment(),
		"service":     cfg.Exchange.Name,
		"version":     cfg.Exchange.Version,
		"worlds":      len(worldList.Worlds),
	}).Info("starting grand exchange")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.StartReport(ctx, log, cfg.Channels.StatsPeriod)

	channels := channel.NewChannels(cfg.Channels.SaleBuffer, cfg.Channels.ExpiryBuffer)
	channels.StartMetricsReporting(ctx, cfg.Channels.StatsPeriod)

	var s3Store *storage.S3
	if cfg.Storage.S3.Enabled {
		s3Store, err = storage.NewS3(ctx, cfg.Storage.S3, map[string]string{
			"service": cfg.Exchange.Name,
			"version": cfg.Exchange.Version,
		})
		if err != nil {
			log.WithError(err).Error("failed to create S3 store")
			os.Exit(1)
		}
	}

	worlds := make([]*exchange.World, 0, len(worldList.Worlds))
	for _, wc := range worldList.Worlds {
		w, err := exchange.NewWorld(wc, cfg, account.NewMemoryDirectory(wc.StartBalance, wc.InventoryCapacity))
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"world": wc.Name}).Error("failed to create world")
			os.Exit(1)
		}
		w.SetSink(channels)
		worlds = append(worlds, w)
	}

	var snapshots storage.ObjectStore = storage.NewDir(cfg.Persistence.Directory)
	if cfg.Persistence.S3Backup && s3Store != nil {
		snapshots = storage.NewMirror(snapshots, s3Store)
	}
	store := persistence.NewStore(snapshots, cfg.Persistence.S3Prefix)
	for _, w := range worlds {
		if _, err := store.Load(ctx, w); err != nil {
			log.WithError(err).WithFields(logger.Fields{"world": w.Name()}).Error("failed to restore world")
			os.Exit(1)
		}
		if err := w.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"world": w.Name()}).Error("failed to start expiration scheduler")
			os.Exit(1)
		}
	}

	autosaver := persistence.NewAutosaver(store, cfg.Persistence.AutosaveInterval, worlds...)
	if err := autosaver.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start autosave")
		os.Exit(1)
	}

	var salesWriter *writer.SalesWriter
	if cfg.Archive.Enabled {
		var archive storage.ObjectStore = storage.NewDir(cfg.Archive.LocalDir)
		if cfg.Archive.Destination == "s3" {
			if s3Store == nil {
				log.Error("archive destination s3 requires storage.s3.enabled")
				os.Exit(1)
			}
			archive = s3Store
		}
		salesWriter = writer.NewSalesWriter(cfg.Archive, archive, channels.Archive)
		if err := salesWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start sales writer")
			os.Exit(1)
		}
	} else {
		go drain[models.SaleEvent](channels.Archive)
	}

	var reporter *metrics.Reporter
	if cfg.Metrics.Enabled {
		if cfg.Metrics.CloudWatch.Enabled {
			if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch); err != nil {
				log.WithError(err).Warn("continuing without CloudWatch")
			}
		}
		reporter = metrics.NewReporter(cfg.Metrics.Interval, worlds...)
		reporter.AddSource("channels", metrics.ChannelSource(channels))
		if salesWriter != nil {
			reporter.AddSource("archive", metrics.WriterSource(salesWriter))
		}
		if err := reporter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start metrics reporter")
			os.Exit(1)
		}
	}

	var wg sync.WaitGroup
	feedCtx, stopFeed := context.WithCancel(ctx)
	if cfg.Feed.Enabled {
		hub := feed.NewHub(channels.Feed, channels.Expiry, cfg.Feed.ClientBuffer, cfg.Feed.WriteTimeout)
		server := feed.NewServer(cfg.Feed, hub, worlds...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(feedCtx); err != nil {
				log.WithError(err).Error("feed server failed")
			}
		}()
	} else {
		go drain[models.SaleEvent](channels.Feed)
		go drain[models.ExpiryEvent](channels.Expiry)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping expiration schedulers")
		for _, w := range worlds {
			w.Stop()
		}

		log.Info("saving worlds")
		autosaver.Stop()

		log.Info("closing event channels")
		channels.Close()
		if salesWriter != nil {
			log.Info("stopping sales writer")
			salesWriter.Stop()
		}
		stopFeed()
		wg.Wait()

		if reporter != nil {
			reporter.Report(context.Background())
			reporter.Stop()
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}
	cancel()

	log.Info("grand exchange stopped")
}

func drain[T any](ch <-chan T) {
	for range ch {
	}
}
