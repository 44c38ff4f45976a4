package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"segchat/internal/core/services"
	httphandlers "segchat/internal/handlers/http"
	"segchat/internal/infrastructure/distributed"
	"segchat/internal/infrastructure/monitoring"
	"segchat/internal/infrastructure/notify"
	"segchat/internal/infrastructure/protocol"
	"segchat/internal/infrastructure/repositories"
	"segchat/pkg/config"
	"segchat/pkg/logger"
	"segchat/pkg/tracing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create chat store", "error", err)
	}
	defer repoFactory.Close()
	store := repoFactory.ChatStore()

	var metrics *monitoring.PrometheusCollector
	if cfg.Ops.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	notifyOpts := []notify.Option{notify.WithMetrics(metrics)}
	var events *httphandlers.EventHub
	if cfg.Ops.EventsEnabled {
		events = httphandlers.NewEventHub(log)
		notifyOpts = append(notifyOpts, notify.WithPublisher(events))
	}

	// With a shared Redis store, notifications are mirrored between tracker
	// instances so every /events feed sees all of them.
	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewEventBus(client, uuid.NewString(), log)
		defer bus.Close()
		notifyOpts = append(notifyOpts, notify.WithPublisher(bus))
	}

	srvCfg := protocol.NewConfig(cfg)
	srv := protocol.NewServer(srvCfg, protocol.Dependencies{
		Tracker:  services.NewPresenceTracker(log),
		Streams:  services.NewLivestreamCoordinator(log),
		Channels: services.NewChannelService(store),
		Auth:     services.NewAuthService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost),
		Notifier: notify.NewNotifier(notify.Config{Attempts: cfg.Notify.Attempts, Timeout: cfg.Notify.Timeout}, log, notifyOpts...),
		Metrics:  metrics,
		Logger:   zapLogger,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Infow("starting tracker", "address", srvCfg.Address, "store", repoFactory.Backend())
		return srv.ListenAndServe(groupCtx)
	})

	if bus != nil && events != nil {
		group.Go(func() error {
			if err := bus.Subscribe(groupCtx, events.Publish); err != nil {
				log.Warnw("event bus subscription ended", "error", err)
			}
			return nil
		})
	}

	var opsServer *http.Server
	if cfg.Ops.Enabled {
		health := monitoring.NewHealthChecker()
		health.AddPingCheck("store", store, 2*time.Second)

		var gatherer prometheus.Gatherer
		if metrics != nil {
			gatherer = prometheus.DefaultGatherer
		}
		handler := httphandlers.NewOpsHandler(health, gatherer, events)

		opsServer = &http.Server{
			Addr:         cfg.Ops.Address,
			Handler:      httphandlers.NewRouter(handler, log, cfg.Logging.Level == "debug"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			log.Infow("starting ops server", "address", cfg.Ops.Address)
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down tracker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracker shutdown incomplete", "error", err)
		}
		if opsServer != nil {
			if err := opsServer.Shutdown(shutdownCtx); err != nil {
				log.Warnw("ops server shutdown incomplete", "error", err)
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracing shutdown incomplete", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Errorw("tracker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("tracker stopped")
}
