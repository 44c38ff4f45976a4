package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"segchat/internal/client"
	"segchat/internal/core/domain"
	"segchat/internal/infrastructure/repositories"
	"segchat/pkg/config"
	"segchat/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	register := flag.Bool("register", false, "register the configured username before joining")
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

	history, err := repositories.NewLocalHistory(cfg.Peer.DataDir, log)
	if err != nil {
		log.Fatalw("failed to open local history", "error", err)
	}
	defer history.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	term := newREPL(os.Stdin, os.Stdout)
	node := client.NewNode(client.NewConfig(cfg), history, log,
		client.WithEventHandler(term.showEvent),
		client.WithFrameHandler(func(from domain.Endpoint, frame []byte) {
			term.printf("[video] %d bytes from %s\n", len(frame), from)
		}),
	)

	if err := node.Start(ctx); err != nil {
		log.Fatalw("failed to start peer", "error", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Close(closeCtx); err != nil {
			log.Warnw("peer close incomplete", "error", err)
		}
	}()

	if *register {
		if err := node.Register(ctx); err != nil {
			log.Fatalw("registration failed", "error", err)
		}
	}
	if err := node.Join(ctx); err != nil {
		log.Fatalw("failed to join", "error", err)
	}

	term.printf("joined as %s on port %d, channels: %v\n", node.Username(), node.Port(), node.Channels())
	term.run(ctx, node)
}
