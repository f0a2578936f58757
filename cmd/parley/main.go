package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Chase-Garrett/parley/internal/auth"
	"github.com/Chase-Garrett/parley/internal/config"
	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/Chase-Garrett/parley/internal/logging"
	"github.com/Chase-Garrett/parley/internal/metrics"
	"github.com/Chase-Garrett/parley/internal/server"
	"github.com/Chase-Garrett/parley/internal/storage"
	"github.com/Chase-Garrett/parley/internal/storage/memory"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// a missing .env is fine
	_ = godotenv.Load()

	flags := config.Flags("parley")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == config.DevJWTSecret {
		log.Warn("auth.jwt_secret not set, using the development secret")
	}

	messages, users, closeStore, err := openStore(context.Background(), cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(cfg, server.Deps{
		Messages: messages,
		Users:    users,
		Log:      log,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}

func openStore(ctx context.Context, cfg config.Store, log *logrus.Logger) (domain.MessageStore, domain.AuthStore, func(), error) {
	if cfg.Driver == "memory" {
		log.Warn("using the in-memory store, nothing survives a restart")
		db := memory.New()
		return db, db, func() {}, nil
	}

	db, err := storage.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	log.WithField("driver", db.Driver()).Info("store opened")

	closeDB := func() {
		log.Info("closing store")
		_ = db.Close()
	}
	return storage.NewMessageRepo(db), auth.NewUserStorage(db), closeDB, nil
}
