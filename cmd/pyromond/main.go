// pyromond is the temperature-monitoring daemon: it polls the configured
// pyrometers over Modbus RTU, persists readings, and serves the HTTP/JSON
// API plus the live websocket stream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pyromon/internal/api"
	"pyromon/internal/broadcast"
	"pyromon/internal/buffer"
	"pyromon/internal/config"
	"pyromon/internal/mqtt"
	"pyromon/internal/poll"
	"pyromon/internal/pyro"
	"pyromon/internal/retention"
	"pyromon/internal/store"
)

func main() {
	if err := run(); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("pyromond exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	log.Info().Str("db", cfg.DatabaseURL).Str("bind", cfg.BindAddr).Msg("starting pyromond")

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := store.NewRegistry(db)
	readings := store.NewReadings(db)
	hub := broadcast.NewHub()
	buf := buffer.New(readings, cfg.BufferThreshold, cfg.BufferMaxHold, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := poll.New(poll.Config{
		PollInterval: cfg.PollInterval,
		TxTimeout:    cfg.ModbusTimeout,
	}, registry, buf, hub, nil, log)
	sched.Start(ctx)

	params := pyro.New(sched, nil, cfg.ModbusTimeout, log)

	go retention.New(readings, cfg.RetentionDays, log).Run(ctx)

	if cfg.MQTTBroker != "" {
		bridge := mqtt.New(mqtt.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, hub, log)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Error().Err(err).Msg("mqtt bridge stopped")
			}
		}()
	}

	server := api.New(registry, readings, sched, params, buf, hub, cfg.ConfigPIN, log)
	httpSrv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("http listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	// Stop polling first so nothing appends, then drain the buffer.
	sched.Stop()
	buf.Close()
	log.Info().Msg("pyromond stopped")
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	if lvl <= zerolog.DebugLevel {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log
}
