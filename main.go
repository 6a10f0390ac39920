package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gin-gonic/gin"

	"iotconsole/api"
	"iotconsole/client"
	"iotconsole/config"
	"iotconsole/logger"
	"iotconsole/mqtt"
	"iotconsole/service"
	"iotconsole/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "iotconsole:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	logFile, err := logger.Init(logger.Config{Level: cfg.LogLevel, Debug: cfg.Debug, Dir: cfg.LogDir})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info().
		Str("version", versioninfo.Version).
		Str("revision", versioninfo.Revision).
		Str("upstream", cfg.APIBaseURL).
		Msg("Starting IoT console backend")

	db, err := config.InitDatabase(cfg.DBPath, logger.WithComponent("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	upstream, err := client.New(client.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
		Timeout: time.Duration(cfg.RequestTimeout),
		Logger:  logger.WithComponent("client"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal := store.NewJournal(db, logger.WithComponent("journal"))

	wsHub := api.NewWebSocketHub(logger.WithComponent("websocket"))
	go wsHub.Run(ctx)

	deviceManager := service.NewDeviceManager(upstream, wsHub,
		time.Duration(cfg.ListPoll), time.Duration(cfg.MaxAge), logger.WithComponent("devices"))
	go deviceManager.Run(ctx)

	sessions := service.NewSessionService(upstream, journal, wsHub, service.SessionConfig{
		DevicePoll:   time.Duration(cfg.DevicePoll),
		HistoryPoll:  time.Duration(cfg.HistoryPoll),
		MaxAge:       time.Duration(cfg.MaxAge),
		Window:       time.Duration(cfg.Window),
		HistoryLimit: cfg.HistoryLimit,
		TTL:          time.Duration(cfg.SessionTTL),
	}, logger.WithComponent("sessions"))
	defer sessions.StopAll()
	wsHub.SetViewSource(sessions)

	schedules := service.NewScheduleService(upstream, wsHub, logger.WithComponent("schedules"))
	schedules.SetDefaultTimezone(cfg.DefaultTimezone)

	if cfg.MQTTURL != "" {
		listener := mqtt.NewListener(sessions, mqtt.DefaultResync, logger.WithComponent("mqtt"))
		go func() {
			if err := listener.Start(ctx, cfg.MQTTURL); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("MQTT listener disabled")
				}
				return
			}
			listener.Run(ctx)
		}()
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger.WithComponent("http")))
	api.SetupRoutes(router, api.Services{
		Devices:   deviceManager,
		Sessions:  sessions,
		Schedules: schedules,
		Journal:   journal,
		Hub:       wsHub,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
