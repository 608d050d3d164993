package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/omochice/dealroom-chat/internal/chat"
	"github.com/omochice/dealroom-chat/internal/config"
	"github.com/omochice/dealroom-chat/internal/logger"
	"github.com/omochice/dealroom-chat/internal/metrics"
	"github.com/omochice/dealroom-chat/internal/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile string
	var port int

	flagSet := pflag.NewFlagSet("dealroom-relay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.IntVarP(&port, "port", "p", 0, "port to listen on (overrides config and PORT)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	envErr := godotenv.Load(envFile)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	log := logger.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Warn("env_file_not_loaded", "path", envFile, "error", envErr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var gatherer prometheus.Gatherer
	if cfg.Server.Metrics {
		gatherer = reg
	}

	hub := chat.NewHub(chat.Options{
		Logger:           log,
		Metrics:          metrics.NewRelay(reg),
		SimulatedReplies: cfg.Server.SimulatedReplies,
		ReplyMinDelay:    cfg.Server.ReplyMinDelay,
		ReplyMaxDelay:    cfg.Server.ReplyMaxDelay,
		RateLimit:        rate.Limit(cfg.Server.RateLimit),
		RateBurst:        cfg.Server.RateBurst,
	})
	srv := ws.New(cfg.Server.Addr(), hub, ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
		Gatherer:       gatherer,
		QueueSize:      cfg.Server.QueueSize,
		ReadLimit:      cfg.Server.MaxMessageSize,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Info("relay_starting", "addr", cfg.Server.Addr(), "origins", cfg.Server.AllowedOrigins,
			"simulated_replies", cfg.Server.SimulatedReplies)
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		hub.Close()
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
	case sig := <-sigChan:
		log.Info("shutdown_signal", "signal", sig.String())
		srv.Stop()
		hub.Close()
	}
	return nil
}
