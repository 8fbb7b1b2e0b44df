// Command agent runs the token billing agent: the HTTP API, the event hub
// and the scheduled rebill runner.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/atellix/token-agent/internal/app/runtime"
	"github.com/atellix/token-agent/internal/config"
	"github.com/atellix/token-agent/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	log := logger.NewDefault("agent")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("configuration load failed")
	}

	app, err := runtime.New(cfg, runtime.Collaborators{}, nil)
	if err != nil {
		log.WithError(err).Fatal("application assembly failed")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start(context.Background())
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("server failed")
		}
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), runtime.WaitTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
