package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"typing-race/internal/bootstrap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		app.Shutdown(context.Background())
		logrus.Fatalf("Failed to start application: %v", err)
	}

	<-ctx.Done()
	logrus.Info("Shutdown signal received...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Shutdown(shutdownCtx)
}
