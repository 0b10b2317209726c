package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/miragespace/ctfinstancer/bootstrap"

	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	interval := flag.Duration("interval", 0, "overrides SWEEP_INTERVAL when set")
	flag.Parse()

	app, err := bootstrap.New("task", Version)
	if err != nil {
		log.Fatalf("Cannot initialize application: %v\n", err)
	}
	defer app.Close()

	logger := app.Logger

	every := app.Config.SweepInterval
	if *interval > 0 {
		every = *interval
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.Sweep.Run(ctx, every)
		close(done)
	}()

	logger.Info("Cleanup task started",
		zap.Duration("Interval", every),
	)

	<-c
	cancel()
	<-done
}
