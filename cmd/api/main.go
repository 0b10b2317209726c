package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/miragespace/ctfinstancer/auth"
	"github.com/miragespace/ctfinstancer/bootstrap"
	"github.com/miragespace/ctfinstancer/challenge"
	"github.com/miragespace/ctfinstancer/config"
	"github.com/miragespace/ctfinstancer/instance"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	app, err := bootstrap.New("api", Version)
	if err != nil {
		log.Fatalf("Cannot initialize application: %v\n", err)
	}
	defer app.Close()

	logger := app.Logger

	auth, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: app.Config.JWTSigningKey,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	challengeRouter, err := challenge.NewService(challenge.ServiceOptions{
		Auth:             auth,
		ChallengeManager: app.Challenges,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Challenge Service Router",
			zap.Error(err),
		)
	}

	instanceRouter, err := instance.NewService(instance.ServiceOptions{
		Auth:             auth,
		LifecycleManager: app.Lifecycle,
		Sweeper:          app.Sweep,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Instance Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RequestID)
	rootRouter.Use(middleware.Recoverer)
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rootRouter.Mount("/challenges", challengeRouter.Router())
	rootRouter.Mount("/instances", instanceRouter.Router())

	if app.Config.Environment != config.EnvProduction {
		rootRouter.HandleFunc("/pprof/*", pprof.Index)
		rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
		rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
		rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
		rootRouter.HandleFunc("/pprof/trace", pprof.Trace)
	}

	rootRouter.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ctfinstancer %s\n", Version)
	})

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    app.Config.ListenAddr,
	}

	go func() {
		logger.Info("API server started",
			zap.String("Addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server stopped unexpectedly",
				zap.Error(err),
			)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	// in-flight deployments are given the provisioner timeout to finish
	ctx, cancel := context.WithTimeout(context.Background(), app.Config.ProvisionerTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
}
