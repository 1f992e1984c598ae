package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sellergate.org/internal/authz"
	"sellergate.org/internal/config"
	"sellergate.org/internal/gate"
	"sellergate.org/internal/httpapi"
	"sellergate.org/internal/obs"
	storepg "sellergate.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		svc   authz.Service
		probe httpapi.ReadyProbe
	)
	var pgStore *storepg.Store
	if cfg.PostgresDSN != "" {
		pgStore, err = storepg.Open(cfg.PostgresDSN, cfg.Workflow)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		// No DSN: volatile engine, useful for local runs and demos.
		log.Print("SG_PG_DSN not set, using in-memory engine")
		svc = authz.NewInMemory(cfg.Workflow)
	}

	var invalidator gate.Invalidator = gate.Noop{}
	if cfg.RedisAddr != "" {
		invalidator = gate.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}

	api := httpapi.New(probe, version, svc, invalidator)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sellergate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = invalidator.Close()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
