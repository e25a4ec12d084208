package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/orrn/fleetd/internal/api"
	"github.com/orrn/fleetd/internal/api/middleware"
	"github.com/orrn/fleetd/internal/cloud"
	"github.com/orrn/fleetd/internal/command"
	"github.com/orrn/fleetd/internal/config"
	"github.com/orrn/fleetd/internal/db"
	"github.com/orrn/fleetd/internal/device"
	"github.com/orrn/fleetd/internal/driver"
	"github.com/orrn/fleetd/internal/fleet"
)

func main() {
	configPath := flag.String("config", "fleetd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}
	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reservations, err := command.NewReservationStore(cfg.Cloud.ReservationPath)
	if err != nil {
		log.Fatalf("failed to open reservation cache: %v", err)
	}

	client := cloud.NewClient(cfg.Cloud.BaseURL, cfg.Cloud.RecipientID, cfg.Cloud.RequestTimeout)

	connector := &driver.LANConnector{}
	transfers := &driver.LANTransferDialer{ChunkSize: cfg.Protocol.UploadChunkSize}

	manager := fleet.NewManager(cfg, connector, transfers, client, reservations, db.NewJobStore(db.GetDB()))
	if err := manager.Start(); err != nil {
		log.Fatalf("failed to start fleet manager: %v", err)
	}

	for _, p := range cfg.Printers {
		manager.AddPrinter(device.Credentials{
			IPAddress:    p.IPAddress,
			SerialNumber: p.SerialNumber,
			AccessCode:   p.AccessCode,
			Nickname:     p.Nickname,
		})
	}

	auth, err := middleware.NewAuthMiddleware(cfg.Server.PasswordHash)
	if err != nil {
		log.Fatalf("failed to set up auth: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewServer(manager, auth).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("[main] local API listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[main] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[main] api shutdown: %v", err)
	}

	manager.Stop()
	log.Printf("[main] bye")
}
