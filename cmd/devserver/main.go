package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nutrichat/internal/api"
	"nutrichat/internal/config"
	"nutrichat/internal/db"
	"nutrichat/internal/websocket"
)

func setupLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lshortfile)
}

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Use a separate database for load testing")
	flag.Parse()

	logger := setupLogger("[SERVER] ")
	logger.Println("Starting development backend...")

	cfg := config.LoadServer()

	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			logger.Fatalf("Failed to create loadtest directory: %v", err)
		}

		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Printf("Using load testing database: %s", loadTestPath)
	}

	logger.Printf("Listening address %s, database %s, token TTL %s",
		cfg.ServerAddress, cfg.DatabaseURL, cfg.TokenTTL)

	database, err := db.NewDB(cfg.CleanDatabasePath(), setupLogger("[DB] "))
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(setupLogger("[WEBSOCKET] "))
	go hub.Run(ctx)

	handlers := api.NewHandlers(database, hub, cfg.JWTSecret, cfg.TokenTTL, logger)

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("Server starting on %s", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Shutdown error: %v", err)
	}
}
