package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"sessiond/internal/server"
	"sessiond/internal/server/config"
)

func main() {
	// Missing .env is fine; real deployments set environment variables.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	app, err := server.NewApp(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	app.Run(context.Background())
}
