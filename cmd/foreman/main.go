package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"foreman/internal/cli"
	"foreman/internal/logger"
)

func main() {
	// .env is a convenience for API keys; absence is fine.
	_ = godotenv.Load()

	logPath := os.Getenv("FOREMAN_LOG")
	if logPath == "" {
		logPath = "foreman.log"
	}
	if err := logger.Init(logPath); err != nil {
		log.Fatalf("Fatal Error: Could not initialize logger: %v", err)
	}

	cli.Execute()
}
