package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/internal/agent"
)

// version is set during build
var version = "dev"

func main() {
	// Exit with appropriate code
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run() int {
	// Load configuration from environment variables
	config, err := agent.LoadConfig()
	if err != nil {
		log.Printf("[ERROR] Configuration error: %v", err)
		return 1
	}

	// Parse Redis URL
	redisOpts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		log.Printf("[ERROR] Invalid REDIS_URL: %v", err)
		return 1
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		log.Printf("[DEBUG] Closing store connection...")
		if err := rdb.Close(); err != nil {
			log.Printf("[ERROR] Error closing store connection: %v", err)
		}
	}()

	// Verify store connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Printf("[ERROR] Failed to connect to Redis: %v", err)
		return 1
	}
	cancel()
	log.Printf("[INFO] Connected to Redis")

	// Create engine
	engine, err := agent.New(config, rdb, version)
	if err != nil {
		log.Printf("[ERROR] Failed to create engine: %v", err)
		return 1
	}

	// With an external tool configured, every capability dispatches to it;
	// the tool decides what to do with each task's capability field.
	if len(config.Command) > 0 {
		handler := agent.CommandHandler(config.Command)
		for _, capability := range config.Capabilities {
			engine.RegisterHandler(capability, handler)
		}
		log.Printf("[INFO] External tool configured: %v", config.Command)
	} else {
		log.Printf("[WARN] No WARREN_AGENT_COMMAND set; tasks will requeue until a handler exists")
	}

	// Set up context for graceful shutdown
	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	// Set up signal handling for SIGINT and SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start engine in background goroutine
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Start(engineCtx)
	}()

	// Wait for shutdown signal or engine error
	select {
	case sig := <-sigChan:
		log.Printf("[INFO] Received signal: %v", sig)
		engineCancel()
		if err := <-engineDone; err != nil {
			log.Printf("[ERROR] Engine shutdown error: %v", err)
			return 1
		}
	case err := <-engineDone:
		if err != nil {
			log.Printf("[ERROR] Engine exited with error: %v", err)
			return 1
		}
	}

	return 0
}
