package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
)

var (
	configPath   string
	instanceName string
	redisURL     string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to warren.yml (flags override its values)")
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", "", "Target instance name")
	rootCmd.PersistentFlags().StringVarP(&redisURL, "redis", "r", "", "Redis connection URL")
}

// connect resolves the target instance and opens a verified store connection.
// Resolution order per value: flag, then warren.yml, then environment/default.
func connect(ctx context.Context) (*redis.Client, string, error) {
	instance := instanceName
	url := redisURL

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", printer.Error(
				"invalid configuration",
				fmt.Sprintf("Failed to load %s: %v", configPath, err),
				[]string{"Fix warren.yml, or pass --name and --redis directly"},
			)
		}
		if instance == "" {
			instance = cfg.Instance
		}
		if url == "" {
			url = cfg.Redis.URL
		}
	}

	if instance == "" {
		instance = os.Getenv("WARREN_INSTANCE_NAME")
	}
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		url = "redis://localhost:6379"
	}

	if instance == "" {
		return nil, "", printer.Error(
			"no instance specified",
			"Warren needs to know which instance to inspect.",
			[]string{
				"Pass the instance name:\n  warren --name <instance> ...",
				"Or point at a config file:\n  warren --config warren.yml ...",
			},
		)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, "", printer.Error(
			"invalid Redis URL",
			fmt.Sprintf("Cannot parse %q: %v", url, err),
			[]string{"Expected a URL like redis://localhost:6379"},
		)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, "", printer.Error(
			"cannot reach the coordination store",
			fmt.Sprintf("Ping to %s failed: %v", url, err),
			[]string{"Check that Redis is running and the URL is correct"},
		)
	}

	return rdb, instance, nil
}
