package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/filter"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
	"github.com/dyluth/warren/pkg/mesh"
	"github.com/dyluth/warren/pkg/wire"
)

var (
	watchChannels     []string
	watchOutputFormat string
	watchCapability   string
	watchSender       string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the live event stream",
	Long: `Stream fabric events as they occur: task notifications, result
events, and registry announcements.

Output Formats:
  default - Human-readable lines with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch everything on an instance
  warren watch --name prod

  # Watch one capability's results
  warren watch --name prod --channel results:translation_en-es

  # Export events as JSON
  warren watch --name prod --output=json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchChannels, "channel", nil, "Channel patterns to watch (default: all)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchCapability, "capability", "", "Filter by capability glob (e.g. 'translation:*')")
	watchCmd.Flags().StringVar(&watchSender, "sender", "", "Filter by sending agent ID")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, instance, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	m, err := mesh.New(rdb, instance)
	if err != nil {
		return fmt.Errorf("failed to create mesh client: %w", err)
	}

	patterns := watchChannels
	if len(patterns) == 0 {
		patterns = []string{
			wire.TasksPrefix + "*",
			wire.ResultsPattern(),
			wire.ChannelPrefix + "*",
		}
	}

	// Ctrl-C stops the stream cleanly.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	printer.Step("Watching instance '%s' (Ctrl-C to stop)\n", instance)

	criteria := &filter.Criteria{CapabilityGlob: watchCapability, SenderID: watchSender}
	encoder := json.NewEncoder(os.Stdout)
	return watch.Stream(ctx, m, patterns, func(e *mesh.Event) {
		if !criteria.MatchesEvent(e) {
			return
		}
		if watchOutputFormat == "json" {
			_ = encoder.Encode(e)
			return
		}
		printer.Event(e)
	})
}
