package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/filter"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/resolver"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/pkg/queue"
)

var (
	deadLetterLimit      int64
	deadLetterSince      string
	deadLetterUntil      string
	deadLetterCapability string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the work queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depths",
	RunE:  runQueueStats,
}

var queueDeadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "List dead-lettered tasks",
	Long: `List tasks that exhausted their retry budget, oldest first.

Each dead-lettered task has a failure record; inspect one with:
  warren queue failure <task-id>`,
	RunE: runQueueDeadLetter,
}

var queueFailureCmd = &cobra.Command{
	Use:   "failure <task-id>",
	Short: "Show the failure record for a dead-lettered task",
	Long:  `Show the failure record for a dead-lettered task. Accepts a full task UUID or a unique prefix of at least 6 characters.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueFailure,
}

func init() {
	queueDeadLetterCmd.Flags().Int64VarP(&deadLetterLimit, "limit", "l", 20, "Maximum tasks to show (0 = all)")
	queueDeadLetterCmd.Flags().StringVar(&deadLetterSince, "since", "", "Only tasks created after this time (duration like '1h' or RFC3339)")
	queueDeadLetterCmd.Flags().StringVar(&deadLetterUntil, "until", "", "Only tasks created before this time")
	queueDeadLetterCmd.Flags().StringVar(&deadLetterCapability, "capability", "", "Filter by capability glob (e.g. 'translation:*')")
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueDeadLetterCmd)
	queueCmd.AddCommand(queueFailureCmd)
	rootCmd.AddCommand(queueCmd)
}

func queueClient(ctx context.Context) (*queue.Queue, func(), error) {
	rdb, instance, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.New(rdb, instance)
	if err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to create queue client: %w", err)
	}
	return q, func() { rdb.Close() }, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	q, done, err := queueClient(ctx)
	if err != nil {
		return err
	}
	defer done()

	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	if len(stats) == 0 {
		printer.Info("No queues exist yet\n")
		return nil
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	printer.Printf("%-30s %s\n", "QUEUE", "DEPTH")
	for _, name := range names {
		printer.Printf("%-30s %d\n", name, stats[name])
	}
	return nil
}

func runQueueDeadLetter(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	q, done, err := queueClient(ctx)
	if err != nil {
		return err
	}
	defer done()

	sinceMs, untilMs, err := timespec.ParseRange(deadLetterSince, deadLetterUntil)
	if err != nil {
		return err
	}
	criteria := &filter.Criteria{
		SinceTimestampMs: sinceMs,
		UntilTimestampMs: untilMs,
		CapabilityGlob:   deadLetterCapability,
	}

	// Filters apply after the fetch, so fetch everything when filtering.
	limit := deadLetterLimit
	if criteria.HasFilters() {
		limit = 0
	}
	tasks, err := q.DeadLetterTasks(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read dead-letter queue: %w", err)
	}

	if criteria.HasFilters() {
		filtered := tasks[:0]
		for _, t := range tasks {
			if criteria.MatchesTask(t) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
		if deadLetterLimit > 0 && int64(len(tasks)) > deadLetterLimit {
			tasks = tasks[:deadLetterLimit]
		}
	}

	if len(tasks) == 0 {
		printer.Success("Dead-letter queue is empty\n")
		return nil
	}

	printer.Printf("%-38s %-24s %-9s %s\n", "TASK", "CAPABILITY", "ATTEMPTS", "CREATED")
	for _, t := range tasks {
		printer.Printf("%-38s %-24s %-9d %s\n",
			t.TaskID, t.Capability, t.Attempts, t.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runQueueFailure(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	q, done, err := queueClient(ctx)
	if err != nil {
		return err
	}
	defer done()

	taskID, err := resolver.ResolveTaskID(ctx, q, args[0])
	if err != nil {
		var ambiguous *resolver.AmbiguousError
		if errors.As(err, &ambiguous) {
			return printer.Error(
				"ambiguous task ID",
				resolver.FormatAmbiguousError(ambiguous),
				nil,
			)
		}
		return printer.Error(
			"failure record not found",
			fmt.Sprintf("No failure record exists for task %s.", args[0]),
			[]string{"List dead-lettered tasks:\n  warren queue dead-letter"},
		)
	}

	record, err := q.FailureRecordFor(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to read failure record for %s: %w", taskID, err)
	}

	printer.Printf("Task:       %s\n", record.Task.TaskID)
	printer.Printf("Capability: %s\n", record.Task.Capability)
	printer.Printf("Attempts:   %d of %d\n", record.Attempts, record.Task.MaxAttempts)
	printer.Printf("Failed at:  %s\n", record.FailedAt.Format(time.RFC3339))
	if record.Task.WorkflowID != "" {
		printer.Printf("Workflow:   %s\n", record.Task.WorkflowID)
	}
	printer.Printf("Data:       %v\n", record.Task.Data)
	return nil
}
