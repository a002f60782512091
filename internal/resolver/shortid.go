// Package resolver maps short task ID prefixes to the full UUIDs of failure
// records, so operators can type `warren queue failure 3fa1b2` instead of a
// whole UUID.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/warren/pkg/queue"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
// Set to 6 characters to balance usability with collision avoidance.
const MinShortIDLength = 6

// ResolveTaskID resolves a short ID prefix to the full UUID of a failure
// record. Returns the full UUID if exactly one match is found; zero or
// multiple matches are typed errors.
func ResolveTaskID(ctx context.Context, q *queue.Queue, shortID string) (string, error) {
	// A full UUID only needs an existence check.
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := q.FailureRecordFor(ctx, shortID); err != nil {
			return "", &NotFoundError{ShortID: shortID}
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := q.ScanFailedTaskIDs(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for task: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no failure records matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no failed tasks found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple failure records matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d tasks", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError creates a user-friendly message listing the matching
// UUIDs (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Error: ambiguous short ID '%s' matches %d tasks:\n", err.ShortID, len(err.Matches))

	displayCount := len(err.Matches)
	if displayCount > 10 {
		displayCount = 10
	}
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the task."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
