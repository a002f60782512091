// Package timespec parses the time-bound flag values accepted by the CLI
// (--since/--until) into unix-millisecond timestamps, the unit the event and
// task records carry on the wire.
package timespec

import (
	"fmt"
	"strconv"
	"time"
)

// epochMsFloor separates unix-second from unix-millisecond inputs: any raw
// number at or above it is read as milliseconds.
const epochMsFloor = 1e12

// Parse converts one flag value to a unix-millisecond timestamp. Accepted
// forms, tried in order:
//   - RFC3339 timestamp ("2026-08-25T13:00:00Z")
//   - Go duration measured back from now ("1h30m" means ninety minutes ago)
//   - raw unix timestamp in seconds or milliseconds
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d).UnixMilli(), nil
	}

	if n, err := strconv.ParseInt(spec, 10, 64); err == nil && n > 0 {
		if n < epochMsFloor {
			n *= 1000
		}
		return n, nil
	}

	return 0, fmt.Errorf("invalid time specification %q (use a duration like '1h30m', an RFC3339 timestamp, or a unix timestamp)", spec)
}

// ParseRange resolves the --since/--until pair into (sinceMs, untilMs). An
// empty flag leaves its bound at zero, meaning unbounded on that side. When
// both bounds are set, since must fall before until.
func ParseRange(since, until string) (int64, int64, error) {
	bound := func(flag, spec string) (int64, error) {
		if spec == "" {
			return 0, nil
		}
		ms, err := Parse(spec)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", flag, err)
		}
		return ms, nil
	}

	sinceMs, err := bound("--since", since)
	if err != nil {
		return 0, 0, err
	}
	untilMs, err := bound("--until", until)
	if err != nil {
		return 0, 0, err
	}

	if sinceMs > 0 && untilMs > 0 && sinceMs >= untilMs {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}
	return sinceMs, untilMs, nil
}
