package signalmux

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vrulab/detection.report/internal/engine"
)

// ParseLine decodes one acquisition line into a signal event. The device
// emits CSV records of the form
//
//	<timestamp_seconds>,<value>,<direction>
//
// where direction is "rising" or "falling". Blank lines and lines starting
// with '#' are device chatter and return ok=false without an error.
func ParseLine(line string) (engine.SignalEvent, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return engine.SignalEvent{}, false, nil
	}

	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return engine.SignalEvent{}, false, fmt.Errorf("malformed signal line %q: expected 3 fields, got %d", line, len(parts))
	}

	ts, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return engine.SignalEvent{}, false, fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return engine.SignalEvent{}, false, fmt.Errorf("malformed value in %q: %w", line, err)
	}

	var dir engine.SignalDirection
	switch strings.ToLower(strings.TrimSpace(parts[2])) {
	case "rising", "r":
		dir = engine.SignalRising
	case "falling", "f":
		dir = engine.SignalFalling
	default:
		return engine.SignalEvent{}, false, fmt.Errorf("unknown signal direction %q in %q", parts[2], line)
	}

	return engine.SignalEvent{Timestamp: ts, Value: value, Direction: dir}, true, nil
}
