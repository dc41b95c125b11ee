package logging

import (
	"sync"
	"time"
)

// CapturedEntry is one log line recorded by a Capture sink.
type CapturedEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Function  string
	Duration  *int64
}

// Capture collects log entries emitted during a single analyzer run so
// the worker can persist them as the job's service-log stream. A sink is
// created per handler invocation and injected via Logger.WithCapture;
// global output is never intercepted.
type Capture struct {
	mu      sync.Mutex
	entries []CapturedEntry
}

// NewCapture creates an empty capture sink.
func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) record(level LogLevel, message string, fields map[string]interface{}) {
	entry := CapturedEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
	if fn, ok := fields["function"].(string); ok {
		entry.Function = fn
	}
	if d, ok := fields["durationMs"].(int64); ok {
		entry.Duration = &d
	}

	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

// Entries returns the recorded entries in emission order.
func (c *Capture) Entries() []CapturedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CapturedEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of recorded entries.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
