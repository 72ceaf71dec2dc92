package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	// EventTransition is emitted for every service state change.
	EventTransition EventType = "transition"
	// EventRemoved is emitted when a service leaves the definitions file.
	EventRemoved EventType = "removed"
)

// DefaultSendTimeout bounds a single delivery to all sinks.
const DefaultSendTimeout = 3 * time.Second

// Record is the service snapshot attached to an event.
type Record struct {
	// Service is the checkout directory name, RepoPath the service identity.
	Service   string `json:"service"`
	RepoPath  string `json:"repo_path"`
	URL       string `json:"url"`
	Branch    string `json:"branch"`
	// From is empty for the first transition of a supervisor.
	From      string `json:"from"`
	To        string `json:"to"`
	// ScriptPID is 0 when no worker is running.
	ScriptPID int    `json:"script_pid"`
	Script    string `json:"script"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder delivers events to every configured sink. Delivery failures are
// logged and never returned to the caller.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder returns a Recorder. A non-positive timeout uses DefaultSendTimeout.
func NewRecorder(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: timeout, logger: logger}
}

// Enabled reports whether any sink is configured.
func (r *Recorder) Enabled() bool { return r != nil && len(r.sinks) > 0 }

// Record sends e to all sinks, stamping OccurredAt when unset.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if !r.Enabled() {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink failed", "service", e.Record.Service, "event", e.Type, "error", err)
		}
	}
}

// Close closes every sink that supports it.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
