// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Core identification tags

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Pipeline creates a tag for pipeline names.
func Pipeline(name string) slog.Attr {
	return slog.String("pipeline", name)
}

// PipelineID creates a tag for pipeline IDs.
func PipelineID(id string) slog.Attr {
	return slog.String("pipeline-id", id)
}

// RunID creates a tag for run IDs.
func RunID(id string) slog.Attr {
	return slog.String("run-id", id)
}

// RunNumber creates a tag for per-pipeline run numbers.
func RunNumber(n int64) slog.Attr {
	return slog.Int64("run-number", n)
}

// Stage creates a tag for stage names.
func Stage(name string) slog.Attr {
	return slog.String("stage", name)
}

// Step creates a tag for step names.
func Step(name string) slog.Attr {
	return slog.String("step", name)
}

// Job creates a tag for scheduling job references.
func Job(id string) slog.Attr {
	return slog.String("job", id)
}

// AgentID creates a tag for agent IDs.
func AgentID(id string) slog.Attr {
	return slog.String("agent-id", id)
}

// AgentName creates a tag for agent names.
func AgentName(name string) slog.Attr {
	return slog.String("agent", name)
}

// SchedulerID creates a tag for scheduler instance IDs.
func SchedulerID(id string) slog.Attr {
	return slog.String("scheduler-id", id)
}

// Gate creates a tag for approval gate IDs.
func Gate(id string) slog.Attr {
	return slog.String("gate", id)
}

// Execution context tags

// Status creates a tag for status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// ExitCode creates a tag for process exit codes.
func ExitCode(code int) slog.Attr {
	return slog.Int("exit-code", code)
}

// Reason creates a tag for the reason behind an action or state.
func Reason(reason string) slog.Attr {
	return slog.String("reason", reason)
}

// Timeout creates a tag for timeout durations.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// Duration creates a tag for elapsed time.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Interval creates a tag for time intervals.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Queue and bus tags

// Priority creates a tag for priority values.
func Priority(p string) slog.Attr {
	return slog.String("priority", p)
}

// Group creates a tag for concurrency group or consumer group names.
func Group(name string) slog.Attr {
	return slog.String("group", name)
}

// Count creates a tag for numeric counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Subject creates a tag for event bus subjects.
func Subject(subject string) slog.Attr {
	return slog.String("subject", subject)
}

// Sequence creates a tag for stream sequence numbers.
func Sequence(seq uint64) slog.Attr {
	return slog.Uint64("seq", seq)
}

// EventType creates a tag for event type discriminators.
func EventType(t string) slog.Attr {
	return slog.String("event", t)
}

// Trigger tags

// TriggerType creates a tag for trigger event types.
func TriggerType(t string) slog.Attr {
	return slog.String("trigger", t)
}

// Branch creates a tag for git branch names.
func Branch(branch string) slog.Attr {
	return slog.String("branch", branch)
}

// Schedule creates a tag for cron schedule expressions.
func Schedule(expr string) slog.Attr {
	return slog.String("schedule", expr)
}

// Path and config tags

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Dir creates a tag for directory paths.
func Dir(path string) slog.Attr {
	return slog.String("dir", path)
}

// Key creates a tag for key names.
func Key(key string) slog.Attr {
	return slog.String("key", key)
}

// Pattern creates a tag for glob or subject patterns.
func Pattern(pattern string) slog.Attr {
	return slog.String("pattern", pattern)
}

// Network tags

// Host creates a tag for host addresses.
func Host(host string) slog.Attr {
	return slog.String("host", host)
}

// Port creates a tag for port numbers.
func Port(port int) slog.Attr {
	return slog.Int("port", port)
}
