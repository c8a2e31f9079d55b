package log

import (
	"context"
	"sync"
)

// Entry is a log event captured by MemoryLogger.
type Entry struct {
	Level   Level
	Message string
	Fields  map[string]any
}

// MemoryLogger keeps entries in memory. It backs assertions in tests and the
// local development profile of the propagator.
type MemoryLogger struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  []Field
	level   Level
}

// NewMemory returns a MemoryLogger that records entries up to level.
func NewMemory(level Level) *MemoryLogger {
	return &MemoryLogger{
		mu:      &sync.Mutex{},
		entries: &[]Entry{},
		level:   level,
	}
}

// Log records the entry when level is enabled.
func (l *MemoryLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	merged := make(map[string]any, len(l.fields)+len(fields))
	for _, f := range l.fields {
		merged[f.Key] = f.Value
	}

	for _, f := range fields {
		merged[f.Key] = f.Value
	}

	l.mu.Lock()
	*l.entries = append(*l.entries, Entry{Level: level, Message: msg, Fields: merged})
	l.mu.Unlock()
}

//nolint:ireturn
func (l *MemoryLogger) With(fields ...Field) Logger {
	child := *l
	child.fields = append(append([]Field(nil), l.fields...), fields...)

	return &child
}

//nolint:ireturn
func (l *MemoryLogger) WithGroup(name string) Logger {
	return l.With(String("group", name))
}

func (l *MemoryLogger) Enabled(level Level) bool {
	return level <= l.level
}

func (l *MemoryLogger) Sync(_ context.Context) error { return nil }

// Entries returns a snapshot of recorded entries.
func (l *MemoryLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Entry(nil), (*l.entries)...)
}

// EntriesAt returns entries recorded at exactly level.
func (l *MemoryLogger) EntriesAt(level Level) []Entry {
	var out []Entry

	for _, e := range l.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}

	return out
}
