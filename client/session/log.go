package session

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultLogSize = 12

type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Entry     string    `json:"entry"`
}

// Log is a bounded diagnostic log. Once full, the oldest entry is
// dropped on every append.
type Log struct {
	mx      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func NewLog(size int) *Log {
	if size <= 0 {
		size = defaultLogSize
	}
	return &Log{entries: make([]LogEntry, size)}
}

func (l *Log) Append(ts time.Time, entry string) LogEntry {
	e := LogEntry{
		ID:        ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String(),
		Timestamp: ts,
		Entry:     entry,
	}

	l.mx.Lock()
	defer l.mx.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	return e
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []LogEntry {
	l.mx.Lock()
	defer l.mx.Unlock()

	if !l.full {
		return append([]LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}
