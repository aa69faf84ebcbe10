// Package logqueue batches per-user operational log lines into the
// ai_logs table so a burst of tick/analise entries from the
// strategy runtime does not serialize on individual disk writes.
package logqueue

import (
	"time"

	"zenixcore/internal/persistence"
	"zenixcore/pkg/db"
)

// Queue batches LogEntry inserts through a persistence.BatchWriter.
// Entries are flushed in the order they were enqueued, so two entries
// for the same user always land in that user's original order even
// when interleaved with other users' entries in the same batch.
type Queue struct {
	bw *persistence.BatchWriter
}

// New creates a log queue flushing at most maxSize rows per batch, or
// every interval, whichever comes first.
func New(database *db.Database, maxSize int, interval time.Duration) *Queue {
	return &Queue{bw: persistence.NewBatchWriter(database.DB, maxSize, interval)}
}

// Enqueue appends one log line to the pending batch.
func (q *Queue) Enqueue(l db.LogEntry) {
	message, details := db.TruncateLogFields(l.Message, l.Details)
	q.bw.WriteQuery(`
		INSERT INTO ai_logs (user_id, session_id, level, message, details, timestamp_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, l.UserID, l.SessionID, l.Type, message, details, l.TimestampMs)
}

// Flush forces any pending entries to disk immediately.
func (q *Queue) Flush() error {
	return q.bw.Flush()
}

// Pending reports how many log lines are buffered.
func (q *Queue) Pending() int {
	return q.bw.Pending()
}

// Close flushes remaining entries and stops the background flush loop.
func (q *Queue) Close() error {
	return q.bw.Close()
}
