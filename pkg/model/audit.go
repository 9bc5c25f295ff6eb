package model

import "time"

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// LogEventType identifies a kernel transaction outcome recorded in the
// transaction log.
type LogEventType string

const (
	EventBegin    LogEventType = "begin"
	EventCommit   LogEventType = "commit"
	EventRollback LogEventType = "rollback"
	EventInDoubt  LogEventType = "in_doubt"
	EventTimeout  LogEventType = "timeout"
)

// LogRecord is a single line in the transaction log (JSONL format).
type LogRecord struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventType     LogEventType   `json:"event_type"`
	TransactionID string         `json:"transaction_id"`
	Isolation     IsolationLevel `json:"isolation,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	PrevHash      HashValue      `json:"prev_hash"`
	RecordHash    HashValue      `json:"record_hash"`
}
