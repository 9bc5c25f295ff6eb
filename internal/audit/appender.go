// Package audit keeps the hash-chained transaction log: one JSONL record per
// kernel transaction outcome.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jvs-project/txfs/pkg/errclass"
	"github.com/jvs-project/txfs/pkg/jsonutil"
	"github.com/jvs-project/txfs/pkg/model"
)

// Appender records transaction outcomes.
type Appender interface {
	Append(eventType model.LogEventType, txID string, isolation model.IsolationLevel, details map[string]any) error
}

// Nop discards every record.
type Nop struct{}

// Append implements Appender.
func (Nop) Append(model.LogEventType, string, model.IsolationLevel, map[string]any) error {
	return nil
}

// FileAppender appends records to a JSONL file with hash chain.
type FileAppender struct {
	path string
	mu   sync.Mutex
}

// NewFileAppender creates a new FileAppender.
func NewFileAppender(path string) *FileAppender {
	return &FileAppender{path: path}
}

// Path returns the log file location.
func (a *FileAppender) Path() string {
	return a.path
}

// Append adds a new record to the log.
func (a *FileAppender) Append(eventType model.LogEventType, txID string, isolation model.IsolationLevel, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open transaction log: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return fmt.Errorf("flock transaction log: %w", err)
	}
	defer unlockFile(file)

	prevHash, err := a.getLastRecordHashLocked(file)
	if err != nil {
		return fmt.Errorf("get last record hash: %w", err)
	}

	record := &model.LogRecord{
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		TransactionID: txID,
		Isolation:     isolation,
		Details:       details,
		PrevHash:      prevHash,
	}

	recordHash, err := computeRecordHash(record)
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}
	record.RecordHash = recordHash

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}

	if _, err := file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync transaction log: %w", err)
	}

	return nil
}

// GetLastRecordHash returns the hash of the last record in the log.
func (a *FileAppender) GetLastRecordHash() (model.HashValue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open transaction log: %w", err)
	}
	defer file.Close()

	return a.getLastRecordHashLocked(file)
}

// Records reads every well-formed record in order.
func (a *FileAppender) Records() ([]model.LogRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	defer file.Close()

	var out []model.LogRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record model.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transaction log: %w", err)
	}
	return out, nil
}

// Verify recomputes the hash chain and returns the number of records checked.
func (a *FileAppender) Verify() (int, error) {
	records, err := a.Records()
	if err != nil {
		return 0, err
	}
	var prev model.HashValue
	for i := range records {
		rec := &records[i]
		if rec.PrevHash != prev {
			return i, errclass.ErrTransactional.WithMessagef("transaction log chain broken at record %d", i+1)
		}
		want, err := computeRecordHash(rec)
		if err != nil {
			return i, err
		}
		if want != rec.RecordHash {
			return i, errclass.ErrTransactional.WithMessagef("transaction log record %d hash mismatch", i+1)
		}
		prev = rec.RecordHash
	}
	return len(records), nil
}

func (a *FileAppender) getLastRecordHashLocked(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, 0); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}

	var lastHash model.HashValue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record model.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue // skip malformed lines
		}
		lastHash = record.RecordHash
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan transaction log: %w", err)
	}

	return lastHash, nil
}

func computeRecordHash(record *model.LogRecord) (model.HashValue, error) {
	hashRecord := *record
	hashRecord.RecordHash = ""

	sum, err := jsonutil.CanonicalHash(&hashRecord)
	if err != nil {
		return "", fmt.Errorf("canonical hash: %w", err)
	}
	return model.HashValue(sum), nil
}
