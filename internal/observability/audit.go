package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditIndexEnqueued    AuditEventType = "index.enqueued"
	AuditIndexRun         AuditEventType = "index.run"
	AuditRepositoryPurged AuditEventType = "repository.purged"
	AuditSearch           AuditEventType = "search"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    AuditEventType `json:"event_type"`
	SessionID    string         `json:"session_id"`
	RepositoryID string         `json:"repository_id"`
	RunID        string         `json:"run_id,omitempty"`
	Success      bool           `json:"success"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // file path, "stdout" or "stderr"
	SessionID  string
}

// AuditLogger appends repository operations as JSON lines. A nil or
// disabled logger discards everything.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	sessionID string
}

// NewAuditLogger opens the configured output. It returns nil when auditing
// is disabled.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	l := &AuditLogger{sessionID: cfg.SessionID}
	switch cfg.OutputPath {
	case "stdout", "":
		l.w = os.Stdout
	case "stderr":
		l.w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		l.w, l.closer = f, f
	}
	if l.sessionID == "" {
		l.sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return l, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer, sessionID string) *AuditLogger {
	return &AuditLogger{w: w, sessionID: sessionID}
}

// Log writes one event.
func (l *AuditLogger) Log(ev AuditEvent) error {
	if l == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.SessionID == "" {
		ev.SessionID = l.sessionID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintf(l.w, "%s\n", data)
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IndexEnqueued records a job request. paths is 0 for full runs.
func (l *AuditLogger) IndexEnqueued(repositoryID, runID string, paths int, err error) {
	_ = l.Log(AuditEvent{
		EventType:    AuditIndexEnqueued,
		RepositoryID: repositoryID,
		RunID:        runID,
		Success:      err == nil,
		Details:      map[string]any{"paths": paths},
		Error:        errString(err),
	})
}

// IndexRun records the outcome of an indexing run.
func (l *AuditLogger) IndexRun(repositoryID string, files, succeeded, failed, pruned int, d time.Duration, err error) {
	_ = l.Log(AuditEvent{
		EventType:    AuditIndexRun,
		RepositoryID: repositoryID,
		Success:      err == nil,
		DurationMS:   d.Milliseconds(),
		Details: map[string]any{
			"files":     files,
			"succeeded": succeeded,
			"failed":    failed,
			"pruned":    pruned,
		},
		Error: errString(err),
	})
}

// Purged records a repository disconnect.
func (l *AuditLogger) Purged(repositoryID string, err error) {
	_ = l.Log(AuditEvent{
		EventType:    AuditRepositoryPurged,
		RepositoryID: repositoryID,
		Success:      err == nil,
		Error:        errString(err),
	})
}

// Search records a retrieval request. The query text is not logged.
func (l *AuditLogger) Search(repositoryID string, topK, results int, d time.Duration, err error) {
	_ = l.Log(AuditEvent{
		EventType:    AuditSearch,
		RepositoryID: repositoryID,
		Success:      err == nil,
		DurationMS:   d.Milliseconds(),
		Details:      map[string]any{"top_k": topK, "results": results},
		Error:        errString(err),
	})
}

// Close closes the output file, if any.
func (l *AuditLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
