package llmproxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditEntry is one line of the per-run append-only audit log: one entry
// per LLM response that carried a call id. CostUSD stays a string — it is
// the verbatim x-litellm-response-cost header value.
type AuditEntry struct {
	LitellmCallID string    `json:"litellm_call_id"`
	CostUSD       string    `json:"cost_usd"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditWriter appends JSON lines to the audit log. Safe for concurrent use;
// every Append is synced so entries survive a proxy container kill.
type AuditWriter struct {
	mu sync.Mutex
	f  *os.File
}

// OpenAuditWriter opens (creating if needed) the audit log for appending.
func OpenAuditWriter(path string) (*AuditWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &AuditWriter{f: f}, nil
}

// Append writes one entry as a JSON line.
func (w *AuditWriter) Append(entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes and closes the log file.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadAuditLog parses the audit log at path. A missing file or an empty
// file yields an empty slice — a run may exit before any LLM call. A
// truncated trailing line (proxy killed mid-write) is skipped; any other
// malformed line is an error.
func ReadAuditLog(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines [][]byte
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log %s: %w", path, err)
	}

	var entries []AuditEntry
	for i, line := range lines {
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			if i == len(lines)-1 {
				// Partial final line from an interrupted append.
				return entries, nil
			}
			return entries, fmt.Errorf("audit log %s line %d: %w", path, i+1, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
