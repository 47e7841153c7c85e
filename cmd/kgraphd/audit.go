package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kgraphd/kgraphd/internal/agent"
)

// fileAuditSink implements agent.AuditSink. Per §9's "audit logging on
// every event" design note, the full session's entries are rewritten on
// every Append so a crash leaves a complete trail up to the crash point;
// the rewrite itself is atomic (write-to-temp, then rename) so a crash
// mid-write can never leave a truncated/corrupt file, the stronger of
// the two options §9 allows.
type fileAuditSink struct {
	mu      sync.Mutex
	path    string
	entries []agent.AuditEntry
}

func newFileAuditSink(dir string) *fileAuditSink {
	_ = os.MkdirAll(dir, 0o755)
	return &fileAuditSink{path: filepath.Join(dir, "agent-session.json")}
}

func (s *fileAuditSink) Append(entry agent.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entry)

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal session: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("audit: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("audit: rename into place: %w", err)
	}
	return nil
}
