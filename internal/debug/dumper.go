// Package debug captures per-request traces for offline diagnosis: the
// client request, the decoded upstream frames, and the client-dialect events
// they were translated into. Both proxy dialects share one dumper.
package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultDumpDir is the default directory for debug dumps.
	DefaultDumpDir = "/tmp/kiro-debug"
)

// Dumper writes request traces to disk.
// Directory structure:
//   - {baseDir}/success/{sessionID}/ - successful requests (only when GO_KIRO_DEBUG_DUMP=true)
//   - {baseDir}/errors/{sessionID}/  - failed requests (always enabled unless GO_KIRO_ERROR_DUMP=false)
type Dumper struct {
	enabled         bool // Full debug mode: save all requests (success + errors)
	errorDumpAlways bool // Error-only mode: save only errors (default: true)
	baseDir         string
	mu              sync.Mutex
}

// Metadata describes one traced request.
type Metadata struct {
	SessionID     string    `json:"session_id"`
	Dialect       string    `json:"dialect,omitempty"` // "claude" | "openai"
	AccountUUID   string    `json:"account_uuid,omitempty"`
	Model         string    `json:"model,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitempty"`
	Error         string    `json:"error,omitempty"`
	TriedAccounts []string  `json:"tried_accounts,omitempty"`
	Success       bool      `json:"success"`
}

// Session is the trace of a single request.
type Session struct {
	dumper    *Dumper
	sessionID string
	dir       string
	metadata  *Metadata
	mu        sync.Mutex
	closed    bool
}

// NewDumper creates a new debug dumper.
//
// Environment variables:
//   - GO_KIRO_DEBUG_DUMP=true: Enable full debug mode (save all requests to success/ and errors/)
//   - GO_KIRO_DEBUG_DUMP=false (default): Only save error requests to errors/
//   - GO_KIRO_ERROR_DUMP=false: Disable error dumping entirely
//   - GO_KIRO_DEBUG_DIR: Custom base directory (default: /tmp/kiro-debug)
func NewDumper() *Dumper {
	enabled := os.Getenv("GO_KIRO_DEBUG_DUMP") == "true"
	errorDumpAlways := os.Getenv("GO_KIRO_ERROR_DUMP") != "false" // Default to true
	baseDir := os.Getenv("GO_KIRO_DEBUG_DIR")
	if baseDir == "" {
		baseDir = DefaultDumpDir
	}

	if enabled || errorDumpAlways {
		// Ensure base directories exist
		_ = os.MkdirAll(filepath.Join(baseDir, "success"), 0755)
		_ = os.MkdirAll(filepath.Join(baseDir, "errors"), 0755)
	}

	return &Dumper{
		enabled:         enabled,
		errorDumpAlways: errorDumpAlways,
		baseDir:         baseDir,
	}
}

// Enabled returns whether full debug dumping is enabled.
func (d *Dumper) Enabled() bool {
	return d.enabled
}

// NewSession creates a new trace session.
// Returns nil if both full debug and error dump are disabled.
// The session initially writes to a temp directory, then moves to success/ or errors/ on completion.
func (d *Dumper) NewSession(sessionID string) *Session {
	if !d.enabled && !d.errorDumpAlways {
		return nil
	}

	// Use temp directory during request processing
	dir := filepath.Join(d.baseDir, "temp", sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}

	return &Session{
		dumper:    d,
		sessionID: sessionID,
		dir:       dir,
		metadata: &Metadata{
			SessionID: sessionID,
			StartTime: time.Now(),
		},
	}
}

// SetDialect records which client dialect the request arrived in.
func (s *Session) SetDialect(dialect string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Dialect = dialect
}

// SetAccountUUID sets the current account UUID in metadata.
func (s *Session) SetAccountUUID(uuid string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.AccountUUID = uuid
}

// AddTriedAccount adds an account to the tried accounts list.
func (s *Session) AddTriedAccount(uuid string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.TriedAccounts = append(s.metadata.TriedAccounts, uuid)
}

// SetModel sets the model in metadata.
func (s *Session) SetModel(model string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Model = model
}

// SetError sets the error in metadata.
func (s *Session) SetError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Error = err.Error()
}

// DumpRequestJSON writes the client request as formatted JSON.
func (s *Session) DumpRequestJSON(v interface{}) {
	if s == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	go s.writeFile("request.json", data)
}

// AppendUpstreamFrame appends one decoded upstream frame (a marshalled
// ir.Event) to upstream_frames.jsonl.
func (s *Session) AppendUpstreamFrame(frame []byte) {
	if s == nil || len(frame) == 0 {
		return
	}
	s.appendToFile("upstream_frames.jsonl", frame)
}

// AppendClientEvent appends one translated client-dialect event to
// client_events.jsonl: a named SSE event for Claude, a "data" chunk for
// OpenAI. Pairing this file with upstream_frames.jsonl shows exactly what
// the translator did.
func (s *Session) AppendClientEvent(eventType string, data interface{}) {
	if s == nil {
		return
	}
	entry := map[string]interface{}{
		"event": eventType,
		"data":  data,
	}
	chunk, err := json.Marshal(entry)
	if err != nil {
		return
	}
	s.appendToFile("client_events.jsonl", chunk)
}

// appendToFile appends data to a file in the session directory.
func (s *Session) appendToFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(data)
	f.Write([]byte("\n"))
}

// writeFile writes data to a file in the session directory.
func (s *Session) writeFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	path := filepath.Join(s.dir, name)
	_ = os.WriteFile(path, data, 0644)
}

// Success marks the session as successful.
// If full debug is enabled, moves files to success/ directory.
// If only error dump is enabled, removes the temp directory.
func (s *Session) Success() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.metadata.EndTime = time.Now()
	s.metadata.Success = true

	if s.dumper.enabled {
		// Full debug mode: move to success/ directory
		s.writeMetadata()
		destDir := filepath.Join(s.dumper.baseDir, "success", s.sessionID)
		_ = os.Rename(s.dir, destDir)
	} else {
		// Error-only mode: remove temp directory
		_ = os.RemoveAll(s.dir)
	}
}

// Fail marks the session as failed and moves files to errors/ directory.
func (s *Session) Fail(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	s.metadata.EndTime = time.Now()
	s.metadata.Success = false
	if err != nil {
		s.metadata.Error = err.Error()
	}

	// Write metadata and move to errors/ directory
	s.writeMetadata()
	destDir := filepath.Join(s.dumper.baseDir, "errors", s.sessionID)
	_ = os.Rename(s.dir, destDir)
}

// writeMetadata writes the metadata.json file (must be called with lock held).
func (s *Session) writeMetadata() {
	data, _ := json.MarshalIndent(s.metadata, "", "  ")
	path := filepath.Join(s.dir, "metadata.json")
	_ = os.WriteFile(path, data, 0644)
}

// Close closes the session. If not explicitly marked as success/fail,
// treats as failure and preserves files.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Default to failure if not explicitly closed
	s.Fail(fmt.Errorf("session closed without explicit success/fail"))
}
