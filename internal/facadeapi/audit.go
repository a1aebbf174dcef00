package facadeapi

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trading-cli/observability/internal/redact"
)

// auditWriter appends control-audit lines to a single JSONL file through a
// buffered, serialized writer chain, mirroring the state store's own
// audit-append pattern (one writer, never rewritten, scrubbed before it
// hits disk).
type auditWriter struct {
	path      string
	ch        chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newAuditWriter(path string) *auditWriter {
	a := &auditWriter{path: path, ch: make(chan func(), 256)}
	a.wg.Add(1)
	go a.drain()
	return a
}

func (a *auditWriter) drain() {
	defer a.wg.Done()
	for fn := range a.ch {
		fn()
	}
}

// append enqueues entry (with ts set to now) for append to the façade's
// control-audit log. Any secret-shaped substring has already been scrubbed
// by redact.Line as the last line of defense before the line hits disk.
func (a *auditWriter) append(entry map[string]interface{}) {
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("facadeapi: failed to marshal control-audit entry: %v", err)
		return
	}
	scrubbed := redact.Line(string(line))
	a.ch <- func() { a.appendLine(scrubbed) }
}

func (a *auditWriter) appendLine(line string) {
	if a.path == "" {
		return
	}
	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("facadeapi: failed to create control-audit dir %s: %v", dir, err)
		return
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("facadeapi: failed to open control-audit file %s: %v", a.path, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		log.Printf("facadeapi: failed to append control-audit line: %v", err)
	}
}

// Close drains the writer chain and returns once all queued work has
// completed, for graceful shutdown.
func (a *auditWriter) Close() {
	a.closeOnce.Do(func() { close(a.ch) })
	a.wg.Wait()
}
