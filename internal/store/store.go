// Package store is the broker's durable State Store: an
// in-memory snapshot of workflows and operations backed by one JSON file
// and one append-only audit log, mutated exclusively through a single
// logical writer per spec.
package store

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trading-cli/observability/internal/opreg"
	"github.com/trading-cli/observability/internal/redact"
	"github.com/trading-cli/observability/internal/workflow"
)

const snapshotVersion = 2

type snapshotDoc struct {
	Version      int                          `json:"version"`
	Workflows    map[string]*workflow.Workflow `json:"workflows"`
	Operations   map[string]*opreg.Operation  `json:"operations"`
	RequestIndex map[string]string           `json:"request_index"`
}

// Store guards the authoritative in-memory workflow map and operation
// registry, and persists both to disk through independent serialized
// writer chains.
type Store struct {
	mu        sync.Mutex
	workflows map[string]*workflow.Workflow
	Ops       *opreg.Registry

	statePath string
	auditPath string

	persistCh chan func()
	auditCh   chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open loads statePath (or starts empty if missing/malformed) and arms the
// persist/audit writer chains. auditPath's parent directory is created if
// necessary.
func Open(statePath, auditPath string, opTTL time.Duration, opMax int) *Store {
	s := &Store{
		workflows: make(map[string]*workflow.Workflow),
		Ops:       opreg.New(opTTL, opMax),
		statePath: statePath,
		auditPath: auditPath,
		persistCh: make(chan func(), 256),
		auditCh:   make(chan func(), 256),
	}
	s.load()

	s.wg.Add(2)
	go s.drain(s.persistCh)
	go s.drain(s.auditCh)
	return s
}

func (s *Store) drain(ch chan func()) {
	defer s.wg.Done()
	for fn := range ch {
		fn()
	}
}

func (s *Store) load() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("store: failed to read snapshot %s: %v", s.statePath, err)
		}
		return
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("store: snapshot %s is malformed, starting empty: %v", s.statePath, err)
		return
	}
	if doc.Workflows != nil {
		s.workflows = doc.Workflows
	}
	s.Ops.Restore(doc.Operations, doc.RequestIndex)
}

// WithLock runs fn holding the store's single logical write lock, then
// enqueues a persist of the resulting snapshot. Every control-plane
// mutation (upsert, execute, cancel, hardCancel, complete, operation
// completion) must go through WithLock so mutation and persistence stay
// atomic and ordered.
func (s *Store) WithLock(fn func(workflows map[string]*workflow.Workflow)) {
	s.mu.Lock()
	fn(s.workflows)
	s.mu.Unlock()
	s.enqueuePersist()
}

// Get returns a defensive clone of one workflow, or false if not found.
func (s *Store) Get(id string) (workflow.Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return workflow.Workflow{}, false
	}
	return wf.Clone(), true
}

// List returns defensive clones of every workflow, in no particular order;
// callers sort/filter/paginate on top.
func (s *Store) List() []workflow.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	return out
}

// enqueuePersist queues a snapshot write and blocks until that write has
// landed on disk (or failed), per the store contract that persist() calls
// queue behind one another but each returns once its own write completed.
func (s *Store) enqueuePersist() {
	s.mu.Lock()
	doc := snapshotDoc{Version: snapshotVersion, Workflows: make(map[string]*workflow.Workflow, len(s.workflows))}
	for id, wf := range s.workflows {
		clone := wf.Clone()
		doc.Workflows[id] = &clone
	}
	s.mu.Unlock()
	doc.Operations, doc.RequestIndex = s.Ops.Snapshot()

	done := make(chan struct{})
	s.persistCh <- func() {
		s.persist(doc)
		close(done)
	}
	<-done
}

func (s *Store) persist(doc snapshotDoc) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Printf("store: failed to marshal snapshot: %v", err)
		return
	}
	dir := filepath.Dir(s.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("store: failed to create state dir %s: %v", dir, err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		log.Printf("store: failed to create temp snapshot file: %v", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		log.Printf("store: failed to write temp snapshot file: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		log.Printf("store: failed to close temp snapshot file: %v", err)
		return
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		log.Printf("store: failed to rename snapshot into place: %v", err)
	}
}

// AppendAudit enqueues entry (with ts set to now) for append to the
// newline-delimited audit log. The marshaled line is scrubbed with
// redact.Line before it is queued, so secret-shaped substrings in any string
// field never reach the file.
func (s *Store) AppendAudit(entry map[string]interface{}) {
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("store: failed to marshal audit entry: %v", err)
		return
	}
	scrubbed := redact.Line(string(line))
	s.auditCh <- func() { s.appendAuditLine(scrubbed) }
}

func (s *Store) appendAuditLine(line string) {
	dir := filepath.Dir(s.auditPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("store: failed to create audit dir %s: %v", dir, err)
		return
	}
	f, err := os.OpenFile(s.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("store: failed to open audit file %s: %v", s.auditPath, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		log.Printf("store: failed to append audit line: %v", err)
	}
}

// Close drains both writer chains and returns once all queued work has
// completed, for graceful shutdown.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.persistCh)
		close(s.auditCh)
	})
	s.wg.Wait()
}
