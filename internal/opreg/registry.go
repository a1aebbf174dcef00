// Package opreg implements long-running Operation objects with
// request-id deduplication, shared by the broker and the façade's
// locally-owned stopService operation.
package opreg

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Metadata describes the control action an Operation tracks.
type Metadata struct {
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
}

// OpError is the {code, status, message} shape carried by a failed Operation.
type OpError struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Operation is a long-running operation resource, named per Google's
// projects/{p}/locations/{l}/operations/{id} convention.
type Operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Metadata Metadata        `json:"metadata"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *OpError        `json:"error,omitempty"`
}

// indexKey joins the idempotency tuple into the flat string key used both
// in-memory and in the persisted request_index map.
func indexKey(project, location, target, action, requestID string) string {
	return project + "/" + location + "/" + target + "/" + action + "/" + requestID
}

// Registry holds pending and completed operations plus the request index
// used for idempotent replay. Callers must hold their own lock when
// mutating operations returned by Create/Get (mirroring the workflow
// store's single-writer-lock convention); Registry's own mutex only
// protects its internal maps.
type Registry struct {
	mu         sync.Mutex
	ops        map[string]*Operation
	requestIdx map[string]string
	ttl        time.Duration
	maxEntries int
}

// New builds a Registry with the given TTL and entry cap. A zero or
// negative value selects the spec default (24h TTL, 5000 entries).
func New(ttl time.Duration, maxEntries int) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &Registry{
		ops:        make(map[string]*Operation),
		requestIdx: make(map[string]string),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func newName(project, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s/operations/op-%d-%s", project, location, time.Now().UnixMilli(), randHex(4))
}

func randHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Create mints a new pending operation for (action, target), or returns the
// prior operation as-is if requestId matches an existing request-index
// entry (idempotent replay per spec.md §4.3).
func (r *Registry) Create(project, location, action, target, actor, reason, requestID string) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if requestID != "" {
		key := indexKey(project, location, target, action, requestID)
		if name, ok := r.requestIdx[key]; ok {
			if op, ok := r.ops[name]; ok {
				return op
			}
		}
	}

	op := &Operation{
		Name: newName(project, location),
		Done: false,
		Metadata: Metadata{
			Action:     action,
			Target:     target,
			Actor:      actor,
			Reason:     reason,
			RequestID:  requestID,
			CreateTime: now,
			UpdateTime: now,
		},
	}
	r.ops[op.Name] = op
	if requestID != "" {
		r.requestIdx[indexKey(project, location, target, action, requestID)] = op.Name
	}
	return op
}

// Complete sets done=true with a success response. Repeat calls on an
// already-done operation are ignored.
func (r *Registry) Complete(op *Operation, response interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op.Done {
		return
	}
	op.Response = marshal(response)
	op.Done = true
	op.Metadata.UpdateTime = time.Now().UTC()
}

// Fail sets done=true with an error. Repeat calls on an already-done
// operation are ignored.
func (r *Registry) Fail(op *Operation, code int, status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op.Done {
		return
	}
	op.Error = &OpError{Code: code, Status: status, Message: message}
	op.Done = true
	op.Metadata.UpdateTime = time.Now().UTC()
}

// Get fetches an operation by its resource name.
func (r *Registry) Get(name string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[name]
	return op, ok
}

// List returns all operations sorted by createTime desc, for merge with the
// façade's own list per spec.md §4.7.
func (r *Registry) List() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreateTime.After(out[j].Metadata.CreateTime)
	})
	return out
}

// Evict drops operations older than the registry's TTL, then — if still
// over the entry cap — evicts the oldest-createTime remainder, scrubbing
// any request-index entries that pointed at an evicted operation.
func (r *Registry) Evict(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.ttl)
	for name, op := range r.ops {
		if op.Metadata.CreateTime.Before(cutoff) {
			delete(r.ops, name)
		}
	}
	if len(r.ops) > r.maxEntries {
		type cand struct {
			name    string
			created time.Time
		}
		cands := make([]cand, 0, len(r.ops))
		for name, op := range r.ops {
			cands = append(cands, cand{name, op.Metadata.CreateTime})
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].created.Before(cands[j].created) })
		over := len(r.ops) - r.maxEntries
		for i := 0; i < over && i < len(cands); i++ {
			delete(r.ops, cands[i].name)
		}
	}

	for key, name := range r.requestIdx {
		if _, ok := r.ops[name]; !ok {
			delete(r.requestIdx, key)
		}
	}
}

// Snapshot returns copies of the registry's operations and request index
// suitable for embedding in the state store's persisted JSON document.
func (r *Registry) Snapshot() (map[string]*Operation, map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make(map[string]*Operation, len(r.ops))
	for k, v := range r.ops {
		ops[k] = v
	}
	idx := make(map[string]string, len(r.requestIdx))
	for k, v := range r.requestIdx {
		idx[k] = v
	}
	return ops, idx
}

// Restore replaces the registry's contents with a previously-persisted
// snapshot, used when the state store loads from disk at startup.
func (r *Registry) Restore(ops map[string]*Operation, idx map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ops == nil {
		ops = make(map[string]*Operation)
	}
	if idx == nil {
		idx = make(map[string]string)
	}
	r.ops = ops
	r.requestIdx = idx
}

func marshal(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return json.RawMessage(b)
}
