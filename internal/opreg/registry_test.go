package opreg

import (
	"testing"
	"time"
)

func TestCreateIdempotentReplay(t *testing.T) {
	r := New(0, 0)
	op1 := r.Create("p", "l", "execute", "workflows/wf-1", "alice", "go", "req-1")
	op2 := r.Create("p", "l", "execute", "workflows/wf-1", "alice", "go again", "req-1")
	if op1.Name != op2.Name {
		t.Fatalf("expected replay to return the same operation, got %s and %s", op1.Name, op2.Name)
	}
}

func TestCreateWithoutRequestIDNeverReplays(t *testing.T) {
	r := New(0, 0)
	op1 := r.Create("p", "l", "execute", "workflows/wf-1", "alice", "go", "")
	op2 := r.Create("p", "l", "execute", "workflows/wf-1", "alice", "go", "")
	if op1.Name == op2.Name {
		t.Fatalf("expected distinct operations when requestId is empty")
	}
}

func TestCompleteOnlyOnce(t *testing.T) {
	r := New(0, 0)
	op := r.Create("p", "l", "cancel", "workflows/wf-1", "alice", "", "")
	r.Complete(op, map[string]string{"ok": "true"})
	firstUpdate := op.Metadata.UpdateTime
	if !op.Done {
		t.Fatalf("expected done=true after Complete")
	}
	r.Fail(op, 13, "INTERNAL", "too late")
	if op.Error != nil {
		t.Fatalf("expected second completion to be ignored, got error=%v", op.Error)
	}
	if !op.Metadata.UpdateTime.Equal(firstUpdate) {
		t.Fatalf("expected updateTime unchanged on ignored completion")
	}
}

func TestEvictByTTL(t *testing.T) {
	r := New(time.Hour, 0)
	op := r.Create("p", "l", "execute", "workflows/wf-1", "alice", "", "req-1")
	op.Metadata.CreateTime = time.Now().Add(-2 * time.Hour)

	r.Evict(time.Now())

	if _, ok := r.Get(op.Name); ok {
		t.Fatalf("expected operation past TTL to be evicted")
	}
	if _, ok := r.requestIdx[indexKey("p", "l", "workflows/wf-1", "execute", "req-1")]; ok {
		t.Fatalf("expected request index entry to be scrubbed alongside evicted operation")
	}
}

func TestEvictByCapKeepsNewest(t *testing.T) {
	r := New(0, 2)
	now := time.Now()
	op1 := r.Create("p", "l", "execute", "workflows/wf-1", "a", "", "")
	op1.Metadata.CreateTime = now.Add(-3 * time.Minute)
	op2 := r.Create("p", "l", "execute", "workflows/wf-2", "a", "", "")
	op2.Metadata.CreateTime = now.Add(-2 * time.Minute)
	op3 := r.Create("p", "l", "execute", "workflows/wf-3", "a", "", "")
	op3.Metadata.CreateTime = now.Add(-1 * time.Minute)

	r.Evict(now)

	if _, ok := r.Get(op1.Name); ok {
		t.Fatalf("expected oldest operation to be evicted over the cap")
	}
	if _, ok := r.Get(op3.Name); !ok {
		t.Fatalf("expected newest operation to survive eviction")
	}
}

func TestListSortedByCreateTimeDesc(t *testing.T) {
	r := New(0, 0)
	now := time.Now()
	op1 := r.Create("p", "l", "execute", "workflows/wf-1", "a", "", "")
	op1.Metadata.CreateTime = now.Add(-time.Minute)
	op2 := r.Create("p", "l", "execute", "workflows/wf-2", "a", "", "")
	op2.Metadata.CreateTime = now

	list := r.List()
	if len(list) != 2 || list[0].Name != op2.Name {
		t.Fatalf("expected newest-first ordering, got %v", list)
	}
}
