package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeJournal(t *testing.T, root, bot, filename, content string) {
	t.Helper()
	dir := filepath.Join(root, bot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}
}

func TestScanMissingRootIsEmpty(t *testing.T) {
	s := NewScanner(filepath.Join(t.TempDir(), "does-not-exist"))
	events, err := s.Scan()
	if err != nil {
		t.Fatalf("expected no error for missing root, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestScanAssignsStableIDsAndSortsByTimestamp(t *testing.T) {
	root := t.TempDir()
	writeJournal(t, root, "weather-bot", "trades-2026-08-06.jsonl", ""+
		`{"ts":200,"kind":"strategy_cycle_start"}`+"\n"+
		`{"ts":100,"kind":"bot_start"}`+"\n")

	s := NewScanner(root)
	events, err := s.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].TSEpoch != 100 || events[1].TSEpoch != 200 {
		t.Fatalf("expected events sorted by ts_epoch, got %v", events)
	}
	if events[0].ID != "weather-bot:trades-2026-08-06:1" {
		t.Fatalf("expected stable id keyed by original line index, got %q", events[0].ID)
	}
}

func TestScanSkipsMalformedLines(t *testing.T) {
	root := t.TempDir()
	writeJournal(t, root, "arbitrage-bot", "trades-2026-08-06.jsonl", ""+
		`{"ts":1,"kind":"bot_start"}`+"\n"+
		`not json`+"\n"+
		`{"ts":2,"kind":"strategy_cycle_summary"}`+"\n")

	s := NewScanner(root)
	events, err := s.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected malformed line to be skipped, got %d events", len(events))
	}
}

func TestScanOnlyReparsesAppendedBytes(t *testing.T) {
	root := t.TempDir()
	writeJournal(t, root, "sports-agent", "trades-2026-08-06.jsonl", `{"ts":1,"kind":"bot_start"}`+"\n")

	s := NewScanner(root)
	first, err := s.Scan()
	if err != nil || len(first) != 1 {
		t.Fatalf("first scan: events=%d err=%v", len(first), err)
	}

	f, err := os.OpenFile(filepath.Join(root, "sports-agent", "trades-2026-08-06.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"ts":2,"kind":"strategy_cycle_summary"}` + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	second, err := s.Scan()
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected merged 2 events across both scans, got %d", len(second))
	}
	if second[1].ID != "sports-agent:trades-2026-08-06:1" {
		t.Fatalf("expected second event's line index to continue from cached count, got %q", second[1].ID)
	}
}

func TestTraceDerivationAndClearing(t *testing.T) {
	root := t.TempDir()
	writeJournal(t, root, "weather-bot", "trades-2026-08-06.jsonl", ""+
		`{"ts":100,"kind":"strategy_cycle_start"}`+"\n"+
		`{"ts":101,"kind":"order_placed"}`+"\n"+
		`{"ts":102,"kind":"bot_start"}`+"\n")

	s := NewScanner(root)
	events, err := s.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].TraceID != events[1].TraceID {
		t.Fatalf("expected order_placed to adopt the cycle's active trace, got %v", events)
	}
	if events[2].TraceID == events[1].TraceID {
		t.Fatalf("expected order_placed to clear the active trace before bot_start mints a new one")
	}
}

func TestExtractExecutionFromOrderPlaced(t *testing.T) {
	root := t.TempDir()
	writeJournal(t, root, "weather-bot", "trades-2026-08-06.jsonl",
		`{"ts":100,"kind":"order_placed","ticker":"KXWX-26","side":"yes","price_cents":55,"count":"3"}`+"\n")

	s := NewScanner(root)
	events, err := s.Scan()
	if err != nil || len(events) != 1 {
		t.Fatalf("scan: events=%d err=%v", len(events), err)
	}

	rec, ok := ExtractExecution(events[0])
	if !ok {
		t.Fatalf("expected order_placed to extract an execution record")
	}
	if rec.Ticker != "KXWX-26" || rec.PriceCents == nil || *rec.PriceCents != 55 {
		t.Fatalf("unexpected execution record: %+v", rec)
	}
	if rec.Count == nil || *rec.Count != 3 {
		t.Fatalf("expected numeric-string count to parse, got %+v", rec.Count)
	}
}

func TestExtractExecutionResultRequiresQualifyingStatus(t *testing.T) {
	root := t.TempDir()
	writeJournal(t, root, "arbitrage-bot", "trades-2026-08-06.jsonl",
		`{"ts":1,"kind":"execution_result","status":"rejected"}`+"\n")

	s := NewScanner(root)
	events, _ := s.Scan()
	if _, ok := ExtractExecution(events[0]); ok {
		t.Fatalf("expected non-qualifying execution_result to not extract")
	}
}
