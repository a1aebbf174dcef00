package digest

import (
	"strings"
	"testing"
)

func TestPreviewPassesThroughShortPayload(t *testing.T) {
	in := "short recommendation text"
	if out := Preview(in, 256); out != in {
		t.Fatalf("expected short payload unchanged, got %q", out)
	}
}

func TestPreviewTruncatesLongPayload(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 2000; i++ {
		b.WriteString("token ")
	}
	in := b.String()
	out := Preview(in, 10)
	if len(out) >= len(in) {
		t.Fatalf("expected truncated preview to be shorter than input")
	}
	if !strings.Contains(out, "truncated") {
		t.Fatalf("expected truncation marker, got %q", out)
	}
}
