package redact

import (
	"strings"
	"testing"
)

func TestLineBearerAndEnvSecret(t *testing.T) {
	input := "Authorization: Bearer secret-token OBS_API_KEY=supersecret"
	out := Line(input)
	if strings.Contains(out, "secret-token") || strings.Contains(out, "supersecret") {
		t.Fatalf("expected secrets to be redacted, got %q", out)
	}
}

func TestLineCLISecretFlags(t *testing.T) {
	input := "obsctl run --api-key supersecret --token abc123 --password 'letmein'"
	out := Line(input)
	if strings.Contains(out, "supersecret") || strings.Contains(out, "abc123") || strings.Contains(out, "letmein") {
		t.Fatalf("expected CLI flag secrets to be redacted, got %q", out)
	}
	if !strings.Contains(out, "--api-key <REDACTED>") || !strings.Contains(out, "--token <REDACTED>") || !strings.Contains(out, "--password <REDACTED>") {
		t.Fatalf("expected CLI flag redaction markers, got %q", out)
	}
}

func TestLineLeavesNonSecretTextAlone(t *testing.T) {
	input := "workflow wf-1 transitioned running -> approved"
	if out := Line(input); out != input {
		t.Fatalf("expected no-op for a line with no secrets, got %q", out)
	}
}
