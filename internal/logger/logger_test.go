package logger

import (
	"strings"
	"testing"
)

func TestSanitizeKVs_RedactsSecretsAndHashesOwner(t *testing.T) {
	got := sanitizeKVs([]interface{}{
		"job_id", "abc",
		"api_key", "sk-live-123",
		"webhook_secret", "s3cr3t",
		"owner_id", "user-42",
		"dangling",
	})

	if len(got) != 9 {
		t.Fatalf("expected 9 items, got %d: %#v", len(got), got)
	}
	if got[1] != "abc" {
		t.Fatalf("expected job_id untouched, got %v", got[1])
	}
	if got[3] != "[REDACTED]" || got[5] != "[REDACTED]" {
		t.Fatalf("expected secrets redacted, got %v / %v", got[3], got[5])
	}
	owner, _ := got[7].(string)
	if !strings.HasPrefix(owner, "hash:") || strings.Contains(owner, "user-42") {
		t.Fatalf("expected hashed owner, got %q", owner)
	}
	if got[8] != "dangling" {
		t.Fatalf("expected trailing key kept, got %v", got[8])
	}
}

func TestNop_DoesNotPanic(t *testing.T) {
	l := Nop()
	l.With("k", "v").Info("hello", "n", 1)
	l.Sync()
}
