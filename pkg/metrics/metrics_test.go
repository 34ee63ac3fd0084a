package metrics

import (
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New()

	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
}

func TestRegister(t *testing.T) {
	m := New()

	if err := m.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Registering twice must tolerate AlreadyRegisteredError.
	if err := m.Register(); err != nil {
		t.Fatalf("Second Register failed: %v", err)
	}
}

func TestRecordMethods(t *testing.T) {
	m := New()
	if err := m.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	m.RecordCommand("status", "ok", 120*time.Millisecond)
	m.RecordBackendCall("billing", "viewu", "ok", 40*time.Millisecond)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordRateLimited()
	m.RecordDenied()
	m.RecordAuditWriteError()
	m.RecordWebhookUpdate("accepted")
}

func TestHandler(t *testing.T) {
	m := New()
	if m.Handler() == nil {
		t.Fatal("Expected non-nil handler")
	}
}
