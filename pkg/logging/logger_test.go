package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("k", "v").Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["service"] != "svc-a" {
		t.Fatalf("expected service field, got %v", entry["service"])
	}
	if entry["k"] != "v" {
		t.Fatalf("expected k=v, got %v", entry["k"])
	}
}

func TestNewDiscardLogger(t *testing.T) {
	l := NewDiscardLogger()
	l.Info("dropped")
}
