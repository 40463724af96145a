package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty")

	logger.Debug("hidden")
	logger.Info("shown", "keys", 10)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" {
		t.Fatalf("unexpected message %v", line["msg"])
	}
	if line["keys"] != float64(10) {
		t.Fatalf("expected keys attribute, got %v", line["keys"])
	}
}
