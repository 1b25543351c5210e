package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestServiceFieldInjected(t *testing.T) {
	var buf bytes.Buffer
	log := New("engine", &buf)

	log.Info("order placed")

	payload := decodeLastLogLine(t, &buf)
	if payload["service"] != "engine" {
		t.Fatalf("expected service field, got %v", payload["service"])
	}
	if payload["message"] != "order placed" {
		t.Fatalf("expected message, got %v", payload["message"])
	}
	if payload["timestamp"] == nil {
		t.Fatal("expected timestamp field")
	}
}

func TestInfofFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("engine", &buf)

	log.Infof("trade settled", map[string]interface{}{
		"ticker": "FUN",
		"qty":    10,
	})

	payload := decodeLastLogLine(t, &buf)
	if payload["ticker"] != "FUN" {
		t.Fatalf("expected ticker field, got %v", payload["ticker"])
	}
	if payload["qty"].(float64) != 10 {
		t.Fatalf("expected qty field, got %v", payload["qty"])
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := New("engine", &buf)

	log.WithError(errors.New("kaboom")).Warn("settlement warning")

	payload := decodeLastLogLine(t, &buf)
	if payload["error"] != "kaboom" {
		t.Fatalf("expected error field, got %v", payload["error"])
	}
	if payload["level"] != "warn" {
		t.Fatalf("expected warn level, got %v", payload["level"])
	}
}

func TestWithField(t *testing.T) {
	var buf bytes.Buffer
	log := New("engine", &buf)

	log.WithField("orderId", int64(42)).Error("reject")

	payload := decodeLastLogLine(t, &buf)
	if payload["orderId"].(float64) != 42 {
		t.Fatalf("expected orderId field, got %v", payload["orderId"])
	}
}
