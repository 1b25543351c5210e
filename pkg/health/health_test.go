package health

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLiveAlwaysUp(t *testing.T) {
	h := New()
	if h.Live().Status != StatusUp {
		t.Fatal("live must be up")
	}
}

func TestReadyGate(t *testing.T) {
	h := New()
	if h.Ready(context.Background()).Status != StatusDown {
		t.Fatal("not ready until SetReady(true)")
	}
	h.SetReady(true)
	if h.Ready(context.Background()).Status != StatusUp {
		t.Fatal("ready with no checkers must be up")
	}
}

func TestCheckerAggregation(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(CheckFunc{
		CheckerName: "ok",
		Fn: func(context.Context) CheckResult {
			return CheckResult{Status: StatusUp}
		},
	})
	h.Register(CheckFunc{
		CheckerName: "down",
		Fn: func(context.Context) CheckResult {
			return CheckResult{Status: StatusDown, Message: "broken"}
		},
	})

	resp := h.Health(context.Background())
	if resp.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", resp.Status)
	}
	if resp.Dependencies["down"].Message != "broken" {
		t.Fatalf("dependencies = %+v", resp.Dependencies)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	h := New()
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	h.Register(CheckFunc{
		CheckerName: "down",
		Fn: func(context.Context) CheckResult {
			return CheckResult{Status: StatusDown}
		},
	})
	rec = httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLoopMonitor(t *testing.T) {
	var m LoopMonitor

	ok, _, _ := m.Healthy(time.Now(), time.Second)
	if ok {
		t.Fatal("never-ticked loop must be unhealthy")
	}

	m.Tick()
	ok, age, _ := m.Healthy(time.Now(), time.Second)
	if !ok {
		t.Fatalf("fresh tick must be healthy, age=%v", age)
	}

	ok, _, _ = m.Healthy(time.Now().Add(5*time.Second), time.Second)
	if ok {
		t.Fatal("stale tick must be unhealthy")
	}
}

func TestLoopMonitorError(t *testing.T) {
	var m LoopMonitor
	m.SetError(nil)
	if m.LastError() != "" {
		t.Fatal("nil error must be ignored")
	}
	m.SetError(context.DeadlineExceeded)
	if m.LastError() == "" {
		t.Fatal("expected last error recorded")
	}
}
