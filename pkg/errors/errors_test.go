package errors

import (
	stderrors "errors"
	"net/http"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	err := New(CodeUnknownTicker, "ticker FUN is not listed")
	want := "[UNKNOWN_TICKER] ticker FUN is not listed"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(CodeInsufficientFunds, "need %d", 100)
	if err.Message != "need 100" {
		t.Fatalf("message = %q", err.Message)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Fatal("nil error must map to OK")
	}
	if CodeOf(New(CodeForbidden, "no")) != CodeForbidden {
		t.Fatal("expected FORBIDDEN")
	}
	if CodeOf(stderrors.New("plain")) != CodeUnknown {
		t.Fatal("plain error must map to UNKNOWN")
	}
}

func TestIs(t *testing.T) {
	err := New(CodeNotFullyFillable, "fok")
	if !Is(err, CodeNotFullyFillable) {
		t.Fatal("expected match")
	}
	if Is(err, CodeForbidden) {
		t.Fatal("unexpected match")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidOrder, http.StatusBadRequest},
		{CodeInsufficientFunds, http.StatusBadRequest},
		{CodeNotFullyFillable, http.StatusBadRequest},
		{CodeForbidden, http.StatusForbidden},
		{CodeOrderNotFound, http.StatusNotFound},
		{CodeUnknownTicker, http.StatusNotFound},
		{CodeUsernameExists, http.StatusConflict},
		{CodeInternal, http.StatusInternalServerError},
		{CodeTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !New(CodeSystemBusy, "busy").Retryable {
		t.Fatal("SYSTEM_BUSY must be retryable")
	}
	if New(CodeInsufficientFunds, "poor").Retryable {
		t.Fatal("INSUFFICIENT_FUNDS must not be retryable")
	}
}
