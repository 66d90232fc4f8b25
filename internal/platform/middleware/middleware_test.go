package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/domain/access"
)

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequestID()(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rid := rec.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(rid); err != nil {
		t.Errorf("expected uuid request id, got %q", rid)
	}
	if c.Get("request_id") != rid {
		t.Errorf("expected context request_id %q, got %v", rid, c.Get("request_id"))
	}
}

func TestRequestID_KeepsValidHeader(t *testing.T) {
	e := echo.New()
	want := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, want)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestRequestID_ReplacesGarbageHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); got == "<script>" {
		t.Error("expected untrusted request id to be replaced")
	}
}

func TestLogger_OmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?access_token=secret-token", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/ws/chat")
	c.Set("request_id", "req-1")
	c.Set("role", "doctor")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "secret-token") {
		t.Errorf("expected token to be absent from log, got %s", out)
	}
	for _, want := range []string{`"request_id":"req-1"`, `"role":"doctor"`, `"route":"/ws/chat"`, `"status":200`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log to contain %s, got %s", want, out)
		}
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("patient Jane Doe")
	}

	err := Recovery(zerolog.New(&buf))(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if httpErr.Message != access.KindInternal.PublicMessage() {
		t.Errorf("expected public message, got %v", httpErr.Message)
	}
	if strings.Contains(buf.String(), "Jane Doe") {
		t.Error("expected panic value to be kept out of the log")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_Exceeded(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	slow := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return nil
	}
	err := RequestTimeout(10*time.Millisecond, "/ws/")(slow)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_SkipsLongLived(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("expected no deadline on a streaming route")
		}
		return nil
	}
	if err := RequestTimeout(time.Millisecond, "/ws/", "/api/v1/chat/stream")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})(okHandler)

	var last error
	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec = httptest.NewRecorder()
		last = h(e.NewContext(req, rec))
	}
	httpErr, ok := last.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %v", last)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeysBySubject(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)

	call := func(subject string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		ctx := access.WithClaim(req.Context(), access.Claim{SubjectID: subject, Role: access.RoleDoctor})
		return h(e.NewContext(req.WithContext(ctx), httptest.NewRecorder()))
	}
	if err := call("doc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := call("doc-2"); err != nil {
		t.Errorf("expected separate bucket for doc-2, got %v", err)
	}
	if err := call("doc-1"); err == nil {
		t.Error("expected doc-1 to be limited")
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = SecurityHeaders(false)(okHandler)(c)
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("expected no-store, got %q", rec.Header().Get("Cache-Control"))
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("expected no HSTS without TLS")
	}

	rec = httptest.NewRecorder()
	_ = SecurityHeaders(true)(okHandler)(e.NewContext(req, rec))
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS with TLS")
	}
}

func TestBodyLimit(t *testing.T) {
	e := echo.New()
	read := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 2048)))
	err := BodyLimit("1K")(read)(e.NewContext(req, httptest.NewRecorder()))
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 by content length, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 2048)))
	req.ContentLength = -1
	err = BodyLimit("1K")(read)(e.NewContext(req, httptest.NewRecorder()))
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 while reading, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
	if err := BodyLimit("1K")(read)(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"64K": 64 << 10,
		"1M":  1 << 20,
		"1MB": 1 << 20,
		"2G":  2 << 30,
		"512": 512,
		"bad": 1 << 20,
		"":    1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q): expected %d, got %d", in, want, got)
		}
	}
}
