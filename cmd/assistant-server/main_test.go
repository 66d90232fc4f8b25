package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/config"
	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/audit"
	"github.com/ehr/assistant/internal/domain/progress"
)

func init() {
	color.NoColor = true
}

func TestParseDateFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), false},
		{"March 1st", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseDateFlag("since", tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDateFlag(%q): unexpected error state %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseDateFlag(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestSchemaOrDefault(t *testing.T) {
	cfg := &config.Config{DefaultTenant: "acme"}
	if got := schemaOrDefault("", cfg); got != "tenant_acme" {
		t.Errorf("expected tenant_acme, got %s", got)
	}
	if got := schemaOrDefault("custom", cfg); got != "custom" {
		t.Errorf("expected custom, got %s", got)
	}
}

func TestAuditCipher_NoKeyIsNilInterface(t *testing.T) {
	c, err := auditCipher(&config.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil {
		t.Error("expected a nil cipher interface without a key")
	}
}

func TestAuditCipher_WithKey(t *testing.T) {
	cfg := &config.Config{HIPAAEncryptionKey: strings.Repeat("ab", 32), HIPAAKeyVersion: 1}
	c, err := auditCipher(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil || c.Version() != 1 {
		t.Errorf("expected a version 1 cipher, got %v", c)
	}
}

func TestOpenAuditSink(t *testing.T) {
	cfg := &config.Config{AuditSink: config.AuditSinkLevelDB, AuditLevelDBPath: filepath.Join(t.TempDir(), "audit")}
	sink, closeSink, err := openAuditSink(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeSink()
	if err := sink.Append(context.Background(), &audit.Entry{RequestID: "r1", SubjectID: "pat-1", Outcome: access.OutcomeCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, _, err := openAuditSink(&config.Config{AuditSink: config.AuditSinkPostgres}, nil); err == nil {
		t.Error("expected postgres sink without a pool to fail")
	}
	if _, _, err := openAuditSink(&config.Config{AuditSink: "s3"}, nil); err == nil {
		t.Error("expected unknown sink to fail")
	}
}

func TestRenderEvent(t *testing.T) {
	var buf bytes.Buffer
	renderEvent(&buf, progress.Event{Stage: progress.Retrieving, Step: 2, TotalSteps: 5, Message: "Searching"})
	renderEvent(&buf, progress.Event{Stage: progress.Completed, Answer: "All normal.", Categories: []access.Category{access.CategoryLabs}})
	renderEvent(&buf, progress.Event{Stage: progress.Failed, ErrorKind: access.KindConsentDenied, Message: "no consent"})

	out := buf.String()
	for _, want := range []string{"[2/5] Searching", "All normal.", "sources: labs", "failed (consent_denied): no consent"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestStreamQuestion(t *testing.T) {
	var gotAuth, gotTenant, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/stream" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotTenant = r.Header.Get("X-Tenant-ID")
		var body struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotQuery = body.Query

		w.Header().Set("X-Assistant-Request-ID", "req-1")
		enc := json.NewEncoder(w)
		enc.Encode(progress.Event{RequestID: "req-1", Stage: progress.Started, Step: 0, TotalSteps: 5, Message: "thinking"})
		enc.Encode(progress.Event{RequestID: "req-1", Stage: progress.Completed, Terminal: true, Answer: "Your labs look fine."})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := streamQuestion(context.Background(), srv.Client(), &buf, srv.URL+"/", "tok", "acme", "show my labs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok" || gotTenant != "acme" || gotQuery != "show my labs" {
		t.Errorf("unexpected request: auth=%q tenant=%q query=%q", gotAuth, gotTenant, gotQuery)
	}
	if !strings.Contains(buf.String(), "request req-1") || !strings.Contains(buf.String(), "Your labs look fine.") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestStreamQuestion_FailedRunIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(progress.Event{Stage: progress.Failed, Terminal: true, ErrorKind: access.KindScopeViolation})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := streamQuestion(context.Background(), srv.Client(), &buf, srv.URL, "tok", "", "q")
	if err == nil || !strings.Contains(err.Error(), "scope_violation") {
		t.Errorf("expected scope_violation error, got %v", err)
	}
}

func TestStreamQuestion_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := streamQuestion(context.Background(), srv.Client(), &bytes.Buffer{}, srv.URL, "bad", "", "q")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 error, got %v", err)
	}
}

func TestAuthMiddlewareModes(t *testing.T) {
	dev := &config.Config{Env: "development"}
	if got := devSigningKey(dev); string(got) == "" {
		t.Error("expected the development signing key")
	}
	dev.AuthSigningKey = "override"
	if got := devSigningKey(dev); string(got) != "override" {
		t.Errorf("expected configured key, got %q", got)
	}
	if authMiddleware(dev) == nil {
		t.Error("expected a middleware")
	}
}
