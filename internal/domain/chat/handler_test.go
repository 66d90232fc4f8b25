package chat

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/audit"
	"github.com/ehr/assistant/internal/domain/progress"
	"github.com/ehr/assistant/pkg/pagination"
)

func newEchoContext(method, target, body, subject string, role access.Role) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if subject != "" {
		req = req.WithContext(asUser(subject, role))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_Ask(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	c, rec := newEchoContext(http.MethodPost, "/api/v1/chat", `{"query":"show my lab results"}`, "pat-1", access.RolePatient)
	if err := h.Ask(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ev progress.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Stage != progress.Completed || ev.Answer == "" {
		t.Errorf("expected completed answer, got %+v", ev)
	}
}

func TestHandler_AskScopeViolation(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	c, rec := newEchoContext(http.MethodPost, "/api/v1/chat", `{"query":"show me patient Jane Doe's chart"}`, "admin-1", access.RoleHospital)
	if err := h.Ask(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Jane") {
		t.Error("error response echoed the query")
	}
}

func TestHandler_AskRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	c, _ := newEchoContext(http.MethodPost, "/api/v1/chat", `{"query":""}`, "pat-1", access.RolePatient)
	err := h.Ask(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_AskWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	c, _ := newEchoContext(http.MethodPost, "/api/v1/chat", `{"query":"show my labs"}`, "", "")
	err := h.Ask(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestHandler_Stream(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	c, rec := newEchoContext(http.MethodPost, "/api/v1/chat/stream", `{"query":"show my lab results"}`, "pat-1", access.RolePatient)
	if err := h.Stream(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/x-ndjson" {
		t.Errorf("expected ndjson content type, got %q", ct)
	}
	id := rec.Header().Get("X-Assistant-Request-ID")
	if id == "" {
		t.Error("expected request id header")
	}

	var events []progress.Event
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var ev progress.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 7 {
		t.Fatalf("expected 7 events, got %d", len(events))
	}
	if last := events[len(events)-1]; last.Stage != progress.Completed || last.RequestID != id {
		t.Errorf("expected completed event for %s, got %+v", id, last)
	}
}

func TestHandler_Prompts(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	c, rec := newEchoContext(http.MethodGet, "/api/v1/chat/prompts", "", "doc-1", access.RoleDoctor)
	if err := h.Prompts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Role    string   `json:"role"`
		Prompts []string `json:"prompts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Role != "doctor" || len(body.Prompts) == 0 {
		t.Errorf("expected doctor prompts, got %+v", body)
	}
}

func TestHandler_CancelUnknownTask(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())

	c, _ := newEchoContext(http.MethodDelete, "/api/v1/chat/tasks/nope", "", "pat-1", access.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues("nope")
	err := h.CancelTask(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_CancelRunningTask(t *testing.T) {
	f := newFixture(t)
	f.gen.block = true
	f.gen.started = make(chan struct{})
	h := NewHandler(f.svc, zerolog.Nop())

	id, events, err := f.svc.Start(asUser("pat-1", access.RolePatient), "show my lab results", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-f.gen.started

	c, rec := newEchoContext(http.MethodDelete, "/api/v1/chat/tasks/"+id, "", "pat-1", access.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.CancelTask(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	collect(t, events)
}

func TestHandler_AuditHistory(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, zerolog.Nop())
	for i := 0; i < 3; i++ {
		f.svc.Ask(asUser("pat-1", access.RolePatient), Request{Query: "show my lab results"})
	}

	c, rec := newEchoContext(http.MethodGet, "/api/v1/chat/audit/me?limit=2", "", "pat-1", access.RolePatient)
	if err := h.AuditHistory(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page pagination.Page[audit.Summary]
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Data) != 2 || !page.HasMore {
		t.Errorf("expected 2 rows with more, got %d (has_more=%v)", len(page.Data), page.HasMore)
	}
	if strings.Contains(rec.Body.String(), "lab results") {
		t.Error("history leaked query text")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind access.Kind
		want int
	}{
		{"", http.StatusOK},
		{access.KindIdentityInvalid, http.StatusUnauthorized},
		{access.KindScopeViolation, http.StatusForbidden},
		{access.KindConsentDenied, http.StatusForbidden},
		{access.KindDataAccessAmbiguous, http.StatusConflict},
		{access.KindCancelled, http.StatusConflict},
		{access.KindDataAccessTimeout, http.StatusGatewayTimeout},
		{access.KindGenerationTimeout, http.StatusGatewayTimeout},
		{access.KindGenerationError, http.StatusBadGateway},
		{access.KindResponseBlocked, http.StatusUnprocessableEntity},
		{access.KindAuditWriteFailed, http.StatusInternalServerError},
		{access.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%q): expected %d, got %d", tt.kind, tt.want, got)
		}
	}
}

func TestSuggestedPrompts_ReturnsCopy(t *testing.T) {
	p := SuggestedPrompts(access.RolePatient)
	if len(p) == 0 {
		t.Fatal("expected patient prompts")
	}
	p[0] = "changed"
	if SuggestedPrompts(access.RolePatient)[0] == "changed" {
		t.Error("expected a copy of the prompt list")
	}
}
