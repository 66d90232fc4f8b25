package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextFor("/?limit=1000"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(contextFor("/?offset=-5"))
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewPage_DropsProbeRow(t *testing.T) {
	p := Params{Limit: 2, Offset: 0}
	page := NewPage([]int{1, 2, 3}, p, "/api/v1/chat/audit/me")

	if len(page.Data) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page.Data))
	}
	if !page.HasMore {
		t.Error("expected has_more")
	}
	links := map[string]string{}
	for _, l := range page.Links {
		links[l.Relation] = l.URL
	}
	if links["next"] != "/api/v1/chat/audit/me?offset=2&limit=2" {
		t.Errorf("unexpected next link %q", links["next"])
	}
	if _, ok := links["previous"]; ok {
		t.Error("did not expect 'previous' link on first page")
	}
}

func TestNewPage_LastPage(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	page := NewPage([]string{"a"}, p, "/x")

	if page.HasMore {
		t.Error("expected no more pages")
	}
	links := map[string]string{}
	for _, l := range page.Links {
		links[l.Relation] = l.URL
	}
	if _, ok := links["next"]; ok {
		t.Error("did not expect 'next' link on last page")
	}
	if links["previous"] != "/x?offset=0&limit=10" {
		t.Errorf("unexpected previous link %q", links["previous"])
	}
}

func TestNewPage_EmptyEncodesArray(t *testing.T) {
	page := NewPage[int](nil, Params{Limit: 5}, "/x")
	data, err := json.Marshal(page)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(data, &raw)
	if string(raw["data"]) != "[]" {
		t.Errorf("expected empty array, got %s", raw["data"])
	}
}

func TestParams_PreviousOffset(t *testing.T) {
	tests := []struct {
		p    Params
		want int
	}{
		{Params{Limit: 10, Offset: 25}, 15},
		{Params{Limit: 10, Offset: 5}, 0},
		{Params{Limit: 10, Offset: 0}, 0},
	}
	for _, tt := range tests {
		if got := tt.p.PreviousOffset(); got != tt.want {
			t.Errorf("PreviousOffset(%+v): expected %d, got %d", tt.p, tt.want, got)
		}
	}
}
