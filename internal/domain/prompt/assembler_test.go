package prompt

import (
	"strings"
	"testing"

	"github.com/ehr/assistant/internal/domain/access"
)

func maskedBundle(labs, vitals int) access.Bundle {
	b := access.Bundle{Masked: true}
	var l, v []access.Record
	for i := 0; i < labs; i++ {
		l = append(l, access.Record{SubjectID: "subject-1", Category: access.CategoryLabs, Fields: map[string]string{
			"test_name": "HbA1c", "value": "6.1", "unit": "%", "draw_date": "2026-03-12",
		}})
	}
	for i := 0; i < vitals; i++ {
		v = append(v, access.Record{SubjectID: "subject-1", Category: access.CategoryVitals, Fields: map[string]string{
			"recorded_at": "2026-03-11", "blood_pressure": "128/82", "heart_rate": "72",
		}})
	}
	b.Sections = []access.Section{{Category: access.CategoryLabs, Records: l}, {Category: access.CategoryVitals, Records: v}}
	return b
}

func turns(n int) []Turn {
	out := make([]Turn, n)
	for i := range out {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = Turn{Role: role, Content: strings.Repeat("x", 100) + string(rune('a'+i))}
	}
	return out
}

func TestAssemble_WithinBudget(t *testing.T) {
	a := NewAssembler(20000, 6)
	ctx, err := a.Assemble(Input{
		Role:     access.RolePatient,
		Intents:  access.MustIntentSet(access.IntentData),
		Bundle:   maskedBundle(2, 1),
		History:  turns(2),
		Question: "what were my labs",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ctx.Records, "draw_date=2026-03-12") {
		t.Errorf("records missing draw_date: %s", ctx.Records)
	}
	msgs := ctx.Messages()
	if msgs[0].Role != "system" || msgs[len(msgs)-1].Content != "what were my labs" {
		t.Errorf("unexpected message layout %+v", msgs)
	}
	if len(msgs) != 4 {
		t.Errorf("expected 4 messages, got %d", len(msgs))
	}
}

func TestAssemble_TailTurns(t *testing.T) {
	a := NewAssembler(100000, 3)
	ctx, _ := a.Assemble(Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentExplanation), History: turns(5), Question: "q"})
	if len(ctx.History) != 3 || ctx.Truncated.HistoryDropped != 2 {
		t.Errorf("expected 3 turns kept and 2 dropped, got %d / %d", len(ctx.History), ctx.Truncated.HistoryDropped)
	}
	if ctx.History[0].Content != turns(5)[2].Content {
		t.Error("expected the most recent turns to be kept")
	}
}

func TestAssemble_HistoryTruncatedBeforeRecords(t *testing.T) {
	in := Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentData), Bundle: maskedBundle(3, 3), History: turns(4), Question: "labs?"}
	full, _ := NewAssembler(100000, 6).Assemble(in)
	budget := full.Size() - 150
	ctx, err := NewAssembler(budget, 6).Assemble(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Truncated.HistoryDropped != 2 {
		t.Errorf("expected 2 oldest turns dropped, got %d", ctx.Truncated.HistoryDropped)
	}
	if len(ctx.Truncated.RecordsDropped) != 0 {
		t.Errorf("records dropped before history exhausted: %v", ctx.Truncated.RecordsDropped)
	}
	if ctx.History[0].Content != in.History[2].Content {
		t.Error("expected oldest turns to be dropped first")
	}
}

func TestAssemble_RecordsTruncatedByPriority(t *testing.T) {
	in := Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentData), Bundle: maskedBundle(3, 3), Question: "labs?"}
	full, _ := NewAssembler(100000, 6).Assemble(in)
	budget := full.Size() - 100
	ctx, err := NewAssembler(budget, 6).Assemble(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Size() > budget {
		t.Errorf("context size %d over budget %d", ctx.Size(), budget)
	}
	if ctx.Truncated.RecordsDropped[access.CategoryLabs] != 0 {
		t.Error("highest-priority category dropped first")
	}
	if ctx.Truncated.RecordsDropped[access.CategoryVitals] == 0 {
		t.Error("expected vitals records to be dropped")
	}
	if strings.Count(ctx.Records, "HbA1c") != 3 {
		t.Errorf("expected all lab rows kept: %s", ctx.Records)
	}
}

func TestAssemble_EmptiedSectionSaysOmittedNotMissing(t *testing.T) {
	labsOnly, _ := NewAssembler(100000, 6).Assemble(Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentData), Bundle: maskedBundle(3, 0), Question: "labs?"})
	budget := labsOnly.Size() - len("vitals: no records found\n") + len("vitals: 3 record(s) omitted for length\n")

	in := Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentData), Bundle: maskedBundle(3, 3), Question: "labs?"}
	ctx, err := NewAssembler(budget, 6).Assemble(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Truncated.RecordsDropped[access.CategoryVitals] != 3 {
		t.Fatalf("expected all 3 vitals dropped, got %v", ctx.Truncated.RecordsDropped)
	}
	if strings.Contains(ctx.Records, "vitals: no records found") {
		t.Errorf("truncated section rendered as missing: %s", ctx.Records)
	}
	if !strings.Contains(ctx.Records, "vitals: 3 record(s) omitted for length") {
		t.Errorf("expected omission note, got: %s", ctx.Records)
	}
}

func TestRenderRecords_EmptySectionIsNotFound(t *testing.T) {
	if got := RenderRecords(maskedBundle(0, 0)); !strings.Contains(got, "labs: no records found") {
		t.Errorf("expected not-found line, got %q", got)
	}
}

func TestAssemble_BudgetTooSmall(t *testing.T) {
	_, err := NewAssembler(50, 6).Assemble(Input{Role: access.RoleDoctor, Intents: access.MustIntentSet(access.IntentData), Question: "q"})
	if err == nil {
		t.Error("expected error when instructions exceed budget")
	}
}

func TestAssemble_RefusesUnmasked(t *testing.T) {
	b := maskedBundle(1, 0)
	b.Masked = false
	_, err := NewAssembler(100000, 6).Assemble(Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentData), Bundle: b, Question: "q"})
	if err == nil {
		t.Error("expected unmasked bundle to be refused")
	}
}

func TestAssemble_PassagesOnlyForExplanation(t *testing.T) {
	ps := []Passage{{ID: "diabetes-1", Title: "Diabetes", Text: "Diabetes is a chronic condition."}}
	a := NewAssembler(100000, 6)
	ctx, _ := a.Assemble(Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentData), Passages: ps, Question: "q"})
	if ctx.Knowledge != "" {
		t.Error("passages merged for a non-explanation request")
	}
	ctx, _ = a.Assemble(Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentExplanation), Passages: ps, Question: "q"})
	if !strings.Contains(ctx.Knowledge, "chronic condition") {
		t.Error("expected passages for explanation")
	}
}

func TestSystemInstructions_HospitalForbidsIdentifiers(t *testing.T) {
	s := SystemInstructions(access.RoleHospital, access.MustIntentSet(access.IntentAnalytics), []access.Category{access.CategoryAggregateCounts})
	for _, want := range []string{"per-patient identifier", "note text", "aggregate_counts"} {
		if !strings.Contains(s, want) {
			t.Errorf("hospital instructions missing %q", want)
		}
	}
}

func TestWithoutHistory(t *testing.T) {
	ctx, _ := NewAssembler(100000, 6).Assemble(Input{Role: access.RolePatient, Intents: access.MustIntentSet(access.IntentExplanation), History: turns(2), Question: "q"})
	stripped := ctx.WithoutHistory()
	if len(stripped.History) != 0 || len(ctx.History) != 2 {
		t.Errorf("WithoutHistory must not mutate the original")
	}
}
