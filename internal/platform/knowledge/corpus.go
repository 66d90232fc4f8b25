// Package knowledge is the Knowledge Retriever: generic reference passages,
// never patient-specific, for explanation queries.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/prompt"
)

// DefaultTopK is the number of passages merged into a context.
const DefaultTopK = 3

type Audience string

const (
	AudiencePatient   Audience = "patient"
	AudienceClinician Audience = "clinician"
)

// AudienceFor picks the reading level for a role.
func AudienceFor(r access.Role) Audience {
	if r == access.RolePatient {
		return AudiencePatient
	}
	return AudienceClinician
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, audience Audience, k int) ([]prompt.Passage, error)
}

type Document struct {
	ID       string   `json:"doc_id"`
	Topic    string   `json:"topic"`
	Subtopic string   `json:"subtopic"`
	Audience Audience `json:"audience"`
	Source   string   `json:"source"`
	Text     string   `json:"text"`
}

func (d Document) passage() prompt.Passage {
	return prompt.Passage{ID: d.ID, Title: d.Topic + " / " + d.Subtopic, Text: d.Text, Source: d.Source}
}

// BuiltinCorpus is the reference set used when no vector store is configured.
func BuiltinCorpus() []Document {
	return []Document{
		{
			ID: "diabetes-1", Topic: "diabetes", Subtopic: "overview", Audience: AudiencePatient, Source: "CDC",
			Text: "Diabetes is a chronic health condition that affects how your body turns food into energy. Most of the food you eat is broken down into sugar (glucose) and released into your bloodstream. When your blood sugar goes up, it signals your pancreas to release insulin. Insulin acts like a key to let the blood sugar into your body's cells for use as energy.",
		},
		{
			ID: "diabetes-2", Topic: "diabetes", Subtopic: "types", Audience: AudiencePatient, Source: "CDC",
			Text: "There are three main types of diabetes: Type 1, Type 2, and gestational diabetes. Type 1 diabetes is caused by an autoimmune reaction that stops your body from making insulin. Type 2 diabetes occurs when your body doesn't use insulin well and can't keep blood sugar at normal levels. Gestational diabetes develops in pregnant women who have never had diabetes.",
		},
		{
			ID: "hypertension-1", Topic: "hypertension", Subtopic: "overview", Audience: AudiencePatient, Source: "Mayo Clinic",
			Text: "Hypertension, also known as high blood pressure, is a common condition in which the long-term force of the blood against your artery walls is high enough that it may eventually cause health problems, such as heart disease. Blood pressure is determined both by the amount of blood your heart pumps and the amount of resistance to blood flow in your arteries.",
		},
		{
			ID: "hypertension-2", Topic: "hypertension", Subtopic: "diagnosis", Audience: AudiencePatient, Source: "American Heart Association",
			Text: "Blood pressure readings are given as two numbers. The top number (systolic) is the pressure in your arteries when your heart beats. The bottom number (diastolic) is the pressure in your arteries when your heart rests between beats. Normal blood pressure is less than 120/80 mm Hg. Hypertension stage 1 is 130-139 or 80-89 mm Hg, and hypertension stage 2 is 140/90 mm Hg or higher.",
		},
		{
			ID: "diabetes-clinical-1", Topic: "diabetes", Subtopic: "diagnosis", Audience: AudienceClinician, Source: "American Diabetes Association",
			Text: "The diagnostic criteria for diabetes mellitus include: fasting plasma glucose ≥126 mg/dL (7.0 mmol/L), or 2-hour plasma glucose ≥200 mg/dL (11.1 mmol/L) during OGTT, or HbA1c ≥6.5% (48 mmol/mol), or random plasma glucose ≥200 mg/dL (11.1 mmol/L) in patients with classic symptoms of hyperglycemia. The test should be repeated to confirm the diagnosis unless unequivocal hyperglycemia is present.",
		},
		{
			ID: "hypertension-clinical-1", Topic: "hypertension", Subtopic: "diagnosis", Audience: AudienceClinician, Source: "ACC/AHA Guidelines",
			Text: "The 2017 ACC/AHA guidelines define hypertension as BP ≥130/80 mm Hg, while the ESC/ESH guidelines define it as BP ≥140/90 mm Hg. Initial evaluation should include assessment of cardiovascular risk factors, target organ damage, and secondary causes of hypertension. Ambulatory BP monitoring is recommended to confirm the diagnosis, identify white coat or masked hypertension, and evaluate BP control in treated patients.",
		},
	}
}

var stopwords = map[string]bool{
	"the": true, "and": true, "what": true, "does": true, "mean": true, "means": true,
	"for": true, "with": true, "are": true, "you": true, "your": true, "can": true,
	"how": true, "why": true, "this": true, "that": true, "about": true, "explain": true,
	"tell": true, "have": true, "has": true, "is": true, "my": true,
}

func terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// CorpusRetriever ranks an in-memory corpus by term overlap.
type CorpusRetriever struct {
	docs  []Document
	index []map[string]bool
}

func NewCorpusRetriever(docs []Document) *CorpusRetriever {
	r := &CorpusRetriever{docs: docs, index: make([]map[string]bool, len(docs))}
	for i, d := range docs {
		set := make(map[string]bool)
		for _, t := range terms(d.Topic + " " + d.Subtopic + " " + d.Text) {
			set[t] = true
		}
		r.index[i] = set
	}
	return r
}

func (r *CorpusRetriever) Retrieve(ctx context.Context, query string, audience Audience, k int) ([]prompt.Passage, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	type scored struct {
		i     int
		score int
	}
	var hits []scored
	q := terms(query)
	for i, d := range r.docs {
		if d.Audience != audience {
			continue
		}
		score := 0
		for _, t := range q {
			if r.index[i][t] {
				score++
			}
			if t == d.Topic {
				score += 2
			}
		}
		if score > 0 {
			hits = append(hits, scored{i, score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]prompt.Passage, len(hits))
	for j, h := range hits {
		out[j] = r.docs[h.i].passage()
	}
	return out, nil
}

// Fallback queries Primary and uses Secondary when it fails or finds nothing.
type Fallback struct {
	Primary   Retriever
	Secondary Retriever
}

func (f Fallback) Retrieve(ctx context.Context, query string, audience Audience, k int) ([]prompt.Passage, error) {
	ps, err := f.Primary.Retrieve(ctx, query, audience, k)
	if err == nil && len(ps) > 0 {
		return ps, nil
	}
	return f.Secondary.Retrieve(ctx, query, audience, k)
}
