package intent

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/ehr/assistant/internal/domain/access"
)

// keywords maps each intent to trigger terms. Multi-word terms match as
// substrings; single words match a token exactly or, for words of five or
// more letters, within one edit.
var keywords = []struct {
	intent access.Intent
	terms  []string
}{
	{access.IntentData, []string{
		"my", "show", "results", "result", "lab", "labs", "medication", "medications",
		"vitals", "blood pressure", "appointment", "appointments", "records", "history",
		"chart", "notes", "discharge", "encounter", "encounters", "visit", "visits",
		"diagnosis", "diagnoses", "care plan", "prescription", "prescriptions", "list",
		"what were", "latest", "recent",
	}},
	{access.IntentExplanation, []string{
		"what is", "what are", "what does", "explain", "meaning", "mean", "why",
		"how does", "definition", "tell me about", "understand",
	}},
	{access.IntentAnalytics, []string{
		"trend", "trends", "average", "statistics", "stats", "how many", "count",
		"compare", "over time", "percentage", "distribution", "total", "analytics",
		"metrics", "breakdown", "demographics",
	}},
	{access.IntentRecommendation, []string{
		"should i", "should he", "should she", "recommend", "recommendation", "suggest",
		"advice", "what can i do", "improve", "next step", "next steps", "treatment options",
		"adjust",
	}},
	{access.IntentAction, []string{
		"book", "schedule", "cancel", "reschedule", "refill", "order", "send", "remind",
		"update my", "create",
	}},
}

// selfReferences point a question at one person's own records.
var selfReferences = []string{"my", "me", "i", "mine", "myself"}

// Heuristic labels text with the deterministic keyword and fuzzy-match
// fallback. With no match it returns {explanation}, which yields no data
// fetch.
//
// A count or trend question that names a category ("how many appointments")
// is analytics, not a row-level read, unless something in it points at one
// person: a first-person word or an id.
func Heuristic(text string) access.IntentSet {
	lower := strings.ToLower(text)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	matched := make(map[access.Intent]bool)
	for _, k := range keywords {
		if matchesAny(lower, tokens, k.terms) {
			matched[k.intent] = true
		}
	}
	if matched[access.IntentAnalytics] && !pointsAtPerson(lower, tokens) {
		delete(matched, access.IntentData)
	}

	var labels []access.Intent
	for _, k := range keywords {
		if matched[k.intent] {
			labels = append(labels, k.intent)
		}
	}
	if len(labels) == 0 {
		return access.MustIntentSet(access.IntentExplanation)
	}
	return access.MustIntentSet(labels...)
}

func matchesAny(lower string, tokens, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(term, " ") {
			if strings.Contains(lower, term) {
				return true
			}
			continue
		}
		for _, tok := range tokens {
			if tok == term {
				return true
			}
			if len(term) >= 5 && len(tok) >= 5 && levenshtein.ComputeDistance(tok, term) <= 1 {
				return true
			}
		}
	}
	return false
}

// subjectID matches id-shaped tokens such as "pat-1" or "mrn123". Bare
// numbers ("last 30 days") do not count.
var subjectID = regexp.MustCompile(`\b[a-z]+-?\d+\b`)

func pointsAtPerson(lower string, tokens []string) bool {
	for _, tok := range tokens {
		for _, ref := range selfReferences {
			if tok == ref {
				return true
			}
		}
	}
	return subjectID.MatchString(lower)
}
