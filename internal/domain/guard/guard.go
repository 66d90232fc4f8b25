// Package guard implements the Response Guard, an identifier and
// role-policy pass over generated text that runs independently of
// de-identification.
package guard

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/deid"
)

// DefaultMinLetters is the smallest amount of letter content a redacted
// answer must keep to still be returned.
const DefaultMinLetters = 20

var honorificName = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Mx|Dr)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)

type sentenceRule struct {
	name string
	re   *regexp.Regexp
}

// aggregateRules mark sentences carrying row-level clinical detail or
// individualized recommendations. They apply to hospital-scoped answers.
var aggregateRules = []sentenceRule{
	{"patient_reference", regexp.MustCompile(`(?i)\b(?:patient|pt)\s*(?:id\s*)?[#:]?\s*[a-z]*-?\d+\b`)},
	{"pseudonym", regexp.MustCompile(`(?i)\bsubject-\d+\b`)},
	{"individual_detail", regexp.MustCompile(`(?i)\b(?:his|her|their|the patient's)\s+(?:labs?|lab results?|blood pressure|a1c|hba1c|glucose|medications?|diagnos[ie]s|results?|chart|notes?|vitals)\b`)},
	{"individual_recommendation", regexp.MustCompile(`(?i)\b(?:you|he|she|they|the patient)\s+should\s+(?:take|start|stop|increase|decrease|continue|begin|switch)\b`)},
	{"dosing", regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(?:mg|mcg|g|ml|units?)\b[^.]*\b(?:once|twice|daily|bid|tid|qid|every)\b`)},
	{"note_text", regexp.MustCompile(`(?i)\b(?:clinical|progress|discharge)\s+notes?\s+(?:states?|says?|reads?|mentions?)\b|\baccording to (?:his|her|the patient's) (?:chart|notes?)\b`)},
}

// actionClaim marks sentences claiming an action was performed. The
// pipeline is read-only, so such claims are always false.
var actionClaim = sentenceRule{"action_claim", regexp.MustCompile(`(?i)\bI(?:'ve| have)?\s+(?:booked|scheduled|rescheduled|cancell?ed|ordered|refilled|sent)\b`)}

// Result is the guard's decision. Reasons hold rule names only.
type Result struct {
	Text       string   `json:"-"`
	Redactions int      `json:"redactions"`
	Reasons    []string `json:"reasons,omitempty"`
	Blocked    bool     `json:"blocked"`
}

type Guard struct {
	engine     *deid.Engine
	minLetters int
}

func NewGuard(engine *deid.Engine, minLetters int) *Guard {
	if minLetters <= 0 {
		minLetters = DefaultMinLetters
	}
	return &Guard{engine: engine, minLetters: minLetters}
}

// Validate sanitizes text. known carries identifier values from the raw
// bundle. When redaction leaves too little content, Blocked is set and Text
// is the fixed fallback message.
func (g *Guard) Validate(text string, sc access.Scope, intents access.IntentSet, known []string) Result {
	var res Result
	reason := func(name string) {
		for _, r := range res.Reasons {
			if r == name {
				return
			}
		}
		res.Reasons = append(res.Reasons, name)
	}
	token := g.engine.MaskToken()

	out, n := g.engine.ScrubText(text, known)
	if n > 0 {
		res.Redactions += n
		reason("identifier")
	}
	if hits := honorificName.FindAllStringIndex(out, -1); len(hits) > 0 {
		res.Redactions += len(hits)
		out = honorificName.ReplaceAllLiteralString(out, token)
		reason("personal_name")
	}

	var rules []sentenceRule
	if sc.Role() == access.RoleHospital {
		rules = append(rules, aggregateRules...)
	}
	if intents.Has(access.IntentAction) {
		rules = append(rules, actionClaim)
	}
	if len(rules) > 0 {
		var sb strings.Builder
		for _, s := range sentences(out) {
			hit := ""
			for _, r := range rules {
				if r.re.MatchString(s) {
					hit = r.name
					break
				}
			}
			if hit == "" {
				sb.WriteString(s)
				continue
			}
			res.Redactions++
			reason(hit)
			sb.WriteString(token)
			sb.WriteString(s[len(strings.TrimRight(s, " \t\n")):])
		}
		out = strings.TrimSpace(sb.String())
	}

	if letters(strings.ReplaceAll(out, token, "")) < g.minLetters {
		res.Blocked = true
		res.Text = access.KindResponseBlocked.PublicMessage()
		return res
	}
	res.Text = out
	return res
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// sentences splits s at newlines and at terminal punctuation followed by
// whitespace. Trailing whitespace stays with its sentence.
func sentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			out = append(out, s[start:i+1])
			start = i + 1
		case '.', '!', '?':
			j := i + 1
			for j < len(s) && (s[j] == '.' || s[j] == '!' || s[j] == '?') {
				j++
			}
			if j < len(s) && s[j] != ' ' && s[j] != '\t' && s[j] != '\n' {
				continue
			}
			for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
				j++
			}
			out = append(out, s[start:j])
			start = j
			i = j - 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
