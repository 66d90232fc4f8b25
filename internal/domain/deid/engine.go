// Package deid implements the De-identification Engine. Field handling is
// driven by a YAML rule set; the embedded default can be overridden by file.
package deid

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

// FieldClass is how a field is treated.
type FieldClass int

const (
	ClassOther FieldClass = iota
	ClassMedication
	ClassMedicalDate
	ClassDirectIdentifier
	ClassQuasiIdentifier
)

func (c FieldClass) String() string {
	switch c {
	case ClassMedication:
		return "medication"
	case ClassMedicalDate:
		return "medical_date"
	case ClassDirectIdentifier:
		return "direct_identifier"
	case ClassQuasiIdentifier:
		return "quasi_identifier"
	}
	return "other"
}

type Engine struct {
	rules *Rules
	c     *compiled
}

func NewEngine(r *Rules) (*Engine, error) {
	if r == nil {
		r = DefaultRules()
	}
	c, err := r.compile()
	if err != nil {
		return nil, fmt.Errorf("compile deid rules: %w", err)
	}
	return &Engine{rules: r, c: c}, nil
}

func (e *Engine) MaskToken() string { return e.rules.MaskToken }

// Classify returns the class of a field name and, for quasi identifiers,
// the generalization to apply.
func (e *Engine) Classify(field string) (FieldClass, string) {
	f := strings.ToLower(field)
	for _, re := range e.c.medication {
		if re.MatchString(f) {
			return ClassMedication, ""
		}
	}
	for _, re := range e.c.dates {
		if re.MatchString(f) {
			return ClassMedicalDate, ""
		}
	}
	for _, re := range e.c.direct {
		if re.MatchString(f) {
			return ClassDirectIdentifier, ""
		}
	}
	for _, q := range e.c.quasi {
		if q.re.MatchString(f) {
			return ClassQuasiIdentifier, q.kind
		}
	}
	return ClassOther, ""
}

// Mask produces the masked bundle. Only fields the plan authorizes survive;
// medication and medical date fields are copied unchanged, identifiers are
// masked or generalized, and remaining free text is scrubbed. Subject ids
// become stable pseudonyms. Mask is idempotent.
func (e *Engine) Mask(raw access.Bundle, plan access.Plan) access.Bundle {
	known := e.Identifiers(raw)
	pseudonyms := make(map[string]string)

	out := access.Bundle{Masked: true, Sections: make([]access.Section, 0, len(raw.Sections))}
	for _, s := range raw.Sections {
		if !plan.Has(s.Category) {
			continue
		}
		sec := access.Section{Category: s.Category, Records: make([]access.Record, 0, len(s.Records))}
		for _, r := range s.Records {
			rec := access.Record{
				Category:       r.Category,
				AggregationKey: r.AggregationKey,
				Fields:         make(map[string]string, len(r.Fields)),
			}
			if r.SubjectID != "" {
				rec.SubjectID = pseudonym(pseudonyms, r.SubjectID)
			}
			for k, v := range r.Fields {
				if !plan.Allows(s.Category, k) {
					continue
				}
				rec.Fields[k] = e.maskField(k, v, known)
			}
			sec.Records = append(sec.Records, rec)
		}
		out.Sections = append(out.Sections, sec)
	}
	return out
}

func pseudonym(seen map[string]string, id string) string {
	if strings.HasPrefix(id, "subject-") {
		seen[id] = id
		return id
	}
	if p, ok := seen[id]; ok {
		return p
	}
	p := "subject-" + strconv.Itoa(len(seen)+1)
	seen[id] = p
	return p
}

func (e *Engine) maskField(field, value string, known []string) string {
	class, kind := e.Classify(field)
	switch class {
	case ClassMedication, ClassMedicalDate:
		return value
	case ClassDirectIdentifier:
		if value == "" {
			return value
		}
		return e.rules.MaskToken
	case ClassQuasiIdentifier:
		return e.generalize(kind, value)
	}
	scrubbed, _ := e.ScrubText(value, known)
	return scrubbed
}

var yearPrefix = regexp.MustCompile(`^\d{4}`)

func (e *Engine) generalize(kind, value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return v
	}
	switch kind {
	case "year":
		for _, layout := range []string{"2006-01-02", "01/02/2006", time.RFC3339} {
			if t, err := time.Parse(layout, v); err == nil {
				return strconv.Itoa(t.Year())
			}
		}
		if m := yearPrefix.FindString(v); m != "" {
			return m
		}
	case "zip3":
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, v)
		if len(digits) >= 3 {
			z := digits[:3]
			if e.c.zip3[z] {
				z = "000"
			}
			return z + "**"
		}
	case "age90":
		if v == "90+" {
			return v
		}
		if n, err := strconv.Atoi(v); err == nil {
			if n > 89 {
				return "90+"
			}
			return v
		}
	}
	return e.rules.MaskToken
}

// Identifiers collects identifier values present anywhere in raw, including
// subject ids and fields the plan does not authorize. Name values also
// contribute their individual words. Longest values come first.
func (e *Engine) Identifiers(raw access.Bundle) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || v == e.rules.MaskToken || seen[strings.ToLower(v)] {
			return
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	for _, s := range raw.Sections {
		for _, r := range s.Records {
			if r.SubjectID != "" && !strings.HasPrefix(r.SubjectID, "subject-") {
				add(r.SubjectID)
			}
			for k, v := range r.Fields {
				if class, _ := e.Classify(k); class != ClassDirectIdentifier {
					continue
				}
				add(v)
				if strings.Contains(strings.ToLower(k), "name") {
					for _, part := range strings.Fields(v) {
						if len(part) >= 3 {
							add(part)
						}
					}
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// ScrubText masks known identifier values and every configured text pattern
// in s. It returns the scrubbed text and the number of replacements.
func (e *Engine) ScrubText(s string, known []string) (string, int) {
	n := 0
	for _, p := range e.c.text {
		hits := len(p.re.FindAllStringIndex(s, -1))
		if hits == 0 {
			continue
		}
		n += hits
		s = p.re.ReplaceAllLiteralString(s, e.rules.MaskToken)
	}
	for _, k := range known {
		re, err := regexp.Compile(`(?i)(^|[^\pL\pN])` + regexp.QuoteMeta(k) + `([^\pL\pN]|$)`)
		if err != nil {
			continue
		}
		for i := 0; i < 3; i++ {
			hits := len(re.FindAllStringIndex(s, -1))
			if hits == 0 {
				break
			}
			n += hits
			s = re.ReplaceAllString(s, "${1}"+e.rules.MaskToken+"${2}")
		}
	}
	return s, n
}

// Detect returns the names of text patterns present in s.
func (e *Engine) Detect(s string) []string {
	var out []string
	for _, p := range e.c.text {
		if p.re.MatchString(s) {
			out = append(out, p.name)
		}
	}
	return out
}
