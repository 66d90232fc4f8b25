package deid

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Rules is the YAML rule set.
type Rules struct {
	MaskToken        string            `yaml:"mask_token"`
	MedicationFields []string          `yaml:"medication_fields"`
	MedicalDates     []string          `yaml:"medical_date_fields"`
	DirectFields     []string          `yaml:"direct_identifier_fields"`
	Quasi            []QuasiRule       `yaml:"quasi_identifiers"`
	RestrictedZip3   []string          `yaml:"restricted_zip3"`
	TextPatterns     map[string]string `yaml:"text_patterns"`
}

type QuasiRule struct {
	Field      string `yaml:"field"`
	Generalize string `yaml:"generalize"`
}

// LoadRules reads rules from path, or the embedded defaults when path is
// empty.
func LoadRules(path string) (*Rules, error) {
	data := defaultRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read deid rules: %w", err)
		}
		data = b
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse deid rules: %w", err)
	}
	if r.MaskToken == "" {
		r.MaskToken = "[REDACTED]"
	}
	return &r, nil
}

// DefaultRules returns the embedded rule set.
func DefaultRules() *Rules {
	r, err := LoadRules("")
	if err != nil {
		panic(err)
	}
	return r
}

type quasiMatcher struct {
	re   *regexp.Regexp
	kind string
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

type compiled struct {
	medication []*regexp.Regexp
	dates      []*regexp.Regexp
	direct     []*regexp.Regexp
	quasi      []quasiMatcher
	text       []namedPattern
	zip3       map[string]bool
}

func compileAll(pats []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(pats))
	for _, p := range pats {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (r *Rules) compile() (*compiled, error) {
	var c compiled
	var err error
	if c.medication, err = compileAll(r.MedicationFields); err != nil {
		return nil, err
	}
	if c.dates, err = compileAll(r.MedicalDates); err != nil {
		return nil, err
	}
	if c.direct, err = compileAll(r.DirectFields); err != nil {
		return nil, err
	}
	for _, q := range r.Quasi {
		switch q.Generalize {
		case "year", "zip3", "age90":
		default:
			return nil, fmt.Errorf("unknown generalization %q", q.Generalize)
		}
		re, err := regexp.Compile(q.Field)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", q.Field, err)
		}
		c.quasi = append(c.quasi, quasiMatcher{re: re, kind: q.Generalize})
	}
	names := make([]string, 0, len(r.TextPatterns))
	for n := range r.TextPatterns {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		re, err := regexp.Compile(r.TextPatterns[n])
		if err != nil {
			return nil, fmt.Errorf("compile text pattern %s: %w", n, err)
		}
		c.text = append(c.text, namedPattern{name: n, re: re})
	}
	c.zip3 = make(map[string]bool, len(r.RestrictedZip3))
	for _, z := range r.RestrictedZip3 {
		c.zip3[z] = true
	}
	return &c, nil
}
