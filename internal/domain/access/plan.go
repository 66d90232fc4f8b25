package access

import "time"

// PlanEntry is one category of a Data Request Plan with the fields that may
// be read for it.
type PlanEntry struct {
	Category Category `json:"category"`
	Fields   []string `json:"fields"`
}

// Plan is the Data Request Plan. Entries are in priority order: the first
// entry is the category most relevant to the classified intents.
type Plan struct {
	Entries        []PlanEntry `json:"entries"`
	Subjects       []string    `json:"subjects,omitempty"`
	AggregationKey string      `json:"aggregation_key,omitempty"`
	Since          *time.Time  `json:"since,omitempty"`
}

// Empty reports whether the plan fetches nothing.
func (p Plan) Empty() bool { return len(p.Entries) == 0 }

func (p Plan) Categories() []Category {
	out := make([]Category, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.Category
	}
	return out
}

func (p Plan) Entry(c Category) (PlanEntry, bool) {
	for _, e := range p.Entries {
		if e.Category == c {
			return e, true
		}
	}
	return PlanEntry{}, false
}

func (p Plan) Has(c Category) bool {
	_, ok := p.Entry(c)
	return ok
}

// Allows reports whether field of category c is authorised by the plan.
func (p Plan) Allows(c Category, field string) bool {
	e, ok := p.Entry(c)
	if !ok {
		return false
	}
	for _, f := range e.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Without returns a copy of the plan minus the given categories.
func (p Plan) Without(drop ...Category) Plan {
	skip := make(map[Category]bool, len(drop))
	for _, c := range drop {
		skip[c] = true
	}
	out := p
	out.Entries = make([]PlanEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		if !skip[e.Category] {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}
