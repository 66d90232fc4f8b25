package access

// Record is one row of category data. Subject records carry SubjectID;
// aggregate records carry AggregationKey and no SubjectID.
type Record struct {
	SubjectID      string            `json:"subject_id,omitempty"`
	AggregationKey string            `json:"aggregation_key,omitempty"`
	Category       Category          `json:"category"`
	Fields         map[string]string `json:"fields"`
}

func (r Record) Clone() Record {
	cp := r
	cp.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	return cp
}

// Section groups the records of one category.
type Section struct {
	Category Category `json:"category"`
	Records  []Record `json:"records"`
}

// Bundle is a set of category sections in plan order. A raw bundle comes
// from the Data Access Adapter; a masked bundle (Masked=true) comes from the
// De-identification Engine and has the same shape.
type Bundle struct {
	Sections []Section `json:"sections"`
	Masked   bool      `json:"masked"`
}

func (b Bundle) Section(c Category) (Section, bool) {
	for _, s := range b.Sections {
		if s.Category == c {
			return s, true
		}
	}
	return Section{}, false
}

// Len is the total record count across sections.
func (b Bundle) Len() int {
	n := 0
	for _, s := range b.Sections {
		n += len(s.Records)
	}
	return n
}

func (b Bundle) Clone() Bundle {
	out := Bundle{Masked: b.Masked, Sections: make([]Section, len(b.Sections))}
	for i, s := range b.Sections {
		recs := make([]Record, len(s.Records))
		for j, r := range s.Records {
			recs[j] = r.Clone()
		}
		out.Sections[i] = Section{Category: s.Category, Records: recs}
	}
	return out
}
