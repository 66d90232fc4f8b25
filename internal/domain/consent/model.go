package consent

import (
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

// AnyCategory on a consent record covers every non-sensitive category. It is
// how a general HIPAA authorization is stored.
const AnyCategory access.Category = "*"

// Record is a consent grant or refusal read from the consent store.
type Record struct {
	SubjectID     string          `json:"subject_id"`
	Category      access.Category `json:"category"`
	Granted       bool            `json:"granted"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
}

// ActiveAt reports whether the record's effective window contains t.
func (r Record) ActiveAt(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !t.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// covers reports whether the record applies to category c.
func (r Record) covers(c access.Category) bool {
	if r.Category == c {
		return true
	}
	return r.Category == AnyCategory && !c.Sensitive()
}
