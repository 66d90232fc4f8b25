package scope

import (
	"context"
	"time"
)

// RelationshipSource answers who a caller may see. Implementations read
// current state on every call; results must not be cached across requests.
type RelationshipSource interface {
	// ActivePatientsForDoctor returns the ids of patients with an encounter
	// involving doctorID on or after since, or an encounter still open.
	ActivePatientsForDoctor(ctx context.Context, doctorID string, since time.Time) ([]string, error)
	// HospitalForAdmin returns the aggregation key of the hospital an
	// administrator belongs to, or "" when none is recorded.
	HospitalForAdmin(ctx context.Context, adminID string) (string, error)
}
