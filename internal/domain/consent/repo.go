package consent

import (
	"context"

	"github.com/ehr/assistant/internal/domain/access"
)

// Store reads consent records. It is read-only to the pipeline.
type Store interface {
	// Lookup returns every record for subjectID that applies to category,
	// including blanket records stored under AnyCategory.
	Lookup(ctx context.Context, subjectID string, category access.Category) ([]Record, error)
}
