package records

import (
	"context"

	"github.com/ehr/assistant/internal/domain/access"
)

// Store is the read-only records store.
type Store interface {
	Fetch(ctx context.Context, q Query) ([]access.Record, error)
	// DisplayNames returns display names keyed by subject id for the ids
	// that exist.
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}
