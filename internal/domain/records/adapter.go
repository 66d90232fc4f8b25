// Package records implements the Data Access Adapter over a read-only
// records store.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

const defaultRowLimit = 50

// Adapter translates a Data Request Plan into store fetches and verifies
// every returned row is attributable to the plan's subjects.
type Adapter struct {
	store   Store
	timeout time.Duration
}

func NewAdapter(store Store, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{store: store, timeout: timeout}
}

// Fetch runs every plan entry in plan order under one deadline.
func (a *Adapter) Fetch(ctx context.Context, sc access.Scope, plan access.Plan) (access.Bundle, error) {
	if plan.Empty() {
		return access.Bundle{}, nil
	}
	if err := a.checkPlan(sc, plan); err != nil {
		return access.Bundle{}, access.AtStage("retrieve", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	bundle := access.Bundle{Sections: make([]access.Section, 0, len(plan.Entries))}
	for _, e := range plan.Entries {
		recs, err := a.FetchCategory(ctx, sc, plan, e.Category)
		if err != nil {
			return access.Bundle{}, err
		}
		bundle.Sections = append(bundle.Sections, access.Section{Category: e.Category, Records: recs})
	}
	return bundle, nil
}

// FetchCategory fetches a single category. It refuses categories the plan
// does not name.
func (a *Adapter) FetchCategory(ctx context.Context, sc access.Scope, plan access.Plan, c access.Category) ([]access.Record, error) {
	entry, ok := plan.Entry(c)
	if !ok {
		return nil, access.AtStage("retrieve", access.Errorf(access.KindScopeViolation, "category %s is not in the plan", c))
	}
	if err := a.checkPlan(sc, plan); err != nil {
		return nil, access.AtStage("retrieve", err)
	}

	q := Query{
		Category:       c,
		SubjectIDs:     append([]string(nil), plan.Subjects...),
		AggregationKey: plan.AggregationKey,
		Fields:         append([]string(nil), entry.Fields...),
		Since:          plan.Since,
		Limit:          defaultRowLimit,
	}
	recs, err := a.store.Fetch(ctx, q)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case errors.Is(err, ErrAmbiguous):
		return nil, access.AtStage("retrieve", access.Wrap(access.KindDataAccessAmbiguous, err, string(c)))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, access.AtStage("retrieve", access.Wrap(access.KindDataAccessTimeout, err, string(c)))
	case errors.Is(err, context.Canceled):
		return nil, access.AtStage("retrieve", access.Wrap(access.KindCancelled, err, string(c)))
	default:
		return nil, access.AtStage("retrieve", access.Wrap(access.KindInternal, err, fmt.Sprintf("fetch %s", c)))
	}

	subjects := make(map[string]bool, len(plan.Subjects))
	for _, id := range plan.Subjects {
		subjects[id] = true
	}
	for _, r := range recs {
		if r.Category != c {
			return nil, access.AtStage("retrieve", access.Errorf(access.KindDataAccessAmbiguous, "store returned %s rows for %s", r.Category, c))
		}
		if c.Aggregate() {
			if r.SubjectID != "" || r.AggregationKey != plan.AggregationKey {
				return nil, access.AtStage("retrieve", access.Errorf(access.KindDataAccessAmbiguous, "aggregate row not attributable to %s", plan.AggregationKey))
			}
			continue
		}
		if !subjects[r.SubjectID] {
			return nil, access.AtStage("retrieve", access.Errorf(access.KindDataAccessAmbiguous, "%s row not attributable to requested subjects", c))
		}
	}
	return recs, nil
}

// checkPlan re-verifies the plan against the scope. The selector already
// enforces this; the adapter does not trust its caller.
func (a *Adapter) checkPlan(sc access.Scope, plan access.Plan) error {
	if err := access.CheckPlan(sc.Role(), plan); err != nil {
		return err
	}
	for _, id := range plan.Subjects {
		if !sc.Contains(id) {
			return access.Errorf(access.KindScopeViolation, "subject outside resolved scope")
		}
	}
	if sc.Role() == access.RoleHospital {
		if len(plan.Subjects) > 0 || plan.AggregationKey != sc.AggregationKey() {
			return access.Errorf(access.KindScopeViolation, "hospital plan must be aggregate only")
		}
	} else if len(plan.Subjects) == 0 {
		return access.Errorf(access.KindScopeViolation, "plan has no subjects")
	}
	return nil
}
