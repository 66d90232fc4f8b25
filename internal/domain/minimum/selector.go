// Package minimum implements the Minimum-Necessary Selector: it turns a
// scope and a classified intent set into the smallest Data Request Plan the
// intents justify.
package minimum

import (
	"context"
	"strings"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

// Directory resolves which in-scope subjects a free-text query refers to.
type Directory interface {
	// MatchNames returns the ids among candidates whose display name
	// appears in text.
	MatchNames(ctx context.Context, candidates []string, text string) ([]string, error)
}

type Selector struct {
	dir Directory
	now func() time.Time
}

// NewSelector returns a selector. dir may be nil, in which case doctors can
// only target patients by id.
func NewSelector(dir Directory) *Selector {
	return &Selector{dir: dir, now: time.Now}
}

// Select computes the plan. It returns ScopeViolation when any intent is
// forbidden for the role, or when the query names only categories the role
// may never read. An empty plan is a valid result.
func (s *Selector) Select(ctx context.Context, sc access.Scope, intents access.IntentSet, query string) (access.Plan, error) {
	role := sc.Role()
	if !role.Valid() {
		return access.Plan{}, access.AtStage("select", access.Errorf(access.KindIdentityInvalid, "scope has no role"))
	}
	for _, i := range intents.Labels() {
		if Forbidden(role, i) {
			return access.Plan{}, access.AtStage("select", access.Errorf(access.KindScopeViolation, "intent %s not permitted for role %s", i, role))
		}
	}

	mentioned := Mentioned(query)
	if role != access.RoleHospital && intents.Has(access.IntentData) && len(mentioned) > 0 {
		permitted := false
		for c := range mentioned {
			if access.Permits(role, c) {
				permitted = true
				break
			}
		}
		if !permitted {
			return access.Plan{}, access.AtStage("select", access.Errorf(access.KindScopeViolation, "requested categories not permitted for role %s", role))
		}
	}

	var entries []access.PlanEntry
	index := make(map[access.Category]int)
	for _, i := range intents.Labels() {
		for _, c := range CategoriesFor(role, i) {
			if len(mentioned) > 0 && !mentioned[c] && !c.Aggregate() {
				continue
			}
			if c.Sensitive() && !mentioned[c] {
				continue
			}
			if at, ok := index[c]; ok {
				entries[at].Fields = union(entries[at].Fields, fieldsFor(i, c))
				continue
			}
			index[c] = len(entries)
			entries = append(entries, access.PlanEntry{Category: c, Fields: fieldsFor(i, c)})
		}
	}

	plan := access.Plan{Entries: entries}
	if plan.Empty() {
		return plan, nil
	}

	switch role {
	case access.RolePatient:
		plan.Subjects = []string{sc.CallerID()}
	case access.RoleDoctor:
		targets, err := s.targets(ctx, sc, query)
		if err != nil {
			return access.Plan{}, access.AtStage("select", err)
		}
		if len(targets) == 0 {
			return access.Plan{}, nil
		}
		plan.Subjects = targets
	case access.RoleHospital:
		plan.AggregationKey = sc.AggregationKey()
	}
	plan.Since = Since(query, s.now())

	if err := access.CheckPlan(role, plan); err != nil {
		return access.Plan{}, access.AtStage("select", err)
	}
	return plan, nil
}

// targets picks the in-scope patients a doctor's query refers to: explicit
// id mentions first, then display names. It never defaults to an arbitrary
// patient.
func (s *Selector) targets(ctx context.Context, sc access.Scope, query string) ([]string, error) {
	ids := sc.SubjectIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	norm := normalize(query)
	var byID []string
	for _, id := range ids {
		if strings.Contains(norm, normalize(id)) {
			byID = append(byID, id)
		}
	}
	if len(byID) > 0 {
		return byID, nil
	}
	if s.dir == nil {
		return nil, nil
	}
	matched, err := s.dir.MatchNames(ctx, ids, query)
	if err != nil {
		return nil, access.Wrap(access.KindInternal, err, "subject lookup failed")
	}
	var out []string
	for _, id := range matched {
		if sc.Contains(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, f := range a {
		seen[f] = true
		out = append(out, f)
	}
	for _, f := range b {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
