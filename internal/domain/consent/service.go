// Package consent implements the Consent Gate. The gate fails closed: a
// lookup error or a missing record is treated as no consent.
package consent

import (
	"context"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

// Gate checks consent for every category of a plan before any fetch.
type Gate struct {
	store Store
	now   func() time.Time
}

func NewGate(store Store) *Gate {
	return &Gate{store: store, now: time.Now}
}

// Session memoizes decisions for one request so each (subject, category)
// pair is looked up at most once.
type Session struct {
	gate      *Gate
	decisions map[decisionKey]bool
	lookups   int
}

type decisionKey struct {
	subject  string
	category access.Category
}

func (g *Gate) Session() *Session {
	return &Session{gate: g, decisions: make(map[decisionKey]bool)}
}

// Lookups is the number of store lookups this session has issued.
func (s *Session) Lookups() int { return s.lookups }

// Check returns ConsentDenied for the first plan category lacking an active
// grant for any planned subject.
//
// Exemptions: aggregate categories carry no individual data, and a patient
// reading their own non-sensitive records needs no separate authorization.
func (s *Session) Check(ctx context.Context, sc access.Scope, plan access.Plan) error {
	for _, c := range plan.Categories() {
		if c.Aggregate() {
			continue
		}
		for _, subject := range plan.Subjects {
			if sc.Role() == access.RolePatient && subject == sc.CallerID() && !c.Sensitive() {
				continue
			}
			if !s.allowed(ctx, subject, c) {
				return access.AtStage("consent", access.Errorf(access.KindConsentDenied, "no active consent for %s", c))
			}
		}
	}
	return nil
}

func (s *Session) allowed(ctx context.Context, subject string, c access.Category) bool {
	key := decisionKey{subject: subject, category: c}
	if d, ok := s.decisions[key]; ok {
		return d
	}
	s.lookups++
	recs, err := s.gate.store.Lookup(ctx, subject, c)
	d := err == nil && decide(recs, c, s.gate.now())
	s.decisions[key] = d
	return d
}

// decide grants only when an active grant covers c and no active refusal
// does. Sensitive categories ignore blanket grants.
func decide(recs []Record, c access.Category, at time.Time) bool {
	granted := false
	for _, r := range recs {
		if !r.covers(c) || !r.ActiveAt(at) {
			continue
		}
		if !r.Granted {
			return false
		}
		granted = true
	}
	return granted
}
