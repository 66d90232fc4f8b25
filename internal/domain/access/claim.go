package access

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Claim is the verified identity supplied by the identity provider.
type Claim struct {
	SubjectID string    `json:"subject_id"`
	Role      Role      `json:"role"`
	TenantID  string    `json:"tenant_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Validate fails with KindIdentityInvalid when the claim is incomplete.
func (c Claim) Validate() error {
	if strings.TrimSpace(c.SubjectID) == "" {
		return Errorf(KindIdentityInvalid, "missing subject id")
	}
	if !c.Role.Valid() {
		return Errorf(KindIdentityInvalid, "missing or unrecognized role")
	}
	return nil
}

type claimKey struct{}

// WithClaim stores the verified claim in ctx.
func WithClaim(ctx context.Context, c Claim) context.Context {
	return context.WithValue(ctx, claimKey{}, c)
}

// ClaimFromContext returns the claim stored by WithClaim.
func ClaimFromContext(ctx context.Context) (Claim, bool) {
	c, ok := ctx.Value(claimKey{}).(Claim)
	return c, ok
}

// Aggregation is the granularity a scope may read at.
type Aggregation string

const (
	AggregationSubject   Aggregation = "subject"
	AggregationAggregate Aggregation = "aggregate"
)

// Scope is the authorization descriptor for one request. Fields are
// unexported so downstream stages can only read it.
type Scope struct {
	role           Role
	callerID       string
	subjectIDs     []string
	aggregationKey string
	resolvedAt     time.Time
}

// NewPatientScope returns a scope containing exactly the caller.
func NewPatientScope(patientID string, at time.Time) Scope {
	return Scope{role: RolePatient, callerID: patientID, subjectIDs: []string{patientID}, resolvedAt: at}
}

// NewDoctorScope returns a scope over the given related patients. Ids are
// deduplicated and sorted.
func NewDoctorScope(doctorID string, patientIDs []string, at time.Time) Scope {
	seen := make(map[string]bool, len(patientIDs))
	ids := make([]string, 0, len(patientIDs))
	for _, id := range patientIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Scope{role: RoleDoctor, callerID: doctorID, subjectIDs: ids, resolvedAt: at}
}

// NewHospitalScope returns an aggregate-only scope keyed by aggregationKey.
func NewHospitalScope(adminID, aggregationKey string, at time.Time) Scope {
	return Scope{role: RoleHospital, callerID: adminID, aggregationKey: aggregationKey, resolvedAt: at}
}

func (s Scope) Role() Role { return s.role }
func (s Scope) CallerID() string { return s.callerID }
func (s Scope) AggregationKey() string { return s.aggregationKey }
func (s Scope) ResolvedAt() time.Time { return s.resolvedAt }
func (s Scope) IsZero() bool { return !s.role.Valid() }

func (s Scope) SubjectIDs() []string {
	out := make([]string, len(s.subjectIDs))
	copy(out, s.subjectIDs)
	return out
}

func (s Scope) Contains(id string) bool {
	for _, v := range s.subjectIDs {
		if v == id {
			return true
		}
	}
	return false
}

func (s Scope) Aggregation() Aggregation {
	if s.role == RoleHospital {
		return AggregationAggregate
	}
	return AggregationSubject
}

// ScopeSnapshot is the serialisable form written to the audit log.
type ScopeSnapshot struct {
	Role           Role        `json:"role"`
	SubjectIDs     []string    `json:"subject_ids,omitempty"`
	AggregationKey string      `json:"aggregation_key,omitempty"`
	Aggregation    Aggregation `json:"aggregation"`
	ResolvedAt     time.Time   `json:"resolved_at"`
}

func (s Scope) Snapshot() ScopeSnapshot {
	return ScopeSnapshot{
		Role:           s.role,
		SubjectIDs:     s.SubjectIDs(),
		AggregationKey: s.aggregationKey,
		Aggregation:    s.Aggregation(),
		ResolvedAt:     s.resolvedAt,
	}
}
