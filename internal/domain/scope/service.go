// Package scope resolves a verified identity claim into the authorization
// scope for one request.
package scope

import (
	"context"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

// DefaultRelationshipWindow bounds how far back an encounter still counts as
// an active care relationship.
const DefaultRelationshipWindow = 365 * 24 * time.Hour

// Resolver is the Scope Resolver.
type Resolver struct {
	src    RelationshipSource
	window time.Duration
	now    func() time.Time
}

func NewResolver(src RelationshipSource, window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultRelationshipWindow
	}
	return &Resolver{src: src, window: window, now: time.Now}
}

// Resolve maps claim to a scope descriptor. Doctor scopes are computed from
// the relationship source at call time.
func (r *Resolver) Resolve(ctx context.Context, claim access.Claim) (access.Scope, error) {
	if err := claim.Validate(); err != nil {
		return access.Scope{}, access.AtStage("scope", err)
	}
	at := r.now()

	switch claim.Role {
	case access.RolePatient:
		return access.NewPatientScope(claim.SubjectID, at), nil

	case access.RoleDoctor:
		ids, err := r.src.ActivePatientsForDoctor(ctx, claim.SubjectID, at.Add(-r.window))
		if err != nil {
			return access.Scope{}, access.AtStage("scope", access.Wrap(access.KindInternal, err, "relationship lookup failed"))
		}
		return access.NewDoctorScope(claim.SubjectID, ids, at), nil

	case access.RoleHospital:
		key, err := r.src.HospitalForAdmin(ctx, claim.SubjectID)
		if err != nil {
			return access.Scope{}, access.AtStage("scope", access.Wrap(access.KindInternal, err, "hospital lookup failed"))
		}
		if key == "" {
			key = claim.TenantID
		}
		if key == "" {
			return access.Scope{}, access.AtStage("scope", access.Errorf(access.KindIdentityInvalid, "no hospital recorded for administrator"))
		}
		return access.NewHospitalScope(claim.SubjectID, key, at), nil
	}
	return access.Scope{}, access.AtStage("scope", access.Errorf(access.KindIdentityInvalid, "unrecognized role"))
}
