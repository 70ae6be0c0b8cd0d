package service

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// ApproverResolver turns abstract approver specifications into concrete user
// ids. Identity lookups go through the injected provider; custom variants
// dispatch to host-registered resolver functions.
type ApproverResolver struct {
	identity IdentityProvider
	custom   map[string]CustomResolverFunc
	log      zerolog.Logger
}

// NewApproverResolver creates an ApproverResolver.
func NewApproverResolver(identity IdentityProvider, log zerolog.Logger) *ApproverResolver {
	return &ApproverResolver{
		identity: identity,
		custom:   make(map[string]CustomResolverFunc),
		log:      log,
	}
}

// RegisterCustom registers a named custom resolver. Later registrations with
// the same name replace earlier ones.
func (r *ApproverResolver) RegisterCustom(name string, fn CustomResolverFunc) {
	r.custom[name] = fn
}

// Resolve returns the user ids a spec designates for a request. An empty
// result is not an error here — the engine treats it as a stuck step. Provider
// failures propagate so the engine can distinguish "nobody" from "unreachable".
func (r *ApproverResolver) Resolve(ctx context.Context, spec repository.ApproverSpec, req *repository.ApprovalRequest) ([]string, error) {
	switch spec.Kind {
	case repository.ApproverUser:
		if spec.SubjectID == nil || *spec.SubjectID == "" {
			return nil, apperr.InvalidInput("subject_id", "user approver requires a user id")
		}
		return []string{*spec.SubjectID}, nil

	case repository.ApproverRole:
		if spec.SubjectID == nil {
			return nil, apperr.InvalidInput("subject_id", "role approver requires a role name")
		}
		return r.identity.UsersWithRole(ctx, req.EntityID, *spec.SubjectID)

	case repository.ApproverManager:
		manager, err := r.identity.ManagerOf(ctx, req.EntityID, req.RequesterID)
		if err != nil {
			return nil, err
		}
		if manager == "" {
			return nil, nil
		}
		return []string{manager}, nil

	case repository.ApproverDepartmentHead:
		head, err := r.identity.DepartmentHeadOf(ctx, req.EntityID, req.RequesterID)
		if err != nil {
			return nil, err
		}
		if head == "" {
			return nil, nil
		}
		return []string{head}, nil

	case repository.ApproverPosition:
		if spec.SubjectID == nil {
			return nil, apperr.InvalidInput("subject_id", "position approver requires a position name")
		}
		return r.identity.UsersWithPosition(ctx, req.EntityID, *spec.SubjectID)

	case repository.ApproverCustom:
		if spec.SubjectID == nil {
			return nil, apperr.InvalidInput("subject_id", "custom approver requires a resolver name")
		}
		fn, ok := r.custom[*spec.SubjectID]
		if !ok {
			return nil, apperr.Newf(apperr.ErrCodeInvalidInput, "custom resolver %q not registered", *spec.SubjectID)
		}
		return fn(ctx, req)
	}

	return nil, apperr.Newf(apperr.ErrCodeInvalidInput, "unknown approver kind %q", spec.Kind)
}

// ResolveAll resolves every spec of a step, deduplicated per spec. Specs whose
// provider call fails resolve empty and are reported; only a total failure
// (every spec errored) propagates an error.
func (r *ApproverResolver) ResolveAll(ctx context.Context, specs []repository.ApproverSpec, req *repository.ApprovalRequest) (map[string][]string, error) {
	out := make(map[string][]string, len(specs))
	failures := 0
	var lastErr error

	for _, spec := range specs {
		users, err := r.Resolve(ctx, spec, req)
		if err != nil {
			failures++
			lastErr = err
			r.log.Warn().Err(err).
				Str("spec_id", spec.ID).
				Str("kind", string(spec.Kind)).
				Str("request_id", req.ID).
				Msg("approver spec resolution failed")
			out[spec.ID] = nil
			continue
		}
		out[spec.ID] = dedupe(users)
	}

	if len(specs) > 0 && failures == len(specs) {
		return out, apperr.Wrap(lastErr, apperr.ErrCodeStuck, "no approver spec could be resolved")
	}
	return out, nil
}

func dedupe(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	var out []string
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
