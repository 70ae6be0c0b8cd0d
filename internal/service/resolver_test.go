package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{
		roles:     map[string][]string{"finance_manager": {"fin1", "fin2"}},
		positions: map[string][]string{"director": {"dir1"}},
		managers:  map[string]string{"requester1": "mgr1"},
		heads:     map[string]string{"requester1": "head1"},
	}
	r := NewApproverResolver(identity, zerolog.Nop())
	r.RegisterCustom("vendor_owner", func(_ context.Context, _ *repository.ApprovalRequest) ([]string, error) {
		return []string{"owner1"}, nil
	})

	req := &repository.ApprovalRequest{EntityID: "ent1", RequesterID: "requester1"}

	tests := []struct {
		name string
		spec repository.ApproverSpec
		want []string
	}{
		{"user", repository.ApproverSpec{Kind: repository.ApproverUser, SubjectID: strPtr("alice")}, []string{"alice"}},
		{"role", repository.ApproverSpec{Kind: repository.ApproverRole, SubjectID: strPtr("finance_manager")}, []string{"fin1", "fin2"}},
		{"position", repository.ApproverSpec{Kind: repository.ApproverPosition, SubjectID: strPtr("director")}, []string{"dir1"}},
		{"manager of the requester", repository.ApproverSpec{Kind: repository.ApproverManager}, []string{"mgr1"}},
		{"department head of the requester", repository.ApproverSpec{Kind: repository.ApproverDepartmentHead}, []string{"head1"}},
		{"custom resolver", repository.ApproverSpec{Kind: repository.ApproverCustom, SubjectID: strPtr("vendor_owner")}, []string{"owner1"}},
		{"role with no holders", repository.ApproverSpec{Kind: repository.ApproverRole, SubjectID: strPtr("auditor")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.spec, req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("requester without a manager resolves empty", func(t *testing.T) {
		got, err := r.Resolve(ctx, repository.ApproverSpec{Kind: repository.ApproverManager},
			&repository.ApprovalRequest{EntityID: "ent1", RequesterID: "orphan"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	invalid := []struct {
		name string
		spec repository.ApproverSpec
	}{
		{"user without subject", repository.ApproverSpec{Kind: repository.ApproverUser}},
		{"role without subject", repository.ApproverSpec{Kind: repository.ApproverRole}},
		{"unregistered custom resolver", repository.ApproverSpec{Kind: repository.ApproverCustom, SubjectID: strPtr("nope")}},
		{"unknown kind", repository.ApproverSpec{Kind: "committee"}},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tt.spec, req)
			assert.True(t, apperr.IsCode(err, apperr.ErrCodeInvalidInput))
		})
	}
}

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	identity := &fakeIdentity{roles: map[string][]string{"finance_manager": {"fin1", "alice"}}}
	r := NewApproverResolver(identity, zerolog.Nop())
	req := &repository.ApprovalRequest{EntityID: "ent1", RequesterID: "requester1"}

	t.Run("resolves per spec with per-spec dedupe", func(t *testing.T) {
		specs := []repository.ApproverSpec{
			{ID: "s1", Kind: repository.ApproverUser, SubjectID: strPtr("alice")},
			{ID: "s2", Kind: repository.ApproverRole, SubjectID: strPtr("finance_manager")},
		}
		got, err := r.ResolveAll(ctx, specs, req)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, got["s1"])
		assert.Equal(t, []string{"alice", "fin1"}, got["s2"])
	})

	t.Run("one failing spec does not fail the step", func(t *testing.T) {
		specs := []repository.ApproverSpec{
			{ID: "s1", Kind: repository.ApproverUser},
			{ID: "s2", Kind: repository.ApproverUser, SubjectID: strPtr("bob")},
		}
		got, err := r.ResolveAll(ctx, specs, req)
		require.NoError(t, err)
		assert.Nil(t, got["s1"])
		assert.Equal(t, []string{"bob"}, got["s2"])
	})

	t.Run("all specs failing reports the step stuck", func(t *testing.T) {
		specs := []repository.ApproverSpec{
			{ID: "s1", Kind: repository.ApproverUser},
			{ID: "s2", Kind: "committee"},
		}
		_, err := r.ResolveAll(ctx, specs, req)
		assert.True(t, apperr.IsCode(err, apperr.ErrCodeStuck))
	})
}
