package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func strPtr(s string) *string { return &s }

func seedDelegation(t *testing.T, db *memDB, d repository.Delegation) {
	t.Helper()
	if d.EntityID == "" {
		d.EntityID = "ent1"
	}
	d.IsActive = true
	require.NoError(t, db.Stores().Delegations().Create(context.Background(), &d))
}

func TestDelegationCreateValidation(t *testing.T) {
	m := NewDelegationManager(newMemDB(), 5, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name string
		d    repository.Delegation
	}{
		{"missing from user", repository.Delegation{ToUserID: "bob", StartsAt: now}},
		{"missing to user", repository.Delegation{FromUserID: "alice", StartsAt: now}},
		{"self delegation", repository.Delegation{FromUserID: "alice", ToUserID: "alice", StartsAt: now}},
		{"ends before starts", repository.Delegation{FromUserID: "alice", ToUserID: "bob", StartsAt: now, EndsAt: &earlier}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.d
			err := m.Create(ctx, &d)
			assert.True(t, apperr.IsCode(err, apperr.ErrCodeInvalidInput))
		})
	}

	t.Run("valid delegation defaults to temporary and active", func(t *testing.T) {
		d := repository.Delegation{ID: "d1", EntityID: "ent1", FromUserID: "alice", ToUserID: "bob", StartsAt: now}
		require.NoError(t, m.Create(ctx, &d))
		assert.Equal(t, repository.DelegationTemporary, d.Type)
		assert.True(t, d.IsActive)
	})
}

func TestEffectiveApproverChain(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	started := now.Add(-time.Hour)

	t.Run("follows a chain transitively", func(t *testing.T) {
		db := newMemDB()
		m := NewDelegationManager(db, 5, zerolog.Nop())
		seedDelegation(t, db, repository.Delegation{ID: "d1", FromUserID: "alice", ToUserID: "bob", StartsAt: started})
		seedDelegation(t, db, repository.Delegation{ID: "d2", FromUserID: "bob", ToUserID: "carol", StartsAt: started})

		got, err := m.EffectiveApprover(ctx, db.Stores(), "ent1", "alice", now, DelegationScope{})
		require.NoError(t, err)
		assert.Equal(t, "carol", got)
	})

	t.Run("cycle falls back to the original approver", func(t *testing.T) {
		db := newMemDB()
		m := NewDelegationManager(db, 5, zerolog.Nop())
		seedDelegation(t, db, repository.Delegation{ID: "d1", FromUserID: "alice", ToUserID: "bob", StartsAt: started})
		seedDelegation(t, db, repository.Delegation{ID: "d2", FromUserID: "bob", ToUserID: "alice", StartsAt: started})

		got, err := m.EffectiveApprover(ctx, db.Stores(), "ent1", "alice", now, DelegationScope{})
		require.NoError(t, err)
		assert.Equal(t, "alice", got)
	})

	t.Run("over-deep chain falls back to the original approver", func(t *testing.T) {
		db := newMemDB()
		m := NewDelegationManager(db, 2, zerolog.Nop())
		seedDelegation(t, db, repository.Delegation{ID: "d1", FromUserID: "u0", ToUserID: "u1", StartsAt: started})
		seedDelegation(t, db, repository.Delegation{ID: "d2", FromUserID: "u1", ToUserID: "u2", StartsAt: started})
		seedDelegation(t, db, repository.Delegation{ID: "d3", FromUserID: "u2", ToUserID: "u3", StartsAt: started})

		got, err := m.EffectiveApprover(ctx, db.Stores(), "ent1", "u0", now, DelegationScope{})
		require.NoError(t, err)
		assert.Equal(t, "u0", got)
	})

	t.Run("no delegation returns the user unchanged", func(t *testing.T) {
		db := newMemDB()
		m := NewDelegationManager(db, 5, zerolog.Nop())
		got, err := m.EffectiveApprover(ctx, db.Stores(), "ent1", "dave", now, DelegationScope{})
		require.NoError(t, err)
		assert.Equal(t, "dave", got)
	})
}

func TestEffectiveApproverWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name     string
		startsAt time.Time
		endsAt   *time.Time
		want     string
	}{
		{"inside window", now.Add(-time.Hour), timePtr(now.Add(time.Hour)), "bob"},
		{"not started yet", now.Add(time.Hour), nil, "alice"},
		{"already ended", now.Add(-2 * time.Hour), timePtr(now.Add(-time.Hour)), "alice"},
		{"ends exactly now is over", now.Add(-time.Hour), &now, "alice"},
		{"open ended", now.Add(-time.Hour), nil, "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newMemDB()
			m := NewDelegationManager(db, 5, zerolog.Nop())
			seedDelegation(t, db, repository.Delegation{ID: "d1", FromUserID: "alice", ToUserID: "bob", StartsAt: tt.startsAt, EndsAt: tt.endsAt})

			got, err := m.EffectiveApprover(ctx, db.Stores(), "ent1", "alice", now, DelegationScope{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPickDelegationPrecedence(t *testing.T) {
	stepID := "step1"
	module := "purchase_order"
	role := "finance_manager"
	scope := DelegationScope{StepID: &stepID, Module: &module, Role: &role}

	stepScoped := &repository.Delegation{ID: "d-step", ToUserID: "step-user", StepID: strPtr("step1")}
	moduleScoped := &repository.Delegation{ID: "d-module", ToUserID: "module-user", Module: strPtr("purchase_order")}
	roleScoped := &repository.Delegation{ID: "d-role", ToUserID: "role-user", Role: strPtr("finance_manager")}
	unscoped := &repository.Delegation{ID: "d-any", ToUserID: "any-user"}
	otherStep := &repository.Delegation{ID: "d-other", ToUserID: "other-user", StepID: strPtr("step9")}

	tests := []struct {
		name string
		dels []*repository.Delegation
		want *repository.Delegation
	}{
		{"step beats module", []*repository.Delegation{moduleScoped, stepScoped}, stepScoped},
		{"module beats role", []*repository.Delegation{roleScoped, moduleScoped}, moduleScoped},
		{"role beats unscoped", []*repository.Delegation{unscoped, roleScoped}, roleScoped},
		{"unscoped as last resort", []*repository.Delegation{unscoped}, unscoped},
		{"non-matching step scope is skipped", []*repository.Delegation{otherStep, unscoped}, unscoped},
		{"nothing applies", []*repository.Delegation{otherStep}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickDelegation(tt.dels, scope))
		})
	}
}

func TestEffectiveApproversDedupes(t *testing.T) {
	db := newMemDB()
	m := NewDelegationManager(db, 5, zerolog.Nop())
	now := time.Now().UTC()
	started := now.Add(-time.Hour)

	seedDelegation(t, db, repository.Delegation{ID: "d1", FromUserID: "alice", ToUserID: "carol", StartsAt: started})
	seedDelegation(t, db, repository.Delegation{ID: "d2", FromUserID: "bob", ToUserID: "carol", StartsAt: started})

	got, err := m.EffectiveApprovers(context.Background(), db.Stores(), "ent1", []string{"alice", "bob", "dave"}, now, DelegationScope{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"carol", "dave"}, got)
}

func TestCheckAndAutoEnd(t *testing.T) {
	db := newMemDB()
	m := NewDelegationManager(db, 5, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	seedDelegation(t, db, repository.Delegation{ID: "expired", FromUserID: "alice", ToUserID: "bob", StartsAt: now.Add(-48 * time.Hour), EndsAt: timePtr(now.Add(-time.Hour))})
	seedDelegation(t, db, repository.Delegation{ID: "live", FromUserID: "carol", ToUserID: "dave", StartsAt: now.Add(-time.Hour), EndsAt: timePtr(now.Add(time.Hour))})
	seedDelegation(t, db, repository.Delegation{ID: "open", FromUserID: "erin", ToUserID: "frank", StartsAt: now.Add(-time.Hour)})

	n, err := m.CheckAndAutoEnd(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := db.Stores().Delegations().Get(ctx, "expired")
	require.NoError(t, err)
	assert.False(t, expired.IsActive)

	live, err := db.Stores().Delegations().Get(ctx, "live")
	require.NoError(t, err)
	assert.True(t, live.IsActive)
}

func timePtr(t time.Time) *time.Time { return &t }
