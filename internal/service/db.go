package service

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// PgDB is the Postgres-backed DB. Stores() runs against the pool; InTx rebinds
// every store to one pgx transaction so row locks span the whole closure.
type PgDB struct {
	db     *database.DB
	stores *storeSet
}

// NewPgDB wires the repositories over the connection pool.
func NewPgDB(db *database.DB) *PgDB {
	return &PgDB{db: db, stores: newStoreSet(db.Pool)}
}

// Stores returns pool-backed stores for non-transactional reads.
func (p *PgDB) Stores() Stores {
	return p.stores
}

// InTx runs fn with transaction-bound stores in one database transaction.
func (p *PgDB) InTx(ctx context.Context, fn func(s Stores) error) error {
	return p.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newStoreSet(tx))
	})
}

// storeSet binds every repository to one querier (pool or transaction).
type storeSet struct {
	workflows   *repository.WorkflowRepository
	versions    *repository.VersionRepository
	requests    *repository.RequestRepository
	actions     *repository.ActionRepository
	delegations *repository.DelegationRepository
	conditions  *repository.ConditionRepository
	parallel    *repository.ParallelRepository
	dynamic     *repository.DynamicRepository
	escalations *repository.EscalationRepository
}

func newStoreSet(q repository.Querier) *storeSet {
	return &storeSet{
		workflows:   repository.NewWorkflowRepository(q),
		versions:    repository.NewVersionRepository(q),
		requests:    repository.NewRequestRepository(q),
		actions:     repository.NewActionRepository(q),
		delegations: repository.NewDelegationRepository(q),
		conditions:  repository.NewConditionRepository(q),
		parallel:    repository.NewParallelRepository(q),
		dynamic:     repository.NewDynamicRepository(q),
		escalations: repository.NewEscalationRepository(q),
	}
}

func (s *storeSet) Workflows() WorkflowStore     { return s.workflows }
func (s *storeSet) Versions() VersionStore       { return s.versions }
func (s *storeSet) Requests() RequestStore       { return s.requests }
func (s *storeSet) Actions() ActionStore         { return s.actions }
func (s *storeSet) Delegations() DelegationStore { return s.delegations }
func (s *storeSet) Conditions() ConditionStore   { return s.conditions }
func (s *storeSet) Parallel() ParallelStore      { return s.parallel }
func (s *storeSet) Dynamic() DynamicStore        { return s.dynamic }
func (s *storeSet) Escalations() EscalationStore { return s.escalations }
