//go:build integration

package planstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("planexec"),
		postgres.WithUsername("planexec"),
		postgres.WithPassword("planexec"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, runMigrations(db, "planexec"))

	s := NewPostgresStoreFromDB(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresRememberStepUpsertRespectsTransitions(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	step := planmodel.Step{ID: "s1", Action: "a", Tool: "t", Capability: "c", TimeoutSeconds: 5}
	opts := RememberStepOptions{InitialState: planmodel.StateQueued, IdempotencyKey: "p1:s1"}
	require.NoError(t, s.RememberStep(ctx, "p1", step, "trace-1", opts))
	require.NoError(t, s.SetState(ctx, "p1", "s1", planmodel.StateRunning, SetStateOptions{}))
	require.NoError(t, s.SetState(ctx, "p1", "s1", planmodel.StateCompleted, SetStateOptions{Summary: "done"}))

	// a replayed remember (duplicate delivery) must not regress the state
	require.NoError(t, s.RememberStep(ctx, "p1", step, "trace-1", opts))

	entry, err := s.GetEntry(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, planmodel.StateCompleted, entry.State)
	assert.Equal(t, "done", entry.Summary)
}

func TestPostgresSetStateRefusesIllegalTransition(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	step := planmodel.Step{ID: "s1", Action: "a", Tool: "t", Capability: "c", TimeoutSeconds: 5}
	require.NoError(t, s.RememberStep(ctx, "p1", step, "trace-1", RememberStepOptions{
		InitialState: planmodel.StateQueued, IdempotencyKey: "p1:s1",
	}))

	err := s.SetState(ctx, "p1", "s1", planmodel.StateCompleted, SetStateOptions{})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestPostgresActiveStepsAndApprovals(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	step := planmodel.Step{ID: "s1", Action: "a", Tool: "t", Capability: "repo.write", TimeoutSeconds: 5, ApprovalRequired: true}
	require.NoError(t, s.RememberStep(ctx, "p1", step, "trace-1", RememberStepOptions{
		InitialState: planmodel.StateWaitingApproval, IdempotencyKey: "p1:s1",
	}))

	active, err := s.ListActiveSteps(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, planmodel.StateWaitingApproval, active[0].State)

	require.NoError(t, s.RecordApproval(ctx, "p1", "s1", "repo.write", true))
	approvals, err := s.EnsureApprovals(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.True(t, approvals["repo.write"])
}

func TestPostgresPlanMetadataRoundTrip(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	md := planmodel.PlanMetadata{
		PlanID:  "p1",
		TraceID: "trace-1",
		Steps: []planmodel.PlanStepDescriptor{
			{Step: planmodel.Step{ID: "s1", Action: "a", Tool: "t", Capability: "c", TimeoutSeconds: 5}},
		},
		NextStepIndex:      1,
		LastCompletedIndex: 0,
	}
	require.NoError(t, s.RememberPlanMetadata(ctx, "p1", md))

	got, err := s.GetPlanMetadata(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, md.NextStepIndex, got.NextStepIndex)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "s1", got.Steps[0].Step.ID)

	require.NoError(t, s.ForgetPlanMetadata(ctx, "p1"))
	_, err = s.GetPlanMetadata(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}
