package planstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/codeready-toolchain/planexec/pkg/config"
	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is the shared relational Plan State Store backend: primary
// keys (plan_id) for metadata and (plan_id, step_id) for entries, a unique
// secondary index on idempotency_key, and RememberStep as an upsert whose
// state column only moves along the lifecycle graph.
type PostgresStore struct {
	db         *sql.DB
	subjectCap int
}

// NewPostgresStore opens a pooled connection, pings it, and applies the
// embedded migrations.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db, subjectCap: defaultRetainedSubjectCap}, nil
}

// NewPostgresStoreFromDB wraps an existing connection with migrations
// already applied (useful for testing).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, subjectCap: defaultRetainedSubjectCap}
}

// DB returns the underlying connection pool for collaborators that share it
// (the LISTEN/NOTIFY event bus, health checks).
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func runMigrations(db *sql.DB, database string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver; m.Close() would also close the shared
	// *sql.DB passed via WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// RememberPlanMetadata stores (or replaces) a plan's metadata.
func (s *PostgresStore) RememberPlanMetadata(ctx context.Context, planID string, md planmodel.PlanMetadata) error {
	steps, err := json.Marshal(md.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_metadata (plan_id, trace_id, request_id, steps, next_step_index, last_completed_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (plan_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			request_id = EXCLUDED.request_id,
			steps = EXCLUDED.steps,
			next_step_index = EXCLUDED.next_step_index,
			last_completed_index = EXCLUDED.last_completed_index,
			updated_at = now()`,
		planID, md.TraceID, md.RequestID, steps, md.NextStepIndex, md.LastCompletedIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to remember plan metadata: %w", err)
	}
	return nil
}

// GetPlanMetadata returns a plan's metadata.
func (s *PostgresStore) GetPlanMetadata(ctx context.Context, planID string) (*planmodel.PlanMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, request_id, steps, next_step_index, last_completed_index
		FROM plan_metadata WHERE plan_id = $1`, planID)

	md := planmodel.PlanMetadata{PlanID: planID}
	var steps []byte
	if err := row.Scan(&md.TraceID, &md.RequestID, &steps, &md.NextStepIndex, &md.LastCompletedIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get plan metadata: %w", err)
	}
	if err := json.Unmarshal(steps, &md.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return &md, nil
}

// ForgetPlanMetadata drops a plan's metadata.
func (s *PostgresStore) ForgetPlanMetadata(ctx context.Context, planID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plan_metadata WHERE plan_id = $1`, planID); err != nil {
		return fmt.Errorf("failed to forget plan metadata: %w", err)
	}
	return nil
}

// ListPlanMetadata returns every plan's metadata, sorted by plan id.
func (s *PostgresStore) ListPlanMetadata(ctx context.Context) ([]planmodel.PlanMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, trace_id, request_id, steps, next_step_index, last_completed_index
		FROM plan_metadata ORDER BY plan_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []planmodel.PlanMetadata
	for rows.Next() {
		var md planmodel.PlanMetadata
		var steps []byte
		if err := rows.Scan(&md.PlanID, &md.TraceID, &md.RequestID, &steps, &md.NextStepIndex, &md.LastCompletedIndex); err != nil {
			return nil, fmt.Errorf("failed to scan plan metadata: %w", err)
		}
		if err := json.Unmarshal(steps, &md.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

// rememberStepSQL upserts a step entry. The state column only moves along
// the lifecycle graph; attempt is non-decreasing; a terminal state never
// regresses. The whole rule runs in one statement so racing writers agree.
const rememberStepSQL = `
INSERT INTO step_entries (plan_id, step_id, idempotency_key, step, state, attempt,
                          created_at, trace_id, request_id, approvals, subject, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (idempotency_key) DO UPDATE SET
	attempt = GREATEST(step_entries.attempt, EXCLUDED.attempt),
	state = CASE
		WHEN step_entries.state = EXCLUDED.state THEN step_entries.state
		WHEN step_entries.state = 'waiting_approval' AND EXCLUDED.state IN ('queued', 'rejected') THEN EXCLUDED.state
		WHEN step_entries.state = 'queued' AND EXCLUDED.state = 'running' THEN EXCLUDED.state
		WHEN step_entries.state = 'running' AND EXCLUDED.state IN ('completed', 'failed', 'retrying') THEN EXCLUDED.state
		WHEN step_entries.state = 'retrying' AND EXCLUDED.state = 'queued' THEN EXCLUDED.state
		ELSE step_entries.state
	END,
	approvals = step_entries.approvals || EXCLUDED.approvals,
	subject = COALESCE(EXCLUDED.subject, step_entries.subject),
	created_at = EXCLUDED.created_at,
	updated_at = now()`

// RememberStep persists a step entry, idempotent by idempotency key.
func (s *PostgresStore) RememberStep(ctx context.Context, planID string, step planmodel.Step, traceID string, opts RememberStepOptions) error {
	entry := newEntry(planID, step, traceID, opts, time.Now())

	stepJSON, err := json.Marshal(entry.Step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	approvalsJSON, err := json.Marshal(entry.Approvals)
	if err != nil {
		return fmt.Errorf("failed to marshal approvals: %w", err)
	}
	var subjectJSON []byte
	if entry.Subject != nil {
		subjectJSON, err = json.Marshal(entry.Subject)
		if err != nil {
			return fmt.Errorf("failed to marshal subject: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, rememberStepSQL,
		planID, step.ID, entry.IdempotencyKey, stepJSON, string(entry.State), entry.Attempt,
		entry.CreatedAt, traceID, entry.RequestID, approvalsJSON, subjectJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to remember step: %w", err)
	}
	return nil
}

// SetState applies a lifecycle transition inside a row-locking transaction,
// refusing illegal ones.
func (s *PostgresStore) SetState(ctx context.Context, planID, stepID string, state planmodel.StepState, opts SetStateOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM step_entries WHERE plan_id = $1 AND step_id = $2 FOR UPDATE`,
		planID, stepID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read step state: %w", err)
	}

	if !planmodel.ValidTransition(planmodel.StepState(current), state) {
		return fmt.Errorf("%w: %s -> %s for %s:%s", ErrIllegalTransition, current, state, planID, stepID)
	}

	var outputJSON []byte
	if !opts.Output.IsNull() {
		outputJSON, err = json.Marshal(opts.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
	}
	attempt := -1
	if opts.Attempt != nil {
		attempt = *opts.Attempt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE step_entries SET
			state = $3,
			summary = CASE WHEN $4 <> '' THEN $4 ELSE summary END,
			output = COALESCE($5, output),
			attempt = GREATEST(attempt, $6),
			updated_at = now()
		WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID, string(state), opts.Summary, outputJSON, attempt,
	)
	if err != nil {
		return fmt.Errorf("failed to set step state: %w", err)
	}
	return tx.Commit()
}

// GetEntry returns one step's persisted entry.
func (s *PostgresStore) GetEntry(ctx context.Context, planID, stepID string) (*planmodel.PersistedStepEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, step_id, idempotency_key, step, state, attempt, created_at,
		       trace_id, request_id, approvals, subject, output, summary, updated_at
		FROM step_entries WHERE plan_id = $1 AND step_id = $2`, planID, stepID)
	entry, err := scanStepEntry(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get step entry: %w", err)
	}
	return entry, nil
}

// ForgetStep drops one step's entry.
func (s *PostgresStore) ForgetStep(ctx context.Context, planID, stepID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM step_entries WHERE plan_id = $1 AND step_id = $2`, planID, stepID); err != nil {
		return fmt.Errorf("failed to forget step: %w", err)
	}
	return nil
}

// ListActiveSteps returns every non-terminal entry.
func (s *PostgresStore) ListActiveSteps(ctx context.Context) ([]planmodel.PersistedStepEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, step_id, idempotency_key, step, state, attempt, created_at,
		       trace_id, request_id, approvals, subject, output, summary, updated_at
		FROM step_entries
		WHERE state NOT IN ('completed', 'failed', 'rejected')
		ORDER BY plan_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []planmodel.PersistedStepEntry
	for rows.Next() {
		entry, err := scanStepEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step entry: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// EnsureApprovals returns the step's approvals map, empty when no entry
// exists yet.
func (s *PostgresStore) EnsureApprovals(ctx context.Context, planID, stepID string) (map[string]bool, error) {
	var approvalsJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT approvals FROM step_entries WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID,
	).Scan(&approvalsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("failed to read approvals: %w", err)
	}
	approvals := map[string]bool{}
	if len(approvalsJSON) > 0 {
		if err := json.Unmarshal(approvalsJSON, &approvals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approvals: %w", err)
		}
	}
	return approvals, nil
}

// RecordApproval sets one capability's approval on the step entry.
func (s *PostgresStore) RecordApproval(ctx context.Context, planID, stepID, capability string, value bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_entries
		SET approvals = approvals || jsonb_build_object($3::text, $4::boolean), updated_at = now()
		WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID, capability, value,
	)
	if err != nil {
		return fmt.Errorf("failed to record approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearApprovals drops every approval from the step entry.
func (s *PostgresStore) ClearApprovals(ctx context.Context, planID, stepID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE step_entries SET approvals = '{}'::jsonb, updated_at = now()
		WHERE plan_id = $1 AND step_id = $2`, planID, stepID); err != nil {
		return fmt.Errorf("failed to clear approvals: %w", err)
	}
	return nil
}

// RetainSubject archives a plan's subject, evicting the oldest archived
// subjects beyond the cap.
func (s *PostgresStore) RetainSubject(ctx context.Context, planID string, subject planmodel.Subject) error {
	subjectJSON, err := json.Marshal(subject)
	if err != nil {
		return fmt.Errorf("failed to marshal subject: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO retained_subjects (plan_id, subject, retained_at)
		VALUES ($1, $2, now())
		ON CONFLICT (plan_id) DO UPDATE SET subject = EXCLUDED.subject, retained_at = now()`,
		planID, subjectJSON); err != nil {
		return fmt.Errorf("failed to retain subject: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM retained_subjects WHERE plan_id IN (
			SELECT plan_id FROM retained_subjects
			ORDER BY retained_at DESC OFFSET $1
		)`, s.subjectCap); err != nil {
		return fmt.Errorf("failed to bound retained subjects: %w", err)
	}
	return nil
}

// RetainedSubject returns an archived subject.
func (s *PostgresStore) RetainedSubject(ctx context.Context, planID string) (*planmodel.Subject, error) {
	var subjectJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT subject FROM retained_subjects WHERE plan_id = $1`, planID,
	).Scan(&subjectJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get retained subject: %w", err)
	}
	var subject planmodel.Subject
	if err := json.Unmarshal(subjectJSON, &subject); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retained subject: %w", err)
	}
	return &subject, nil
}

// ForgetRetainedSubject drops an archived subject.
func (s *PostgresStore) ForgetRetainedSubject(ctx context.Context, planID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM retained_subjects WHERE plan_id = $1`, planID); err != nil {
		return fmt.Errorf("failed to forget retained subject: %w", err)
	}
	return nil
}

// Sweep removes terminal entries not updated since cutoff, plus retained
// subjects whose plan no longer has entries or metadata. waiting_approval is
// exempt from age-based pruning.
func (s *PostgresStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM step_entries
		WHERE state IN ('completed', 'failed', 'rejected') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep step entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM retained_subjects r
		WHERE r.retained_at < $1
		  AND NOT EXISTS (SELECT 1 FROM step_entries e WHERE e.plan_id = r.plan_id)
		  AND NOT EXISTS (SELECT 1 FROM plan_metadata m WHERE m.plan_id = r.plan_id)`, cutoff); err != nil {
		return int(n), fmt.Errorf("failed to sweep retained subjects: %w", err)
	}
	return int(n), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanStepEntry(scan func(dest ...any) error) (*planmodel.PersistedStepEntry, error) {
	var entry planmodel.PersistedStepEntry
	var stepID, state string
	var stepJSON, approvalsJSON, subjectJSON, outputJSON []byte
	if err := scan(
		&entry.PlanID, &stepID, &entry.IdempotencyKey, &stepJSON, &state, &entry.Attempt,
		&entry.CreatedAt, &entry.TraceID, &entry.RequestID, &approvalsJSON, &subjectJSON,
		&outputJSON, &entry.Summary, &entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry.State = planmodel.StepState(state)
	if err := json.Unmarshal(stepJSON, &entry.Step); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	if len(approvalsJSON) > 0 {
		if err := json.Unmarshal(approvalsJSON, &entry.Approvals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approvals: %w", err)
		}
	}
	if len(subjectJSON) > 0 {
		entry.Subject = &planmodel.Subject{}
		if err := json.Unmarshal(subjectJSON, entry.Subject); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subject: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &entry.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	return &entry, nil
}
