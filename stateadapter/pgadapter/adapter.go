package pgadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/rezkam/taskqueue"
	"github.com/rezkam/taskqueue/stateadapter"
)

type txKey struct{}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method below works whether or not RunInTransaction opened a unit of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Adapter is the Postgres-backed stateadapter.Adapter. Unlike memadapter's
// single in-process mutex, concurrent acquirers are serialized by Postgres
// row locks (SELECT ... FOR UPDATE SKIP LOCKED), so multiple Adapter
// instances across processes can safely share one database.
type Adapter struct {
	pool *pgxpool.Pool
	dsn  string
}

// New wraps an already-connected pool. dsn is kept only so MigrateToLatest
// can open the database/sql connection goose requires.
func New(pool *pgxpool.Pool, dsn string) *Adapter {
	return &Adapter{pool: pool, dsn: dsn}
}

func (a *Adapter) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return a.pool
}

func (a *Adapter) RunInTransaction(ctx context.Context, fn stateadapter.TxFunc) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx) // join the outer unit of work
	}

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("pgadapter: begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.ErrorContext(ctx, "pgadapter: failed to roll back transaction", "error", err)
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgadapter: commit transaction: %w", err)
	}
	return nil
}

func (a *Adapter) IsInTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}

func (a *Adapter) requireTx(ctx context.Context) error {
	if !a.IsInTransaction(ctx) {
		return taskqueue.ErrNotInTransaction
	}
	return nil
}

const jobColumns = `id, type_name, chain_id, chain_type_name, root_chain_id, origin_id, input, output,
	status, created_at, scheduled_at, completed_at, completed_by, attempt, last_attempt_at,
	last_attempt_err, leased_by, leased_until, deduplication_key`

func scanJob(row pgx.Row) (*taskqueue.Job, error) {
	var j taskqueue.Job
	err := row.Scan(
		&j.ID, &j.TypeName, &j.ChainID, &j.ChainTypeName, &j.RootChainID, &j.OriginID, &j.Input, &j.Output,
		&j.Status, &j.CreatedAt, &j.ScheduledAt, &j.CompletedAt, &j.CompletedBy, &j.Attempt, &j.LastAttemptAt,
		&j.LastAttemptErr, &j.LeasedBy, &j.LeasedUntil, &j.DeduplicationKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, taskqueue.ErrJobNotFound
		}
		return nil, fmt.Errorf("pgadapter: scan job: %w", err)
	}
	return &j, nil
}

func (a *Adapter) CreateJob(ctx context.Context, p stateadapter.CreateJobParams) (stateadapter.CreateJobResult, error) {
	if err := a.requireTx(ctx); err != nil {
		return stateadapter.CreateJobResult{}, err
	}
	q := a.q(ctx)

	if p.ChainID != "" && p.OriginID != nil {
		row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE chain_id = $1 AND origin_id = $2 LIMIT 1`,
			p.ChainID, *p.OriginID)
		if job, err := scanJob(row); err == nil {
			return stateadapter.CreateJobResult{Job: job, Deduplicated: true}, nil
		} else if !errors.Is(err, taskqueue.ErrJobNotFound) {
			return stateadapter.CreateJobResult{}, err
		}
	}

	nowRow := q.QueryRow(ctx, `SELECT now()`)
	var now time.Time
	if err := nowRow.Scan(&now); err != nil {
		return stateadapter.CreateJobResult{}, fmt.Errorf("pgadapter: read server time: %w", err)
	}

	// spec.md §8: Window == 0 means never deduplicate.
	if p.Deduplication != nil && p.Deduplication.Key != "" && p.Deduplication.Window != 0 {
		args := []any{p.Deduplication.Key}
		query := `SELECT ` + jobColumns + ` FROM jobs
			WHERE deduplication_key = $1 AND id = chain_id`
		if p.Deduplication.Scope == taskqueue.ScopeIncomplete {
			query += ` AND status <> 'completed'`
		}
		if p.Deduplication.Window > 0 {
			args = append(args, now.Add(-p.Deduplication.Window))
			query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
		}
		query += ` ORDER BY created_at DESC LIMIT 1`
		row := q.QueryRow(ctx, query, args...)
		if job, err := scanJob(row); err == nil {
			return stateadapter.CreateJobResult{Job: job, Deduplicated: true}, nil
		} else if !errors.Is(err, taskqueue.ErrJobNotFound) {
			return stateadapter.CreateJobResult{}, err
		}
	}

	id := uuid.Must(uuid.NewV7()).String()
	chainID := p.ChainID
	if chainID == "" {
		chainID = id
	}
	rootChainID := p.RootChainID
	if rootChainID == "" {
		rootChainID = chainID
	}

	scheduledAt := p.Schedule.ResolveAt(now)

	var dedupKey *string
	if p.Deduplication != nil && p.Deduplication.Key != "" {
		key := p.Deduplication.Key
		dedupKey = &key
	}

	_, err := q.Exec(ctx, `
		INSERT INTO jobs (id, type_name, chain_id, chain_type_name, root_chain_id, origin_id, input,
			status, created_at, scheduled_at, attempt, deduplication_key, deduplication_scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12)`,
		id, p.TypeName, chainID, p.ChainTypeName, rootChainID, p.OriginID, p.Input,
		taskqueue.StatusPending, now, scheduledAt, dedupKey, dedupScopeOf(p.Deduplication),
	)
	if err != nil {
		return stateadapter.CreateJobResult{}, fmt.Errorf("pgadapter: insert job: %w", err)
	}

	job := &taskqueue.Job{
		ID: id, TypeName: p.TypeName, ChainID: chainID, ChainTypeName: p.ChainTypeName,
		RootChainID: rootChainID, OriginID: p.OriginID, Input: p.Input,
		Status: taskqueue.StatusPending, CreatedAt: now, ScheduledAt: scheduledAt,
		DeduplicationKey: dedupKey,
	}
	return stateadapter.CreateJobResult{Job: job, Deduplicated: false}, nil
}

func dedupScopeOf(d *taskqueue.Deduplication) *string {
	if d == nil || d.Key == "" {
		return nil
	}
	scope := string(d.Scope)
	return &scope
}

func (a *Adapter) AddJobBlockers(ctx context.Context, jobID string, blockedByChainIDs []string) (stateadapter.AddJobBlockersResult, error) {
	if err := a.requireTx(ctx); err != nil {
		return stateadapter.AddJobBlockersResult{}, err
	}
	q := a.q(ctx)

	var startIndex int
	if err := q.QueryRow(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM job_blockers WHERE job_id = $1`, jobID).Scan(&startIndex); err != nil {
		return stateadapter.AddJobBlockersResult{}, fmt.Errorf("pgadapter: read blocker index: %w", err)
	}
	for i, chainID := range blockedByChainIDs {
		_, err := q.Exec(ctx, `INSERT INTO job_blockers (job_id, blocked_by_chain_id, idx) VALUES ($1, $2, $3)`,
			jobID, chainID, startIndex+i)
		if err != nil {
			return stateadapter.AddJobBlockersResult{}, fmt.Errorf("pgadapter: insert blocker: %w", err)
		}
	}

	incomplete, err := a.incompleteBlockerChains(ctx, jobID)
	if err != nil {
		return stateadapter.AddJobBlockersResult{}, err
	}
	if len(incomplete) > 0 {
		_, err := q.Exec(ctx, `UPDATE jobs SET status = $1 WHERE id = $2 AND status = $3`,
			taskqueue.StatusBlocked, jobID, taskqueue.StatusPending)
		if err != nil {
			return stateadapter.AddJobBlockersResult{}, fmt.Errorf("pgadapter: mark job blocked: %w", err)
		}
	}

	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return stateadapter.AddJobBlockersResult{}, err
	}
	return stateadapter.AddJobBlockersResult{Job: job, IncompleteBlockerChains: incomplete}, nil
}

func (a *Adapter) incompleteBlockerChains(ctx context.Context, jobID string) ([]string, error) {
	q := a.q(ctx)
	rows, err := q.Query(ctx, `SELECT blocked_by_chain_id FROM job_blockers WHERE job_id = $1 ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("pgadapter: query blockers: %w", err)
	}
	defer rows.Close()

	var chainIDs []string
	for rows.Next() {
		var chainID string
		if err := rows.Scan(&chainID); err != nil {
			return nil, fmt.Errorf("pgadapter: scan blocker: %w", err)
		}
		chainIDs = append(chainIDs, chainID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgadapter: iterate blockers: %w", err)
	}

	var incomplete []string
	for _, chainID := range chainIDs {
		terminal, err := a.chainTerminal(ctx, chainID)
		if err != nil {
			return nil, err
		}
		if !terminal {
			incomplete = append(incomplete, chainID)
		}
	}
	return incomplete, nil
}

func (a *Adapter) chainTerminal(ctx context.Context, chainID string) (bool, error) {
	q := a.q(ctx)
	row := q.QueryRow(ctx, `SELECT status, output FROM jobs WHERE chain_id = $1 ORDER BY created_at DESC LIMIT 1`, chainID)
	var status taskqueue.Status
	var output []byte
	if err := row.Scan(&status, &output); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("pgadapter: read chain terminal state: %w", err)
	}
	return status == taskqueue.StatusCompleted && output != nil, nil
}

func (a *Adapter) ScheduleBlockedJobs(ctx context.Context, blockedByChainID string) ([]*taskqueue.Job, error) {
	if err := a.requireTx(ctx); err != nil {
		return nil, err
	}
	q := a.q(ctx)

	rows, err := q.Query(ctx, `
		SELECT DISTINCT j.id FROM jobs j
		JOIN job_blockers b ON b.job_id = j.id
		WHERE b.blocked_by_chain_id = $1 AND j.status = $2`,
		blockedByChainID, taskqueue.StatusBlocked)
	if err != nil {
		return nil, fmt.Errorf("pgadapter: query blocked jobs: %w", err)
	}
	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgadapter: scan blocked job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgadapter: iterate blocked jobs: %w", err)
	}

	var transitioned []*taskqueue.Job
	for _, jobID := range jobIDs {
		incomplete, err := a.incompleteBlockerChains(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if len(incomplete) > 0 {
			continue
		}
		row := q.QueryRow(ctx, `
			UPDATE jobs SET status = $1, scheduled_at = now()
			WHERE id = $2 AND status = $3
			RETURNING `+jobColumns,
			taskqueue.StatusPending, jobID, taskqueue.StatusBlocked)
		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, taskqueue.ErrJobNotFound) {
				continue // raced with another transition; skip
			}
			return nil, err
		}
		transitioned = append(transitioned, job)
	}
	return transitioned, nil
}

func (a *Adapter) GetJobChainByID(ctx context.Context, chainID string) (*taskqueue.JobChain, error) {
	q := a.q(ctx)

	var root *taskqueue.Job
	rootRow := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, chainID)
	if j, err := scanJob(rootRow); err == nil {
		root = j
	} else if !errors.Is(err, taskqueue.ErrJobNotFound) {
		return nil, err
	}

	latestRow := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE chain_id = $1 ORDER BY created_at DESC LIMIT 1`, chainID)
	latest, err := scanJob(latestRow)
	if err != nil {
		if errors.Is(err, taskqueue.ErrJobNotFound) {
			return &taskqueue.JobChain{}, nil
		}
		return nil, err
	}
	return &taskqueue.JobChain{Root: root, Latest: latest}, nil
}

func (a *Adapter) GetJobBlockers(ctx context.Context, jobID string) ([]taskqueue.Blocker, error) {
	q := a.q(ctx)
	rows, err := q.Query(ctx, `SELECT job_id, blocked_by_chain_id, idx FROM job_blockers WHERE job_id = $1 ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("pgadapter: query blockers: %w", err)
	}
	defer rows.Close()

	var out []taskqueue.Blocker
	for rows.Next() {
		var b taskqueue.Blocker
		if err := rows.Scan(&b.JobID, &b.BlockedByChainID, &b.Index); err != nil {
			return nil, fmt.Errorf("pgadapter: scan blocker: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (a *Adapter) AcquireJob(ctx context.Context, typeNames []string) (stateadapter.AcquireJobResult, error) {
	if err := a.requireTx(ctx); err != nil {
		return stateadapter.AcquireJobResult{}, err
	}
	if len(typeNames) == 0 {
		return stateadapter.AcquireJobResult{}, nil
	}
	q := a.q(ctx)

	rows, err := q.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND type_name = ANY($2) AND scheduled_at <= now()
		ORDER BY scheduled_at ASC
		LIMIT 2
		FOR UPDATE SKIP LOCKED`,
		taskqueue.StatusPending, pq.Array(typeNames))
	if err != nil {
		return stateadapter.AcquireJobResult{}, fmt.Errorf("pgadapter: query acquirable jobs: %w", err)
	}
	var candidateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return stateadapter.AcquireJobResult{}, fmt.Errorf("pgadapter: scan candidate id: %w", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stateadapter.AcquireJobResult{}, fmt.Errorf("pgadapter: iterate candidates: %w", err)
	}
	if len(candidateIDs) == 0 {
		return stateadapter.AcquireJobResult{}, nil
	}

	row := q.QueryRow(ctx, `
		UPDATE jobs SET status = $1, attempt = attempt + 1
		WHERE id = $2
		RETURNING `+jobColumns,
		taskqueue.StatusRunning, candidateIDs[0])
	job, err := scanJob(row)
	if err != nil {
		return stateadapter.AcquireJobResult{}, err
	}
	return stateadapter.AcquireJobResult{Job: job, HasMore: len(candidateIDs) > 1}, nil
}

func (a *Adapter) GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (*int64, error) {
	if len(typeNames) == 0 {
		return nil, nil
	}
	q := a.q(ctx)
	var ms *int64
	err := q.QueryRow(ctx, `
		SELECT GREATEST(CEIL(EXTRACT(EPOCH FROM (scheduled_at - now())) * 1000), 0)::BIGINT
		FROM jobs
		WHERE status = $1 AND type_name = ANY($2)
		ORDER BY scheduled_at ASC
		LIMIT 1`,
		taskqueue.StatusPending, pq.Array(typeNames)).Scan(&ms)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgadapter: query next available job: %w", err)
	}
	return ms, nil
}

func (a *Adapter) RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	q := a.q(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE jobs SET status = $1, leased_by = $2, leased_until = now() + make_interval(secs => $3)
		WHERE id = $4`,
		taskqueue.StatusRunning, workerID, leaseDuration.Seconds(), jobID)
	if err != nil {
		return fmt.Errorf("pgadapter: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskqueue.ErrJobNotFound
	}
	return nil
}

func (a *Adapter) RescheduleJob(ctx context.Context, p stateadapter.RescheduleParams) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	q := a.q(ctx)

	row := q.QueryRow(ctx, `SELECT now()`)
	var now time.Time
	if err := row.Scan(&now); err != nil {
		return fmt.Errorf("pgadapter: read server time: %w", err)
	}
	scheduledAt := p.Schedule.ResolveAt(now)

	tag, err := q.Exec(ctx, `
		UPDATE jobs SET status = $1, leased_by = NULL, leased_until = NULL,
			scheduled_at = $2, last_attempt_at = now(), last_attempt_err = $3
		WHERE id = $4`,
		taskqueue.StatusPending, scheduledAt, p.Error, p.JobID)
	if err != nil {
		return fmt.Errorf("pgadapter: reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskqueue.ErrJobNotFound
	}
	return nil
}

func (a *Adapter) CompleteJob(ctx context.Context, jobID string, output []byte, workerID *string) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	q := a.q(ctx)

	var currentStatus taskqueue.Status
	if err := q.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&currentStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return taskqueue.ErrJobNotFound
		}
		return fmt.Errorf("pgadapter: read job status: %w", err)
	}
	if currentStatus == taskqueue.StatusCompleted {
		return taskqueue.ErrJobAlreadyCompleted
	}

	tag, err := q.Exec(ctx, `
		UPDATE jobs SET status = $1, completed_at = now(), completed_by = $2, output = $3,
			leased_by = NULL, leased_until = NULL
		WHERE id = $4`,
		taskqueue.StatusCompleted, workerID, output, jobID)
	if err != nil {
		return fmt.Errorf("pgadapter: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return taskqueue.ErrJobNotFound
	}
	return nil
}

func (a *Adapter) RemoveExpiredJobLease(ctx context.Context, typeNames []string, ignoredJobIDs []string) (*taskqueue.Job, error) {
	if err := a.requireTx(ctx); err != nil {
		return nil, err
	}
	if len(typeNames) == 0 {
		return nil, nil
	}
	q := a.q(ctx)

	ignored := ignoredJobIDs
	if ignored == nil {
		ignored = []string{}
	}
	row := q.QueryRow(ctx, `
		UPDATE jobs SET status = $1, scheduled_at = now(), leased_by = NULL, leased_until = NULL
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2 AND type_name = ANY($3) AND leased_until < now()
				AND NOT (id = ANY($4))
			ORDER BY leased_until ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		taskqueue.StatusPending, taskqueue.StatusRunning, pq.Array(typeNames), pq.Array(ignored))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, taskqueue.ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (a *Adapter) GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*taskqueue.Job, error) {
	q := a.q(ctx)
	rows, err := q.Query(ctx, `
		SELECT DISTINCT `+prefixColumns("j")+` FROM jobs j
		JOIN job_blockers b ON b.job_id = j.id
		JOIN jobs bj ON bj.chain_id = b.blocked_by_chain_id
		WHERE NOT (j.root_chain_id = ANY($1)) AND bj.root_chain_id = ANY($1)`,
		pq.Array(rootChainIDs))
	if err != nil {
		return nil, fmt.Errorf("pgadapter: query external blockers: %w", err)
	}
	defer rows.Close()

	var out []*taskqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func prefixColumns(alias string) string {
	cols := []string{"id", "type_name", "chain_id", "chain_type_name", "root_chain_id", "origin_id", "input", "output",
		"status", "created_at", "scheduled_at", "completed_at", "completed_by", "attempt", "last_attempt_at",
		"last_attempt_err", "leased_by", "leased_until", "deduplication_key"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func (a *Adapter) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	q := a.q(ctx)
	_, err := q.Exec(ctx, `DELETE FROM jobs WHERE root_chain_id = ANY($1)`, pq.Array(rootChainIDs))
	if err != nil {
		return fmt.Errorf("pgadapter: delete jobs by root chain: %w", err)
	}
	return nil
}

func (a *Adapter) GetJobForUpdate(ctx context.Context, jobID string) (*taskqueue.Job, error) {
	q := a.q(ctx)
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	return scanJob(row)
}

func (a *Adapter) GetCurrentJobForUpdate(ctx context.Context, chainID string) (*taskqueue.Job, error) {
	q := a.q(ctx)
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE chain_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, chainID)
	return scanJob(row)
}

var _ stateadapter.Adapter = (*Adapter)(nil)
