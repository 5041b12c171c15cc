package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callpipeline/pkg/apperr"
	"callpipeline/pkg/utils"
)

// PostgresStore persists jobs and external tasks.
//
// Status transitions are a single conditional UPDATE on (status, attempt_count); the
// partial unique indexes on jobs and external_tasks back the one-active-job and
// one-pending-task invariants.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, call_record_id, status, s3_audio_url, start_time, end_time, attempt_count,
  last_error, current_stage, active_task_id, created_at, updated_at`

const taskColumns = `id, job_id, stage, attempt, external_task_id, outcome, superseded,
  result_ref, error, dispatched_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j         Job
		start     sql.NullTime
		end       sql.NullTime
		lastErr   sql.NullString
		stage     sql.NullString
		activeTID sql.NullString
	)
	if err := row.Scan(
		&j.ID,
		&j.CallRecordID,
		&j.Status,
		&j.S3AudioURL,
		&start,
		&end,
		&j.AttemptCount,
		&lastErr,
		&stage,
		&activeTID,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return Job{}, err
	}
	if start.Valid {
		j.StartTime = timePtr(start.Time.UTC())
	}
	if end.Valid {
		j.EndTime = timePtr(end.Time.UTC())
	}
	j.LastError = lastErr.String
	j.CurrentStage = Stage(stage.String)
	j.ActiveTaskID = activeTID.String
	return j, nil
}

func scanTask(row rowScanner) (ExternalTask, error) {
	var (
		t         ExternalTask
		extID     sql.NullString
		resultRef sql.NullString
		errText   sql.NullString
		completed sql.NullTime
	)
	if err := row.Scan(
		&t.ID,
		&t.JobID,
		&t.Stage,
		&t.Attempt,
		&extID,
		&t.Outcome,
		&t.Superseded,
		&resultRef,
		&errText,
		&t.DispatchedAt,
		&completed,
	); err != nil {
		return ExternalTask{}, err
	}
	t.ExternalTaskID = extID.String
	t.ResultRef = resultRef.String
	t.Error = errText.String
	if completed.Valid {
		t.CompletedAt = timePtr(completed.Time.UTC())
	}
	return t, nil
}

func (s *PostgresStore) Create(ctx context.Context, job Job) (Job, error) {
	q := `
INSERT INTO jobs (id, call_record_id, status, s3_audio_url, attempt_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING ` + jobColumns
	out, err := scanJob(s.db.QueryRowContext(ctx, q,
		job.ID,
		job.CallRecordID,
		job.Status,
		job.S3AudioURL,
		job.AttemptCount,
		job.CreatedAt,
		job.UpdatedAt,
	))
	if err != nil {
		if utils.IsUniqueViolation(err, "jobs_one_active_per_call") {
			return Job{}, apperr.Conflict("call record already has an active job")
		}
		if utils.IsUniqueViolation(err, "") {
			return Job{}, apperr.Conflict("job id already exists")
		}
		return Job{}, err
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, apperr.NotFound("job not found")
		}
		return Job{}, err
	}
	return j, nil
}

func (s *PostgresStore) ListForCall(ctx context.Context, callRecordID int64) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE call_record_id = $1 ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, callRecordID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) List(ctx context.Context, from, to time.Time) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE ($1::timestamptz IS NULL OR created_at >= $1)
  AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, cur, next Job) (Job, error) {
	q := `
UPDATE jobs SET
  status = $4, start_time = $5, end_time = $6, attempt_count = $7, last_error = $8, updated_at = $9
WHERE id = $1 AND status = $2 AND attempt_count = $3
RETURNING ` + jobColumns
	out, err := scanJob(s.db.QueryRowContext(ctx, q, swapArgs(cur, next)...))
	return s.swapResult(ctx, cur, out, err)
}

func (s *PostgresStore) Rearm(ctx context.Context, cur, next Job) (Job, error) {
	var out Job
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `
UPDATE jobs SET
  status = $4, start_time = $5, end_time = $6, attempt_count = $7, last_error = $8, updated_at = $9,
  current_stage = NULL, active_task_id = NULL
WHERE id = $1 AND status = $2 AND attempt_count = $3
RETURNING ` + jobColumns
		j, err := scanJob(tx.QueryRowContext(ctx, q, swapArgs(cur, next)...))
		if err != nil {
			return err
		}
		const supersedeQ = `UPDATE external_tasks SET superseded = TRUE WHERE job_id = $1 AND NOT superseded`
		if _, err := tx.ExecContext(ctx, supersedeQ, cur.ID); err != nil {
			return err
		}
		out = j
		return nil
	})
	return s.swapResult(ctx, cur, out, err)
}

func swapArgs(cur, next Job) []any {
	return []any{
		cur.ID,
		cur.Status,
		cur.AttemptCount,
		next.Status,
		next.StartTime,
		next.EndTime,
		next.AttemptCount,
		nullString(next.LastError),
		next.UpdatedAt,
	}
}

// swapResult maps a guarded UPDATE that matched no row to InvalidTransition.
func (s *PostgresStore) swapResult(ctx context.Context, cur, out Job, err error) (Job, error) {
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if utils.IsUniqueViolation(err, "jobs_one_active_per_call") {
			return Job{}, apperr.Conflict("call record already has an active job")
		}
		return Job{}, err
	}
	stored, gerr := s.Get(ctx, cur.ID)
	if gerr != nil {
		return Job{}, gerr
	}
	return Job{}, apperr.InvalidTransition("job changed concurrently: now " + string(stored.Status))
}

func (s *PostgresStore) ReassignCall(ctx context.Context, from, to int64) (int, error) {
	if from == to {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, reassignCallSQL, from, to)
	if err != nil {
		if utils.IsUniqueViolation(err, "jobs_one_active_per_call") {
			return 0, apperr.Conflict("call record already has an active job")
		}
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// reassignCallSQL moves jobs of call record $1 onto call record $2. An active job of
// $1 stays behind when $2 already has one, which keeps jobs_one_active_per_call
// satisfied.
const reassignCallSQL = `
UPDATE jobs SET call_record_id = $2
WHERE call_record_id = $1
  AND (status NOT IN ('init', 'in_progress')
    OR NOT EXISTS (
      SELECT 1 FROM jobs a WHERE a.call_record_id = $2 AND a.status IN ('init', 'in_progress')))`

func (s *PostgresStore) DeleteCompletedBefore(ctx context.Context, t time.Time) (int, error) {
	const q = `DELETE FROM jobs WHERE status = 'completed' AND end_time < $1`
	res, err := s.db.ExecContext(ctx, q, t)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ReserveTask(ctx context.Context, task ExternalTask) (ExternalTask, error) {
	var out ExternalTask
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const lockQ = `SELECT status, attempt_count FROM jobs WHERE id = $1 FOR UPDATE`
		var (
			status  Status
			attempt int
		)
		if err := tx.QueryRowContext(ctx, lockQ, task.JobID).Scan(&status, &attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("job not found")
			}
			return err
		}
		if status != StatusInProgress || attempt != task.Attempt {
			return apperr.InvalidTransition("job is not in progress on this attempt")
		}

		const supersedeQ = `
UPDATE external_tasks SET superseded = TRUE
WHERE job_id = $1 AND stage = $2 AND outcome = 'failed' AND NOT superseded
`
		if _, err := tx.ExecContext(ctx, supersedeQ, task.JobID, task.Stage); err != nil {
			return err
		}

		insertQ := `
INSERT INTO external_tasks (id, job_id, stage, attempt, outcome, superseded, dispatched_at)
VALUES ($1,$2,$3,$4,'pending',FALSE,$5)
RETURNING ` + taskColumns
		t, err := scanTask(tx.QueryRowContext(ctx, insertQ, task.ID, task.JobID, task.Stage, task.Attempt, task.DispatchedAt))
		if err != nil {
			if utils.IsUniqueViolation(err, "external_tasks_one_pending_per_stage") {
				return apperr.Conflict("a task is already pending for this stage")
			}
			return err
		}

		const pointQ = `UPDATE jobs SET current_stage = $2, active_task_id = $3, updated_at = $4 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, pointQ, task.JobID, task.Stage, t.ID, task.DispatchedAt); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *PostgresStore) AttachExternalID(ctx context.Context, taskID, externalID string) (ExternalTask, error) {
	q := `UPDATE external_tasks SET external_task_id = $2 WHERE id = $1 RETURNING ` + taskColumns
	t, err := scanTask(s.db.QueryRowContext(ctx, q, taskID, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExternalTask{}, apperr.NotFound("task not found")
		}
		if utils.IsUniqueViolation(err, "external_tasks_external_id_key") {
			return ExternalTask{}, apperr.Conflict("external task id already recorded")
		}
		return ExternalTask{}, err
	}
	return t, nil
}

func (s *PostgresStore) FindTask(ctx context.Context, ref string) (ExternalTask, error) {
	q := `SELECT ` + taskColumns + ` FROM external_tasks
WHERE id = $1 OR external_task_id = $1
ORDER BY (id = $1) DESC
LIMIT 1`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExternalTask{}, apperr.NotFound("task not found")
		}
		return ExternalTask{}, err
	}
	return t, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string, res TaskResult) (ExternalTask, bool, error) {
	q := `
UPDATE external_tasks t SET outcome = $2, result_ref = $3, error = $4, completed_at = $5
FROM jobs j
WHERE t.id = $1
  AND t.outcome = 'pending'
  AND NOT t.superseded
  AND j.id = t.job_id
  AND j.status = 'in_progress'
  AND j.active_task_id = t.id
RETURNING t.id, t.job_id, t.stage, t.attempt, t.external_task_id, t.outcome, t.superseded,
  t.result_ref, t.error, t.dispatched_at, t.completed_at`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, taskID, res.Outcome, nullString(res.ResultRef), nullString(res.Error), res.At))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ExternalTask{}, false, err
	}
	cur, gerr := s.FindTask(ctx, taskID)
	if gerr != nil {
		return ExternalTask{}, false, gerr
	}
	return cur, false, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, jobID string) ([]ExternalTask, error) {
	q := `SELECT ` + taskColumns + ` FROM external_tasks WHERE job_id = $1 ORDER BY dispatched_at, id`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExternalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
