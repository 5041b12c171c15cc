package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. It has no update or delete path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, job_id, call_record_id, task_id, from_status, to_status,
  actor_user_id, actor_role, ip_address, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	var callID sql.NullInt64
	if e.CallRecordID > 0 {
		callID = sql.NullInt64{Int64: e.CallRecordID, Valid: true}
	}
	metadata := e.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		nullString(e.JobID),
		callID,
		nullString(e.TaskID),
		nullString(e.FromStatus),
		nullString(e.ToStatus),
		nullString(e.ActorUserID),
		nullString(e.ActorRole),
		nullString(e.IPAddress),
		e.Message,
		metadata,
		e.CreatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
