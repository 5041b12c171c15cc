package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callpipeline/pkg/apperr"
	"callpipeline/pkg/utils"
)

// PostgresStore persists call records in the call_records table.
//
// Reconcile serializes per (seller, buyer phone) with a transaction-scoped advisory
// lock, so two counterpart events for one call never both insert.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, source, direction, agency_id, seller_id, buyer_id, seller_phone, buyer_phone,
  start_time, end_time, duration_seconds, telephony_call_id, mobile_call_id, recording_url,
  status, merged_into, settled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var (
		r         CallRecord
		endTime   sql.NullTime
		duration  sql.NullInt64
		telID     sql.NullString
		mobID     sql.NullString
		recording sql.NullString
		merged    sql.NullInt64
		settled   sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.Source,
		&r.Direction,
		&r.AgencyID,
		&r.SellerID,
		&r.BuyerID,
		&r.SellerPhone,
		&r.BuyerPhone,
		&r.StartTime,
		&endTime,
		&duration,
		&telID,
		&mobID,
		&recording,
		&r.Status,
		&merged,
		&settled,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	if endTime.Valid {
		r.EndTime = timePtr(endTime.Time.UTC())
	}
	if duration.Valid {
		r.DurationSeconds = intPtr(int(duration.Int64))
	}
	r.TelephonyCallID = telID.String
	r.MobileCallID = mobID.String
	r.RecordingURL = recording.String
	if merged.Valid {
		id := merged.Int64
		r.MergedInto = &id
	}
	if settled.Valid {
		r.SettledAt = timePtr(settled.Time.UTC())
	}
	r.StartTime = r.StartTime.UTC()
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]CallRecord, error) {
	defer rows.Close()
	var out []CallRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Reconcile(ctx context.Context, in CallRecord, q MatchQuery, decide DecideFunc) (CallRecord, Outcome, error) {
	var (
		out     CallRecord
		outcome Outcome
	)
	src := in.IngestSource()
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.AdvisoryXactLock(ctx, tx, utils.LockKey(in.SellerID, in.BuyerPhone)); err != nil {
			return err
		}

		existing, ok, err := findByRawIDTx(ctx, tx, src, in.RawID(src))
		if err != nil {
			return err
		}
		if ok {
			out, outcome = existing, OutcomeDuplicate
			return nil
		}

		cands, err := candidatesTx(ctx, tx, q, true)
		if err != nil {
			return err
		}
		if merged, ok := decide(cands); ok {
			if err := updateRecord(ctx, tx, merged); err != nil {
				return err
			}
			out, outcome = merged, OutcomeMerged
			return nil
		}

		created, err := insertRecord(ctx, tx, in)
		if err != nil {
			return err
		}
		out, outcome = created, OutcomeCreated
		return nil
	})
	if err != nil {
		// A concurrent delivery of the same raw event committed first.
		if utils.IsUniqueViolation(err, "") {
			existing, ok, ferr := s.FindByRawID(ctx, src, in.RawID(src))
			if ferr == nil && ok {
				return existing, OutcomeDuplicate, nil
			}
			return CallRecord{}, "", apperr.Conflict("external call id already stored")
		}
		return CallRecord{}, "", apperr.Wrap(apperr.KindInternal, "reconcile call record", err)
	}
	return out, outcome, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, apperr.NotFound("call record not found")
		}
		return CallRecord{}, err
	}
	return r, nil
}

func (s *PostgresStore) FindByRawID(ctx context.Context, src Source, rawID string) (CallRecord, bool, error) {
	var (
		out CallRecord
		ok  bool
	)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, ok, err = findByRawIDTx(ctx, tx, src, rawID)
		return err
	})
	return out, ok, err
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, status Status, now time.Time) (CallRecord, error) {
	const q = `
UPDATE call_records
SET status = $2, updated_at = $3
WHERE id = (SELECT COALESCE(merged_into, id) FROM call_records WHERE id = $1)
RETURNING ` + recordColumns
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, id, status, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, apperr.NotFound("call record not found")
		}
		return CallRecord{}, err
	}
	return r, nil
}

func (s *PostgresStore) SetRecording(ctx context.Context, id int64, url string, now time.Time) (CallRecord, error) {
	var out CallRecord
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + recordColumns + ` FROM call_records
WHERE id = (SELECT COALESCE(merged_into, id) FROM call_records WHERE id = $1)
FOR UPDATE`
		rec, err := scanRecord(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("call record not found")
			}
			return err
		}
		if rec.HasRecording() {
			if rec.RecordingURL == url {
				out = rec
				return nil
			}
			return apperr.Conflict("call record already has a recording")
		}
		rec.RecordingURL = url
		if rec.Status != StatusCompleted {
			rec.Status = StatusProcessing
		}
		rec.UpdatedAt = now
		if err := updateRecord(ctx, tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *PostgresStore) SettleUnmatched(ctx context.Context, createdBefore, now time.Time) (int, error) {
	const q = `
UPDATE call_records
SET settled_at = $2, updated_at = $2
WHERE source <> 'reconciled' AND merged_into IS NULL AND settled_at IS NULL AND created_at < $1
`
	res, err := s.db.ExecContext(ctx, q, createdBefore, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ListUnmatched(ctx context.Context, createdBefore time.Time, limit int) ([]CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records
WHERE source <> 'reconciled' AND merged_into IS NULL AND created_at < $1
ORDER BY id
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *PostgresStore) ListProvisional(ctx context.Context, src Source, limit int) ([]CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records
WHERE source = $1 AND merged_into IS NULL AND settled_at IS NULL
ORDER BY id
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, src, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *PostgresStore) Candidates(ctx context.Context, q MatchQuery) ([]CallRecord, error) {
	var out []CallRecord
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = candidatesTx(ctx, tx, q, false)
		return err
	})
	return out, err
}

func (s *PostgresStore) MergePair(ctx context.Context, aID, bID int64, merge PairMergeFunc, now time.Time) (CallRecord, error) {
	if aID == bID {
		return CallRecord{}, apperr.Validation("cannot merge a record into itself")
	}
	if bID < aID {
		aID, bID = bID, aID
	}

	var out CallRecord
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Ascending id order keeps two concurrent merges from deadlocking.
		q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = ANY($1) ORDER BY id FOR UPDATE`
		rows, err := tx.QueryContext(ctx, q, []int64{aID, bID})
		if err != nil {
			return err
		}
		locked, err := collectRecords(rows)
		if err != nil {
			return err
		}
		if len(locked) != 2 {
			return apperr.NotFound("call record not found")
		}
		keep, absorb := locked[0], locked[1]

		merged, err := merge(keep, absorb)
		if err != nil {
			return err
		}
		merged.ID = keep.ID
		merged.CreatedAt = keep.CreatedAt

		// Free the absorbed raw id before the survivor claims it.
		const absorbQ = `
UPDATE call_records
SET merged_into = $2, telephony_call_id = NULL, mobile_call_id = NULL, updated_at = $3
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, absorbQ, absorb.ID, keep.ID, now); err != nil {
			return err
		}
		if err := updateRecord(ctx, tx, merged); err != nil {
			return err
		}
		out = merged
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return CallRecord{}, err
		}
		return CallRecord{}, apperr.Wrap(apperr.KindInternal, "merge call records", err)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, from, to time.Time) ([]CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records
WHERE merged_into IS NULL
  AND ($1::timestamptz IS NULL OR start_time >= $1)
  AND ($2::timestamptz IS NULL OR start_time < $2)
ORDER BY start_time, id`
	rows, err := s.db.QueryContext(ctx, q, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func findByRawIDTx(ctx context.Context, tx *sql.Tx, src Source, rawID string) (CallRecord, bool, error) {
	if rawID == "" {
		return CallRecord{}, false, nil
	}
	column := "telephony_call_id"
	if src == SourceMobileApp {
		column = "mobile_call_id"
	}
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE ` + column + ` = $1`
	r, err := scanRecord(tx.QueryRowContext(ctx, q, rawID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, false, nil
		}
		return CallRecord{}, false, err
	}
	return r, true, nil
}

func candidatesTx(ctx context.Context, tx *sql.Tx, q MatchQuery, forUpdate bool) ([]CallRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM call_records
WHERE source = $1
  AND seller_id = $2
  AND buyer_phone = $3
  AND start_time BETWEEN $4 AND $5
  AND created_at >= $6
  AND merged_into IS NULL
  AND settled_at IS NULL
ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := tx.QueryContext(ctx, query, q.Source, q.SellerID, q.BuyerPhone, q.StartFrom, q.StartTo, q.CreatedAfter)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func insertRecord(ctx context.Context, tx *sql.Tx, r CallRecord) (CallRecord, error) {
	q := `
INSERT INTO call_records (
  source, direction, agency_id, seller_id, buyer_id, seller_phone, buyer_phone,
  start_time, end_time, duration_seconds, telephony_call_id, mobile_call_id, recording_url,
  status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
RETURNING ` + recordColumns
	return scanRecord(tx.QueryRowContext(ctx, q,
		r.Source,
		r.Direction,
		r.AgencyID,
		r.SellerID,
		r.BuyerID,
		r.SellerPhone,
		r.BuyerPhone,
		r.StartTime,
		r.EndTime,
		r.DurationSeconds,
		nullString(r.TelephonyCallID),
		nullString(r.MobileCallID),
		nullString(r.RecordingURL),
		r.Status,
		r.CreatedAt,
		r.UpdatedAt,
	))
}

func updateRecord(ctx context.Context, tx *sql.Tx, r CallRecord) error {
	const q = `
UPDATE call_records SET
  source = $2, direction = $3, start_time = $4, end_time = $5, duration_seconds = $6,
  telephony_call_id = $7, mobile_call_id = $8, recording_url = $9, status = $10, updated_at = $11
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q,
		r.ID,
		r.Source,
		r.Direction,
		r.StartTime,
		r.EndTime,
		r.DurationSeconds,
		nullString(r.TelephonyCallID),
		nullString(r.MobileCallID),
		nullString(r.RecordingURL),
		r.Status,
		r.UpdatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
