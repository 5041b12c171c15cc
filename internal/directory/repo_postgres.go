package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callpipeline/pkg/apperr"

	"github.com/google/uuid"
)

// PostgresDirectory resolves sellers and buyers from the sellers/buyers tables.
type PostgresDirectory struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db, clock: time.Now}
}

func (d *PostgresDirectory) FindByPhone(ctx context.Context, phone string) (Seller, error) {
	const q = `
SELECT id, agency_id, name, phone, created_at
FROM sellers
WHERE phone = $1
`
	var s Seller
	if err := d.db.QueryRowContext(ctx, q, phone).Scan(&s.ID, &s.AgencyID, &s.Name, &s.Phone, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Seller{}, apperr.NotFound("seller not found")
		}
		return Seller{}, err
	}
	return s, nil
}

// FindOrCreate is idempotent per (phone, agency): concurrent callers converge on one row.
func (d *PostgresDirectory) FindOrCreate(ctx context.Context, phone, agencyID string) (Buyer, error) {
	if phone == "" || agencyID == "" {
		return Buyer{}, apperr.Validation("buyer phone and agency are required")
	}
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	const q = `
INSERT INTO buyers (id, agency_id, phone, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (phone, agency_id)
DO UPDATE SET phone = EXCLUDED.phone
RETURNING id, agency_id, phone, created_at
`
	var b Buyer
	if err := d.db.QueryRowContext(ctx, q, uuid.NewString(), agencyID, phone, d.clock().UTC()).Scan(
		&b.ID,
		&b.AgencyID,
		&b.Phone,
		&b.CreatedAt,
	); err != nil {
		return Buyer{}, err
	}
	return b, nil
}
