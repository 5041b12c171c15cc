package directory

import "time"

// Seller is an agency member whose phone identifies their calls.
type Seller struct {
	ID        string    `json:"id" db:"id"`
	AgencyID  string    `json:"agency_id" db:"agency_id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone" db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Buyer is a counterpart phone number, unique per agency.
type Buyer struct {
	ID        string    `json:"id" db:"id"`
	AgencyID  string    `json:"agency_id" db:"agency_id"`
	Phone     string    `json:"phone" db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
