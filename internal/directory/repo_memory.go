package directory

import (
	"context"
	"sync"
	"time"

	"callpipeline/pkg/apperr"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-memory seller and buyer directory for tests and local runs.
type MemoryDirectory struct {
	mu      sync.Mutex
	sellers map[string]Seller // key: phone
	buyers  map[string]Buyer  // key: agency_id|phone
	clock   func() time.Time
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		sellers: map[string]Seller{},
		buyers:  map[string]Buyer{},
		clock:   time.Now,
	}
}

// AddSeller registers a seller; phone must already be canonical.
func (d *MemoryDirectory) AddSeller(s Seller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = d.clock().UTC()
	}
	d.sellers[s.Phone] = s
}

func (d *MemoryDirectory) FindByPhone(ctx context.Context, phone string) (Seller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sellers[phone]
	if !ok {
		return Seller{}, apperr.NotFound("seller not found")
	}
	return s, nil
}

func (d *MemoryDirectory) FindOrCreate(ctx context.Context, phone, agencyID string) (Buyer, error) {
	if phone == "" || agencyID == "" {
		return Buyer{}, apperr.Validation("buyer phone and agency are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := agencyID + "|" + phone
	if b, ok := d.buyers[key]; ok {
		return b, nil
	}
	b := Buyer{ID: uuid.NewString(), AgencyID: agencyID, Phone: phone, CreatedAt: d.clock().UTC()}
	d.buyers[key] = b
	return b, nil
}

func (d *MemoryDirectory) BuyerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buyers)
}
