package patient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepo is a thread-safe in-memory Repository. It enforces the same atomic
// email-uniqueness semantics as the PostgreSQL store by checking and claiming
// the email under a single lock, so it is a faithful reference implementation
// for tests and for running without a database.
type MemRepo struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
	emails   map[string]uuid.UUID // lowercased email -> owner
	order    []uuid.UUID          // insertion order for deterministic listing
}

// NewMemRepo creates a new empty in-memory repository.
func NewMemRepo() *MemRepo {
	return &MemRepo{
		patients: make(map[uuid.UUID]*Patient),
		emails:   make(map[string]uuid.UUID),
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *MemRepo) FindAll(_ context.Context) ([]*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patients := make([]*Patient, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.patients[id]; ok {
			cp := *p
			patients = append(patients, &cp)
		}
	}
	return patients, nil
}

func (r *MemRepo) FindByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemRepo) ExistsByEmail(_ context.Context, email string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.emails[emailKey(email)]
	return ok, nil
}

func (r *MemRepo) ExistsByEmailExcluding(_ context.Context, email string, id uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.emails[emailKey(email)]
	return ok && owner != id, nil
}

func (r *MemRepo) Create(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := emailKey(p.Email)
	if _, taken := r.emails[key]; taken {
		return ErrDuplicateEmail
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	r.patients[p.ID] = &cp
	r.emails[key] = p.ID
	r.order = append(r.order, p.ID)
	return nil
}

func (r *MemRepo) Update(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.patients[p.ID]
	if !ok {
		return ErrNotFound
	}

	key := emailKey(p.Email)
	if owner, taken := r.emails[key]; taken && owner != p.ID {
		return ErrDuplicateEmail
	}

	p.CreatedAt = prev.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	delete(r.emails, emailKey(prev.Email))
	cp := *p
	r.patients[p.ID] = &cp
	r.emails[key] = p.ID
	return nil
}

func (r *MemRepo) DeleteByID(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patients[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.emails, emailKey(p.Email))
	delete(r.patients, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
