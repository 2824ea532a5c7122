package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the durable patient store. Implementations must enforce the
// email-uniqueness invariant atomically at write time: Create and Update
// return ErrDuplicateEmail when a concurrent writer committed the same email
// between the caller's existence check and the write. FindByID and DeleteByID
// return ErrNotFound for unknown identifiers.
type Repository interface {
	FindAll(ctx context.Context) ([]*Patient, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByEmailExcluding(ctx context.Context, email string, id uuid.UUID) (bool, error)
	Create(ctx context.Context, p *Patient) error
	Update(ctx context.Context, p *Patient) error
	DeleteByID(ctx context.Context, id uuid.UUID) error
}
