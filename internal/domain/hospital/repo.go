package hospital

import "context"

type Repository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id string) (*Hospital, error)
	Update(ctx context.Context, h *Hospital) error
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
	ListAll(ctx context.Context) ([]*Hospital, error)
}
