package tenant

import (
	"context"
	"errors"
	"fmt"
)

// Guard turns an externally supplied tenant id into a Scope after checking the
// directory.
type Guard struct {
	dir Directory
}

// NewGuard constructs a guard over the directory.
func NewGuard(dir Directory) *Guard {
	return &Guard{dir: dir}
}

// Enter validates the tenant and returns its scope.
func (g *Guard) Enter(ctx context.Context, id string) (Scope, error) {
	scope, err := Bind(id)
	if err != nil {
		return Scope{}, err
	}
	t, err := g.dir.Get(ctx, scope.ID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Scope{}, fmt.Errorf("%w: %s", ErrNotFound, scope.ID())
		}
		return Scope{}, fmt.Errorf("load tenant: %w", err)
	}
	if t.Status != StatusActive {
		return Scope{}, fmt.Errorf("%w: %s", ErrInactive, scope.ID())
	}
	return scope, nil
}
