package tenant

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrMissingTenant = errors.New("tenant id is required")

// Context identifies the CRM tenant an operation runs for. It is passed
// explicitly into every core operation and scopes every storage query.
type Context struct {
	ID uuid.UUID
}

func New(id uuid.UUID) (Context, error) {
	if id == uuid.Nil {
		return Context{}, ErrMissingTenant
	}
	return Context{ID: id}, nil
}

func Parse(raw string) (Context, error) {
	if raw == "" {
		return Context{}, ErrMissingTenant
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Context{}, fmt.Errorf("parse tenant id: %w", err)
	}
	return New(id)
}

func (c Context) Valid() bool {
	return c.ID != uuid.Nil
}

func (c Context) String() string {
	return c.ID.String()
}
