package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound indicates that no visible record matched the query.
var ErrNotFound = errors.New("store: record not found")

// Accessor is the read layer over tracked records. Queries exclude
// soft-deleted rows unless IncludeDeleted is requested, including rows
// reached through preloaded relationships.
type Accessor struct {
	db             *gorm.DB
	includeDeleted bool
}

// NewAccessor constructs an Accessor over the given database handle.
func NewAccessor(db *gorm.DB) *Accessor {
	return &Accessor{db: db}
}

// IncludeDeleted returns an Accessor whose queries also return soft-deleted
// records.
func (a *Accessor) IncludeDeleted() *Accessor {
	return &Accessor{db: a.db, includeDeleted: true}
}

// Find loads all visible records matching the conditions into dest.
func (a *Accessor) Find(ctx context.Context, dest any, conds ...any) error {
	return a.scope(ctx).Find(dest, conds...).Error
}

// Get loads a single visible record matching the conditions into dest,
// returning ErrNotFound when nothing matches.
func (a *Accessor) Get(ctx context.Context, dest any, conds ...any) error {
	err := a.scope(ctx).Take(dest, conds...).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Preload names an association to load alongside the parent records. The
// soft-delete filter applies to the association rows as well.
func (a *Accessor) Preload(ctx context.Context, association string, dest any, conds ...any) error {
	return a.scope(ctx).Preload(association).Find(dest, conds...).Error
}

func (a *Accessor) scope(ctx context.Context) *gorm.DB {
	tx := a.db.WithContext(ctx)
	if a.includeDeleted {
		return tx.Unscoped()
	}
	return tx
}
