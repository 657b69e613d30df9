/*
store.go - Versioned persistence interface for scales

PURPOSE:
  The Store keeps every version of every scale. Writes always create a new
  (id, version) pair; existing versions are never modified or deleted, so a
  commission line that references (scale, version) can be re-derived at any
  point in the future.

VERSIONING CONTRACT:
  - Put with Version == 0 assigns latest+1 and persists
  - Put with an explicit Version that already exists fails with
    ErrScaleVersionExists
  - Get returns an exact historical version; Latest the newest one

IMPLEMENTATIONS:
  - commission/store: in-memory (testing/dev)
  - store/sqlite: production
*/
package bareme

import (
	"context"
	"time"
)

// Store persists scale versions. Append-only per (ID, Version).
type Store interface {
	// Put persists a new scale version after validation.
	// Version 0 means "next version for this ID".
	Put(ctx context.Context, scale *Scale) (*Scale, error)

	// Get returns the exact (id, version) pair.
	Get(ctx context.Context, id ScaleID, version int) (*Scale, error)

	// Latest returns the newest version for the ID.
	Latest(ctx context.Context, id ScaleID) (*Scale, error)

	// Effective returns, for each scale ID of the organisation, the highest
	// active version whose validity interval contains at.
	Effective(ctx context.Context, organisationID string, at time.Time) ([]*Scale, error)

	// List returns the latest version of every scale for an organisation.
	List(ctx context.Context, organisationID string) ([]*Scale, error)
}
