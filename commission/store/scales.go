package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/bareme"
)

// =============================================================================
// SCALE MEMORY STORE - Versioned, append-only per (ID, Version)
// =============================================================================

type ScaleMemory struct {
	mu     sync.RWMutex
	scales map[bareme.ScaleID][]bareme.Scale // sorted by version ascending
}

func NewScaleMemory() *ScaleMemory {
	return &ScaleMemory{scales: make(map[bareme.ScaleID][]bareme.Scale)}
}

// Put persists a new version. Version 0 assigns latest+1.
func (m *ScaleMemory) Put(_ context.Context, scale *bareme.Scale) (*bareme.Scale, error) {
	if err := scale.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.scales[scale.ID]
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}

	stored := *scale
	switch {
	case stored.Version == 0:
		stored.Version = next
	case stored.Version < next:
		return nil, bareme.ErrScaleVersionExists
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	m.scales[scale.ID] = append(versions, stored)
	return &stored, nil
}

func (m *ScaleMemory) Get(_ context.Context, id bareme.ScaleID, version int) (*bareme.Scale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.scales[id] {
		if s.Version == version {
			scale := s
			return &scale, nil
		}
	}
	return nil, bareme.ErrScaleNotFound
}

func (m *ScaleMemory) Latest(_ context.Context, id bareme.ScaleID) (*bareme.Scale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.scales[id]
	if len(versions) == 0 {
		return nil, bareme.ErrScaleNotFound
	}
	scale := versions[len(versions)-1]
	return &scale, nil
}

func (m *ScaleMemory) Effective(_ context.Context, organisationID string, at time.Time) ([]*bareme.Scale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*bareme.Scale
	for _, versions := range m.scales {
		if len(versions) == 0 || versions[len(versions)-1].OrganisationID != organisationID {
			continue
		}
		// Highest qualifying version wins; versions are stored ascending.
		for i := len(versions) - 1; i >= 0; i-- {
			s := versions[i]
			if s.Active && s.EffectiveAt(at) {
				scale := s
				result = append(result, &scale)
				break
			}
		}
	}
	sortScales(result)
	return result, nil
}

func (m *ScaleMemory) List(_ context.Context, organisationID string) ([]*bareme.Scale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*bareme.Scale
	for _, versions := range m.scales {
		if len(versions) == 0 {
			continue
		}
		s := versions[len(versions)-1]
		if s.OrganisationID != organisationID {
			continue
		}
		scale := s
		result = append(result, &scale)
	}
	sortScales(result)
	return result, nil
}

// Map iteration order is random; callers expect a stable order.
func sortScales(scales []*bareme.Scale) {
	sort.Slice(scales, func(i, j int) bool {
		return scales[i].ID < scales[j].ID
	})
}
