// Package store provides commission.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	lines       []commission.Line
	lineIndex   map[commission.LineID]int
	idempotency map[string]bool

	instances map[commission.InstanceID]commission.RecurrenceInstance

	carryforwards map[commission.CarryforwardID]commission.Carryforward

	exclusions map[commission.LineID][]commission.Exclusion

	events map[string]commission.ProcessedEvent

	batches map[batchKey]commission.PayoutBatch

	audit []commission.AuditEntry
}

type batchKey struct {
	AgentID commission.AgentID
	Period  commission.Period
}

func NewMemory() *Memory {
	return &Memory{
		lineIndex:     make(map[commission.LineID]int),
		idempotency:   make(map[string]bool),
		instances:     make(map[commission.InstanceID]commission.RecurrenceInstance),
		carryforwards: make(map[commission.CarryforwardID]commission.Carryforward),
		exclusions:    make(map[commission.LineID][]commission.Exclusion),
		events:        make(map[string]commission.ProcessedEvent),
		batches:       make(map[batchKey]commission.PayoutBatch),
	}
}

// ===== LINE STORE =====

// AppendLine adds a single line. Append-only.
func (m *Memory) AppendLine(_ context.Context, line commission.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(line)
}

// AppendLines adds multiple lines atomically.
func (m *Memory) AppendLines(_ context.Context, lines []commission.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all idempotency keys first (atomic check)
	for _, line := range lines {
		if line.IdempotencyKey != "" && m.idempotency[line.IdempotencyKey] {
			return commission.ErrDuplicateLine
		}
	}

	// Append all (atomic write)
	for _, line := range lines {
		if err := m.appendLocked(line); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) appendLocked(line commission.Line) error {
	if line.IdempotencyKey != "" && m.idempotency[line.IdempotencyKey] {
		return commission.ErrDuplicateLine
	}
	m.lines = append(m.lines, line)
	m.lineIndex[line.ID] = len(m.lines) - 1
	if line.IdempotencyKey != "" {
		m.idempotency[line.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) GetLine(_ context.Context, id commission.LineID) (*commission.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.lineIndex[id]
	if !ok {
		return nil, commission.ErrLineNotFound
	}
	line := m.lines[i]
	return &line, nil
}

func (m *Memory) SetLineStatus(_ context.Context, id commission.LineID, status commission.LineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.lineIndex[id]
	if !ok {
		return commission.ErrLineNotFound
	}
	m.lines[i].Status = status
	return nil
}

func (m *Memory) LinesByAgent(_ context.Context, agentID commission.AgentID) ([]commission.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.Line
	for _, line := range m.lines {
		if line.AgentID == agentID {
			result = append(result, line)
		}
	}
	return result, nil
}

func (m *Memory) LinesByContract(_ context.Context, contractID commission.ContractID) ([]commission.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.Line
	for _, line := range m.lines {
		if line.ContractID == contractID {
			result = append(result, line)
		}
	}
	return result, nil
}

func (m *Memory) LinesByAgentPeriod(_ context.Context, agentID commission.AgentID, period commission.Period) ([]commission.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.Line
	for _, line := range m.lines {
		if line.AgentID == agentID && line.Period == period {
			result = append(result, line)
		}
	}
	return result, nil
}

func (m *Memory) LineKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[key], nil
}

func (m *Memory) Agents(_ context.Context) ([]commission.AgentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[commission.AgentID]bool)
	var result []commission.AgentID
	for _, line := range m.lines {
		if !seen[line.AgentID] {
			seen[line.AgentID] = true
			result = append(result, line.AgentID)
		}
	}
	return result, nil
}

// ===== RECURRENCE STORE =====

func (m *Memory) CreateInstance(_ context.Context, inst commission.RecurrenceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = inst
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id commission.InstanceID) (*commission.RecurrenceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, commission.ErrInstanceNotFound
	}
	return &inst, nil
}

func (m *Memory) UpdateInstance(_ context.Context, inst commission.RecurrenceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[inst.ID]; !ok {
		return commission.ErrInstanceNotFound
	}
	m.instances[inst.ID] = inst
	return nil
}

func (m *Memory) InstancesByContract(_ context.Context, contractID commission.ContractID) ([]commission.RecurrenceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.RecurrenceInstance
	for _, inst := range m.instances {
		if inst.ContractID == contractID {
			result = append(result, inst)
		}
	}
	sortInstances(result)
	return result, nil
}

func (m *Memory) ActiveInstances(_ context.Context) ([]commission.RecurrenceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.RecurrenceInstance
	for _, inst := range m.instances {
		if inst.Status == commission.InstanceActive {
			result = append(result, inst)
		}
	}
	sortInstances(result)
	return result, nil
}

// Map iteration order is random; callers expect a stable order.
func sortInstances(insts []commission.RecurrenceInstance) {
	sort.Slice(insts, func(i, j int) bool {
		return insts[i].CreatedAt.Before(insts[j].CreatedAt)
	})
}

// ===== CARRYFORWARD STORE =====

func (m *Memory) CreateCarryforward(_ context.Context, cf commission.Carryforward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carryforwards[cf.ID] = cf
	return nil
}

func (m *Memory) UpdateCarryforward(_ context.Context, cf commission.Carryforward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carryforwards[cf.ID] = cf
	return nil
}

func (m *Memory) OpenCarryforwards(_ context.Context, agentID commission.AgentID) ([]commission.Carryforward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.Carryforward
	for _, cf := range m.carryforwards {
		if cf.AgentID == agentID && cf.Status == commission.CarryforwardOpen {
			result = append(result, cf)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) CarryforwardsByAgent(_ context.Context, agentID commission.AgentID) ([]commission.Carryforward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.Carryforward
	for _, cf := range m.carryforwards {
		if cf.AgentID == agentID {
			result = append(result, cf)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ===== EXCLUSION STORE =====

func (m *Memory) AppendExclusion(_ context.Context, ex commission.Exclusion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exclusions[ex.LineID] = append(m.exclusions[ex.LineID], ex)
	return nil
}

func (m *Memory) ExclusionsByLine(_ context.Context, lineID commission.LineID) ([]commission.Exclusion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]commission.Exclusion, len(m.exclusions[lineID]))
	copy(result, m.exclusions[lineID])
	return result, nil
}

// ===== EVENT STORE =====

func (m *Memory) EventSeen(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *Memory) MarkEvent(_ context.Context, ev commission.ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.EventID] = ev
	return nil
}

// ===== BATCH STORE =====

func (m *Memory) SaveBatch(_ context.Context, batch commission.PayoutBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batchKey{AgentID: batch.AgentID, Period: batch.Period}] = batch
	return nil
}

func (m *Memory) FindBatch(_ context.Context, agentID commission.AgentID, period commission.Period) (*commission.PayoutBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batch, ok := m.batches[batchKey{AgentID: agentID, Period: period}]
	if !ok {
		return nil, nil
	}
	return &batch, nil
}

// ===== AUDIT LOG =====

func (m *Memory) AppendAudit(_ context.Context, entry commission.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) RecentAudit(_ context.Context, limit int) ([]commission.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	result := make([]commission.AuditEntry, limit)
	copy(result, m.audit[len(m.audit)-limit:])
	return result, nil
}
