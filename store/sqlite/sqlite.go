/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (commission.Store, bareme.Store)
  using SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  commission.LineStore:         The commission line ledger
  commission.RecurrenceStore:   Recurring payout instances
  commission.CarryforwardStore: Negative carryforward balances
  commission.ExclusionStore:    Manual exclusion audit trail
  commission.EventStore:        Inbound event idempotency ledger
  commission.BatchStore:        Payout batch drafts
  commission.AuditLog:          Engine action audit trail
  bareme.Store:                 Versioned scale definitions

APPEND-ONLY ENFORCEMENT:
  The line ledger is append-only:
  - No DELETE statements on the lines table
  - The only UPDATE touches the status column
  - Corrections via negative reversal lines only

KEY TABLES:
  lines:                Immutable commission ledger
  recurrence_instances: Recurring stream state
  carryforwards:        Outstanding clawback debt
  exclusions:           Manual exclude/include trail
  processed_events:     Inbound event IDs already handled
  payout_batches:       One draft per (agent, period)
  audit_log:            Engine action trail
  scales:               Scale versions, JSON payload per (id, version)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
  - bareme/store.go: Scale store interface
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/bareme"
	"github.com/warp/commission-engine/commission"
)

// Store implements all storage interfaces using SQLite. Queries run through
// db, which is either the connection pool or, on the view WithTx hands out,
// an open transaction.
type Store struct {
	db  dbtx
	sql *sql.DB
	mu  *sync.RWMutex
}

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		// A plain :memory: DSN gives every pooled connection its own empty
		// database; a named shared-cache database keeps the pool on one.
		dsn = fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000",
			uuid.NewString())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, sql: db, mu: &sync.RWMutex{}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Commission lines (append-only ledger)
	CREATE TABLE IF NOT EXISTS lines (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		period TEXT,
		scale_id TEXT,
		scale_version INTEGER,
		base_amount TEXT NOT NULL,
		amount TEXT NOT NULL,
		party TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lines_agent
		ON lines(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_lines_contract
		ON lines(contract_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_lines_agent_period
		ON lines(agent_id, period);
	CREATE INDEX IF NOT EXISTS idx_lines_status
		ON lines(status);

	-- Recurrence instances
	CREATE TABLE IF NOT EXISTS recurrence_instances (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		scale_id TEXT NOT NULL,
		scale_version INTEGER NOT NULL,
		base_revenue TEXT NOT NULL,
		periods_generated INTEGER NOT NULL DEFAULT 0,
		periods_remaining INTEGER NOT NULL,
		status TEXT NOT NULL,
		start_period TEXT NOT NULL,
		last_period TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instances_contract
		ON recurrence_instances(contract_id);
	CREATE INDEX IF NOT EXISTS idx_instances_status
		ON recurrence_instances(status);

	-- Carryforwards (negative balances)
	CREATE TABLE IF NOT EXISTS carryforwards (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		origin_period TEXT NOT NULL,
		initial_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		last_applied_period TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_carryforwards_agent_status
		ON carryforwards(agent_id, status, created_at);

	-- Exclusions (append-only manual hold trail)
	CREATE TABLE IF NOT EXISTS exclusions (
		id TEXT PRIMARY KEY,
		line_id TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		author TEXT NOT NULL,
		prior_status TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exclusions_line
		ON exclusions(line_id, at);

	-- Processed inbound events (idempotency ledger)
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		at TEXT NOT NULL
	);

	-- Payout batch drafts, one per (agent, period)
	CREATE TABLE IF NOT EXISTS payout_batches (
		id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		period TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		total_gross TEXT NOT NULL,
		total_clawback TEXT NOT NULL,
		total_net TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, period)
	);

	-- Engine audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		ref_id TEXT,
		agent_id TEXT,
		contract_id TEXT,
		period TEXT,
		amount TEXT,
		actor TEXT,
		detail TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_at
		ON audit_log(at);

	-- Scale versions (append-only per (id, version))
	CREATE TABLE IF NOT EXISTS scales (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		organisation_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_scales_org
		ON scales(organisation_id);
	`

	_, err := s.sql.Exec(schema)
	return err
}

// =============================================================================
// LINE STORE (commission.LineStore interface)
// =============================================================================

// AppendLine adds a line to the ledger.
func (s *Store) AppendLine(ctx context.Context, line commission.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLine(ctx, s.db, line)
}

func (s *Store) appendLine(ctx context.Context, db dbtx, line commission.Line) error {
	query := `
		INSERT INTO lines
		(id, agent_id, contract_id, period, scale_id, scale_version, base_amount,
		 amount, party, status, kind, reference_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		line.ID,
		line.AgentID,
		line.ContractID,
		periodString(line.Period),
		line.ScaleID,
		line.ScaleVersion,
		line.BaseAmount.String(),
		line.Amount.String(),
		line.Party,
		line.Status,
		line.Kind,
		nullString(line.ReferenceID),
		nullString(line.Reason),
		nullString(line.IdempotencyKey),
		line.CreatedAt.UTC().Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return commission.ErrDuplicateLine
		}
		return fmt.Errorf("failed to append line: %w", err)
	}

	return nil
}

// AppendLines adds multiple lines atomically.
func (s *Store) AppendLines(ctx context.Context, lines []commission.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicate idempotency keys within the batch first
	keys := make(map[string]bool)
	for _, line := range lines {
		if line.IdempotencyKey != "" {
			if keys[line.IdempotencyKey] {
				return commission.ErrDuplicateLine
			}
			keys[line.IdempotencyKey] = true
		}
	}

	// Inside a caller's transaction the batch simply joins it.
	if _, ok := s.db.(*sql.Tx); ok {
		for _, line := range lines {
			if err := s.appendLine(ctx, s.db, line); err != nil {
				return err
			}
		}
		return nil
	}

	sqlTx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, line := range lines {
		if err := s.appendLine(ctx, sqlTx, line); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

const lineColumns = `id, agent_id, contract_id, period, scale_id, scale_version,
	base_amount, amount, party, status, kind, reference_id, reason,
	idempotency_key, created_at`

// GetLine returns one line by ID.
func (s *Store) GetLine(ctx context.Context, id commission.LineID) (*commission.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines, err := s.queryLines(ctx,
		"SELECT "+lineColumns+" FROM lines WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, commission.ErrLineNotFound
	}
	return &lines[0], nil
}

// SetLineStatus moves a line's payout status. The only sanctioned update.
func (s *Store) SetLineStatus(ctx context.Context, id commission.LineID, status commission.LineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setLineStatus(ctx, s.db, id, status)
}

func (s *Store) setLineStatus(ctx context.Context, db dbtx, id commission.LineID, status commission.LineStatus) error {
	res, err := db.ExecContext(ctx,
		"UPDATE lines SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update line status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return commission.ErrLineNotFound
	}
	return nil
}

// LinesByAgent returns all lines for an agent, oldest first.
func (s *Store) LinesByAgent(ctx context.Context, agentID commission.AgentID) ([]commission.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLines(ctx,
		"SELECT "+lineColumns+" FROM lines WHERE agent_id = ? ORDER BY created_at ASC, id ASC",
		agentID)
}

// LinesByContract returns all lines for a contract, oldest first.
func (s *Store) LinesByContract(ctx context.Context, contractID commission.ContractID) ([]commission.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLines(ctx,
		"SELECT "+lineColumns+" FROM lines WHERE contract_id = ? ORDER BY created_at ASC, id ASC",
		contractID)
}

// LinesByAgentPeriod returns an agent's lines for one period.
func (s *Store) LinesByAgentPeriod(ctx context.Context, agentID commission.AgentID, period commission.Period) ([]commission.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryLines(ctx,
		"SELECT "+lineColumns+" FROM lines WHERE agent_id = ? AND period = ? ORDER BY created_at ASC, id ASC",
		agentID, periodString(period))
}

// LineKeyExists checks whether an idempotency key was already written.
func (s *Store) LineKeyExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM lines WHERE idempotency_key = ?", key,
	).Scan(&count)

	return count > 0, err
}

// Agents returns every agent with at least one line.
func (s *Store) Agents(ctx context.Context) ([]commission.AgentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT agent_id FROM lines ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []commission.AgentID
	for rows.Next() {
		var id commission.AgentID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

func (s *Store) queryLines(ctx context.Context, query string, args ...any) ([]commission.Line, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []commission.Line
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanLine(rows *sql.Rows) (commission.Line, error) {
	var (
		line           commission.Line
		period         sql.NullString
		baseAmount     string
		amount         string
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&line.ID, &line.AgentID, &line.ContractID, &period,
		&line.ScaleID, &line.ScaleVersion, &baseAmount, &amount,
		&line.Party, &line.Status, &line.Kind,
		&referenceID, &reason, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return line, fmt.Errorf("failed to scan line: %w", err)
	}

	line.Period, err = parsePeriod(period.String)
	if err != nil {
		return line, err
	}
	line.BaseAmount, err = decimal.NewFromString(baseAmount)
	if err != nil {
		return line, fmt.Errorf("invalid base amount %q: %w", baseAmount, err)
	}
	line.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return line, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	line.ReferenceID = referenceID.String
	line.Reason = reason.String
	line.IdempotencyKey = idempotencyKey.String
	line.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return line, nil
}

// =============================================================================
// RECURRENCE STORE (commission.RecurrenceStore interface)
// =============================================================================

func (s *Store) CreateInstance(ctx context.Context, inst commission.RecurrenceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO recurrence_instances
		(id, agent_id, contract_id, scale_id, scale_version, base_revenue,
		 periods_generated, periods_remaining, status, start_period, last_period,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.AgentID, inst.ContractID,
		inst.ScaleID, inst.ScaleVersion,
		inst.BaseRevenue.String(),
		inst.PeriodsGenerated, inst.PeriodsRemaining,
		inst.Status,
		periodString(inst.StartPeriod),
		periodString(inst.LastPeriod),
		inst.CreatedAt.UTC().Format(time.RFC3339),
		inst.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id commission.InstanceID) (*commission.RecurrenceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	insts, err := s.queryInstances(ctx,
		"SELECT "+instanceColumns+" FROM recurrence_instances WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(insts) == 0 {
		return nil, commission.ErrInstanceNotFound
	}
	return &insts[0], nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst commission.RecurrenceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE recurrence_instances
		SET periods_generated = ?, periods_remaining = ?, status = ?,
		    last_period = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		inst.PeriodsGenerated, inst.PeriodsRemaining, inst.Status,
		periodString(inst.LastPeriod),
		inst.UpdatedAt.UTC().Format(time.RFC3339),
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return commission.ErrInstanceNotFound
	}
	return nil
}

func (s *Store) InstancesByContract(ctx context.Context, contractID commission.ContractID) ([]commission.RecurrenceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryInstances(ctx,
		"SELECT "+instanceColumns+" FROM recurrence_instances WHERE contract_id = ? ORDER BY created_at ASC",
		contractID)
}

func (s *Store) ActiveInstances(ctx context.Context) ([]commission.RecurrenceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryInstances(ctx,
		"SELECT "+instanceColumns+" FROM recurrence_instances WHERE status = ? ORDER BY created_at ASC",
		commission.InstanceActive)
}

const instanceColumns = `id, agent_id, contract_id, scale_id, scale_version,
	base_revenue, periods_generated, periods_remaining, status, start_period,
	last_period, created_at, updated_at`

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]commission.RecurrenceInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var insts []commission.RecurrenceInstance
	for rows.Next() {
		var (
			inst        commission.RecurrenceInstance
			baseRevenue string
			startPeriod sql.NullString
			lastPeriod  sql.NullString
			createdAt   string
			updatedAt   string
		)
		err := rows.Scan(
			&inst.ID, &inst.AgentID, &inst.ContractID,
			&inst.ScaleID, &inst.ScaleVersion, &baseRevenue,
			&inst.PeriodsGenerated, &inst.PeriodsRemaining, &inst.Status,
			&startPeriod, &lastPeriod, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst.BaseRevenue, err = decimal.NewFromString(baseRevenue)
		if err != nil {
			return nil, fmt.Errorf("invalid base revenue %q: %w", baseRevenue, err)
		}
		if inst.StartPeriod, err = parsePeriod(startPeriod.String); err != nil {
			return nil, err
		}
		if inst.LastPeriod, err = parsePeriod(lastPeriod.String); err != nil {
			return nil, err
		}
		inst.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		inst.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

// =============================================================================
// CARRYFORWARD STORE (commission.CarryforwardStore interface)
// =============================================================================

func (s *Store) CreateCarryforward(ctx context.Context, cf commission.Carryforward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO carryforwards
		(id, agent_id, origin_period, initial_amount, remaining_amount, status,
		 last_applied_period, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		cf.ID, cf.AgentID,
		periodString(cf.OriginPeriod),
		cf.InitialAmount.String(),
		cf.RemainingAmount.String(),
		cf.Status,
		periodString(cf.LastAppliedPeriod),
		nullString(cf.Reason),
		cf.CreatedAt.UTC().Format(time.RFC3339),
		cf.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create carryforward: %w", err)
	}
	return nil
}

func (s *Store) UpdateCarryforward(ctx context.Context, cf commission.Carryforward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE carryforwards
		SET initial_amount = ?, remaining_amount = ?, status = ?,
		    last_applied_period = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		cf.InitialAmount.String(),
		cf.RemainingAmount.String(),
		cf.Status,
		periodString(cf.LastAppliedPeriod),
		cf.UpdatedAt.UTC().Format(time.RFC3339),
		cf.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update carryforward: %w", err)
	}
	return nil
}

func (s *Store) OpenCarryforwards(ctx context.Context, agentID commission.AgentID) ([]commission.Carryforward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryCarryforwards(ctx,
		"SELECT "+carryforwardColumns+" FROM carryforwards WHERE agent_id = ? AND status = ? ORDER BY created_at ASC",
		agentID, commission.CarryforwardOpen)
}

func (s *Store) CarryforwardsByAgent(ctx context.Context, agentID commission.AgentID) ([]commission.Carryforward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryCarryforwards(ctx,
		"SELECT "+carryforwardColumns+" FROM carryforwards WHERE agent_id = ? ORDER BY created_at ASC",
		agentID)
}

const carryforwardColumns = `id, agent_id, origin_period, initial_amount,
	remaining_amount, status, last_applied_period, reason, created_at, updated_at`

func (s *Store) queryCarryforwards(ctx context.Context, query string, args ...any) ([]commission.Carryforward, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query carryforwards: %w", err)
	}
	defer rows.Close()

	var cfs []commission.Carryforward
	for rows.Next() {
		var (
			cf            commission.Carryforward
			originPeriod  sql.NullString
			initial       string
			remaining     string
			appliedPeriod sql.NullString
			reason        sql.NullString
			createdAt     string
			updatedAt     string
		)
		err := rows.Scan(
			&cf.ID, &cf.AgentID, &originPeriod, &initial, &remaining,
			&cf.Status, &appliedPeriod, &reason, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan carryforward: %w", err)
		}
		if cf.OriginPeriod, err = parsePeriod(originPeriod.String); err != nil {
			return nil, err
		}
		if cf.LastAppliedPeriod, err = parsePeriod(appliedPeriod.String); err != nil {
			return nil, err
		}
		cf.InitialAmount, err = decimal.NewFromString(initial)
		if err != nil {
			return nil, fmt.Errorf("invalid initial amount %q: %w", initial, err)
		}
		cf.RemainingAmount, err = decimal.NewFromString(remaining)
		if err != nil {
			return nil, fmt.Errorf("invalid remaining amount %q: %w", remaining, err)
		}
		cf.Reason = reason.String
		cf.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		cf.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		cfs = append(cfs, cf)
	}
	return cfs, rows.Err()
}

// =============================================================================
// EXCLUSION STORE (commission.ExclusionStore interface)
// =============================================================================

func (s *Store) AppendExclusion(ctx context.Context, ex commission.Exclusion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO exclusions (id, line_id, action, reason, author, prior_status, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ex.ID, ex.LineID, ex.Action, ex.Reason, ex.Author, ex.PriorStatus,
		ex.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append exclusion: %w", err)
	}
	return nil
}

func (s *Store) ExclusionsByLine(ctx context.Context, lineID commission.LineID) ([]commission.Exclusion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, line_id, action, reason, author, prior_status, at FROM exclusions WHERE line_id = ? ORDER BY at ASC, id ASC",
		lineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exclusions: %w", err)
	}
	defer rows.Close()

	var exs []commission.Exclusion
	for rows.Next() {
		var (
			ex commission.Exclusion
			at string
		)
		if err := rows.Scan(&ex.ID, &ex.LineID, &ex.Action, &ex.Reason, &ex.Author, &ex.PriorStatus, &at); err != nil {
			return nil, fmt.Errorf("failed to scan exclusion: %w", err)
		}
		ex.At, _ = time.Parse(time.RFC3339, at)
		exs = append(exs, ex)
	}
	return exs, rows.Err()
}

// =============================================================================
// EVENT STORE (commission.EventStore interface)
// =============================================================================

func (s *Store) EventSeen(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_events WHERE event_id = ?", eventID,
	).Scan(&count)

	return count > 0, err
}

func (s *Store) MarkEvent(ctx context.Context, ev commission.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.markEvent(ctx, s.db, ev)
}

func (s *Store) markEvent(ctx context.Context, db dbtx, ev commission.ProcessedEvent) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_events (event_id, kind, at) VALUES (?, ?, ?)",
		ev.EventID, ev.Kind, ev.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// =============================================================================
// BATCH STORE (commission.BatchStore interface)
// =============================================================================

func (s *Store) SaveBatch(ctx context.Context, batch commission.PayoutBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	linesJSON, err := json.Marshal(batch.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal batch lines: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO payout_batches
		(id, agent_id, period, lines_json, total_gross, total_clawback, total_net, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		batch.ID, batch.AgentID, periodString(batch.Period),
		string(linesJSON),
		batch.TotalGross.String(),
		batch.TotalClawback.String(),
		batch.TotalNet.String(),
		batch.GeneratedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *Store) FindBatch(ctx context.Context, agentID commission.AgentID, period commission.Period) (*commission.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, agent_id, period, lines_json, total_gross, total_clawback, total_net, generated_at FROM payout_batches WHERE agent_id = ? AND period = ?",
		agentID, periodString(period))

	var (
		batch       commission.PayoutBatch
		periodStr   string
		linesJSON   string
		gross       string
		clawback    string
		net         string
		generatedAt string
	)
	err := row.Scan(&batch.ID, &batch.AgentID, &periodStr, &linesJSON, &gross, &clawback, &net, &generatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}

	if batch.Period, err = parsePeriod(periodStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(linesJSON), &batch.Lines); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch lines: %w", err)
	}
	if batch.TotalGross, err = decimal.NewFromString(gross); err != nil {
		return nil, err
	}
	if batch.TotalClawback, err = decimal.NewFromString(clawback); err != nil {
		return nil, err
	}
	if batch.TotalNet, err = decimal.NewFromString(net); err != nil {
		return nil, err
	}
	batch.GeneratedAt, _ = time.Parse(time.RFC3339, generatedAt)

	return &batch, nil
}

// =============================================================================
// AUDIT LOG (commission.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry commission.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO audit_log
		(id, action, ref_id, agent_id, contract_id, period, amount, actor, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Action,
		nullString(entry.RefID),
		nullString(string(entry.AgentID)),
		nullString(string(entry.ContractID)),
		periodString(entry.Period),
		entry.Amount.String(),
		nullString(entry.Actor),
		nullString(entry.Detail),
		entry.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]commission.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, ref_id, agent_id, contract_id, period, amount, actor, detail, at FROM audit_log ORDER BY at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []commission.AuditEntry
	for rows.Next() {
		var (
			entry      commission.AuditEntry
			refID      sql.NullString
			agentID    sql.NullString
			contractID sql.NullString
			period     sql.NullString
			amount     string
			actor      sql.NullString
			detail     sql.NullString
			at         string
		)
		err := rows.Scan(&entry.ID, &entry.Action, &refID, &agentID, &contractID,
			&period, &amount, &actor, &detail, &at)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.RefID = refID.String
		entry.AgentID = commission.AgentID(agentID.String)
		entry.ContractID = commission.ContractID(contractID.String)
		if entry.Period, err = parsePeriod(period.String); err != nil {
			return nil, err
		}
		if entry.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid audit amount %q: %w", amount, err)
		}
		entry.Actor = actor.String
		entry.Detail = detail.String
		entry.At, _ = time.Parse(time.RFC3339, at)
		entries = append(entries, entry)
	}
	// Oldest first, matching the memory store.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, rows.Err()
}

// =============================================================================
// SCALE STORE (bareme.Store interface)
// =============================================================================

// Put persists a new scale version. Version 0 assigns latest+1.
func (s *Store) Put(ctx context.Context, scale *bareme.Scale) (*bareme.Scale, error) {
	if err := scale.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM scales WHERE id = ?", scale.ID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}

	stored := *scale
	next := int(latest.Int64) + 1
	switch {
	case stored.Version == 0:
		stored.Version = next
	case stored.Version < next:
		return nil, bareme.ErrScaleVersionExists
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scale: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO scales (id, version, organisation_id, payload_json, created_at) VALUES (?, ?, ?, ?, ?)",
		stored.ID, stored.Version, stored.OrganisationID,
		string(payload), stored.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, bareme.ErrScaleVersionExists
		}
		return nil, fmt.Errorf("failed to insert scale: %w", err)
	}

	return &stored, nil
}

// Get returns the exact (id, version) pair.
func (s *Store) Get(ctx context.Context, id bareme.ScaleID, version int) (*bareme.Scale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload_json FROM scales WHERE id = ? AND version = ?",
		id, version,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, bareme.ErrScaleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scale: %w", err)
	}
	return unmarshalScale(payload)
}

// Latest returns the newest version for the ID.
func (s *Store) Latest(ctx context.Context, id bareme.ScaleID) (*bareme.Scale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload_json FROM scales WHERE id = ? ORDER BY version DESC LIMIT 1",
		id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, bareme.ErrScaleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scale: %w", err)
	}
	return unmarshalScale(payload)
}

// Effective returns, per scale ID, the highest active version valid at the
// given time.
func (s *Store) Effective(ctx context.Context, organisationID string, at time.Time) ([]*bareme.Scale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scales, err := s.queryScales(ctx,
		"SELECT payload_json FROM scales WHERE organisation_id = ? ORDER BY id ASC, version DESC",
		organisationID)
	if err != nil {
		return nil, err
	}

	var result []*bareme.Scale
	var lastID bareme.ScaleID
	for _, scale := range scales {
		if len(result) > 0 && scale.ID == lastID {
			continue // already found a qualifying higher version
		}
		if scale.Active && scale.EffectiveAt(at) {
			result = append(result, scale)
			lastID = scale.ID
		}
	}
	return result, nil
}

// List returns the latest version of every scale for an organisation.
func (s *Store) List(ctx context.Context, organisationID string) ([]*bareme.Scale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT payload_json FROM scales
		WHERE organisation_id = ?
		  AND version = (SELECT MAX(version) FROM scales s2 WHERE s2.id = scales.id)
		ORDER BY id ASC
	`
	return s.queryScales(ctx, query, organisationID)
}

func (s *Store) queryScales(ctx context.Context, query string, args ...any) ([]*bareme.Scale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scales: %w", err)
	}
	defer rows.Close()

	var scales []*bareme.Scale
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		scale, err := unmarshalScale(payload)
		if err != nil {
			return nil, err
		}
		scales = append(scales, scale)
	}
	return scales, rows.Err()
}

func unmarshalScale(payload string) (*bareme.Scale, error) {
	var scale bareme.Scale
	if err := json.Unmarshal([]byte(payload), &scale); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scale: %w", err)
	}
	return &scale, nil
}

// =============================================================================
// TRANSACTIONAL STORE (commission.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. fn receives a
// store view whose every read and write runs on the transaction, so it sees
// its own uncommitted writes. The view shares the parent's mutex; fn must
// not nest another WithTx.
func (s *Store) WithTx(ctx context.Context, fn func(store commission.Store) error) error {
	sqlTx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &Store{db: sqlTx, sql: s.sql, mu: s.mu}
	if err := fn(view); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func periodString(p commission.Period) string {
	if p.IsZero() {
		return ""
	}
	return p.String()
}

func parsePeriod(s string) (commission.Period, error) {
	if s == "" {
		return commission.Period{}, nil
	}
	return commission.ParsePeriod(s)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
