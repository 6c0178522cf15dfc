package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/blackms/hivemind-go/internal/shared"
)

// SQLiteStore is the durable Store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes every read-modify-write through Update*.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Backend() string { return BackendSQLite }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			topology            TEXT NOT NULL,
			queen_mode          TEXT NOT NULL DEFAULT '',
			max_agents          INTEGER NOT NULL,
			consensus_threshold REAL NOT NULL,
			memory_ttl          INTEGER NOT NULL DEFAULT 0,
			config              TEXT NOT NULL DEFAULT '',
			is_active           INTEGER NOT NULL DEFAULT 0,
			created_at          INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			swarm_id        TEXT NOT NULL,
			name            TEXT NOT NULL,
			type            TEXT NOT NULL,
			status          TEXT NOT NULL,
			capabilities    TEXT NOT NULL DEFAULT '',
			current_task_id TEXT NOT NULL DEFAULT '',
			message_count   INTEGER NOT NULL DEFAULT 0,
			success_count   INTEGER NOT NULL DEFAULT 0,
			error_count     INTEGER NOT NULL DEFAULT 0,
			metadata        TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			last_active_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON agents(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                    TEXT PRIMARY KEY,
			swarm_id              TEXT NOT NULL,
			description           TEXT NOT NULL,
			priority              TEXT NOT NULL,
			priority_rank         INTEGER NOT NULL,
			strategy              TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL,
			progress              INTEGER NOT NULL DEFAULT 0,
			dependencies          TEXT NOT NULL DEFAULT '',
			assigned_agents       TEXT NOT NULL DEFAULT '',
			require_consensus     INTEGER NOT NULL DEFAULT 0,
			max_agents            INTEGER NOT NULL DEFAULT 1,
			required_capabilities TEXT NOT NULL DEFAULT '',
			result                TEXT NOT NULL DEFAULT '',
			error                 TEXT NOT NULL DEFAULT '',
			created_at            INTEGER NOT NULL,
			assigned_at           INTEGER NOT NULL DEFAULT 0,
			completed_at          INTEGER NOT NULL DEFAULT 0,
			metadata              TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(swarm_id, status, priority_rank, created_at)`,
		`CREATE TABLE IF NOT EXISTS communications (
			id                TEXT PRIMARY KEY,
			from_agent_id     TEXT NOT NULL DEFAULT '',
			to_agent_id       TEXT NOT NULL DEFAULT '',
			swarm_id          TEXT NOT NULL,
			message_type      TEXT NOT NULL,
			channel           TEXT NOT NULL DEFAULT '',
			correlation_id    TEXT NOT NULL DEFAULT '',
			content           TEXT NOT NULL DEFAULT '',
			priority          INTEGER NOT NULL,
			requires_response INTEGER NOT NULL DEFAULT 0,
			timestamp         INTEGER NOT NULL,
			delivered_at      INTEGER NOT NULL DEFAULT 0,
			read_at           INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comms_pending ON communications(to_agent_id, delivered_at, priority, timestamp)`,
		`CREATE TABLE IF NOT EXISTS consensus (
			id                 TEXT PRIMARY KEY,
			swarm_id           TEXT NOT NULL,
			task_id            TEXT NOT NULL DEFAULT '',
			proposal           TEXT NOT NULL DEFAULT '',
			required_threshold REAL NOT NULL,
			votes              TEXT NOT NULL DEFAULT '',
			voter_weights      TEXT NOT NULL DEFAULT '',
			current_votes      INTEGER NOT NULL DEFAULT 0,
			positive_votes     INTEGER NOT NULL DEFAULT 0,
			total_voters       INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL,
			deadline_at        INTEGER NOT NULL,
			created_at         INTEGER NOT NULL,
			resolved_at        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS memory (
			key              TEXT NOT NULL,
			namespace        TEXT NOT NULL,
			value            BLOB,
			ttl              INTEGER NOT NULL DEFAULT 0,
			access_count     INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER NOT NULL,
			created_at       INTEGER NOT NULL,
			compressed       INTEGER NOT NULL DEFAULT 0,
			codec            TEXT NOT NULL DEFAULT '',
			original_size    INTEGER NOT NULL DEFAULT 0,
			metadata         TEXT NOT NULL DEFAULT '',
			UNIQUE(key, namespace)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_access ON memory(namespace, last_accessed_at)`,
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			swarm_id     TEXT NOT NULL,
			agent_id     TEXT NOT NULL DEFAULT '',
			metric_type  TEXT NOT NULL,
			metric_value REAL NOT NULL,
			metadata     TEXT NOT NULL DEFAULT '',
			recorded_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_swarm ON performance_metrics(swarm_id, metric_type, recorded_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, committing when it returns nil.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ============================================================================
// Swarms
// ============================================================================

const swarmColumns = `id, name, topology, queen_mode, max_agents, consensus_threshold, memory_ttl, config, is_active, created_at`

func scanSwarm(row scanner) (*shared.Swarm, error) {
	sw := &shared.Swarm{}
	var cfg string
	err := row.Scan(&sw.ID, &sw.Name, &sw.Topology, &sw.QueenMode, &sw.MaxAgents, &sw.ConsensusThreshold,
		&sw.MemoryTTL, &cfg, &sw.IsActive, &sw.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(cfg, &sw.Config); err != nil {
		return nil, fmt.Errorf("decode swarm config: %w", err)
	}
	return sw, nil
}

func (s *SQLiteStore) CreateSwarm(ctx context.Context, sw *shared.Swarm) error {
	var cols jsonFields
	cfg := cols.encode("config", sw.Config)
	if cols.err != nil {
		return fmt.Errorf("create swarm: %w", cols.err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO swarms (`+swarmColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.Name, sw.Topology, sw.QueenMode, sw.MaxAgents, sw.ConsensusThreshold,
		sw.MemoryTTL, cfg, sw.IsActive, sw.CreatedAt)
	if err != nil {
		return fmt.Errorf("create swarm: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSwarm(ctx context.Context, id string) (*shared.Swarm, error) {
	sw, err := scanSwarm(s.db.QueryRowContext(ctx, `SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewNotFoundError("swarm", id, "get")
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return sw, nil
}

func (s *SQLiteStore) GetActiveSwarm(ctx context.Context) (*shared.Swarm, error) {
	sw, err := scanSwarm(s.db.QueryRowContext(ctx,
		`SELECT `+swarmColumns+` FROM swarms WHERE is_active = 1 ORDER BY created_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewNotFoundError("swarm", "active", "get")
	}
	if err != nil {
		return nil, fmt.Errorf("get active swarm: %w", err)
	}
	return sw, nil
}

func (s *SQLiteStore) SetActiveSwarm(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM swarms WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("set active swarm: %w", err)
		}
		if exists == 0 {
			return shared.NewNotFoundError("swarm", id, "activate")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE swarms SET is_active = CASE WHEN id = ? THEN 1 ELSE 0 END`, id); err != nil {
			return fmt.Errorf("set active swarm: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListSwarms(ctx context.Context) ([]*shared.Swarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+swarmColumns+` FROM swarms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var out []*shared.Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSwarm(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM swarms WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete swarm: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return shared.NewNotFoundError("swarm", id, "delete")
		}
		for _, table := range []string{"agents", "tasks", "communications", "consensus", "performance_metrics"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE swarm_id = ?`, id); err != nil {
				return fmt.Errorf("delete swarm %s: %w", table, err)
			}
		}
		return nil
	})
}

// ============================================================================
// Agents
// ============================================================================

const agentColumns = `id, swarm_id, name, type, status, capabilities, current_task_id, message_count, success_count, error_count, metadata, created_at, last_active_at`

func scanAgent(row scanner) (*shared.Agent, error) {
	a := &shared.Agent{}
	var caps, meta string
	err := row.Scan(&a.ID, &a.SwarmID, &a.Name, &a.Type, &a.Status, &caps, &a.CurrentTaskID,
		&a.MessageCount, &a.SuccessCount, &a.ErrorCount, &meta, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := decodeJSON(meta, &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode agent metadata: %w", err)
	}
	return a, nil
}

func writeAgent(ctx context.Context, q execQuerier, a *shared.Agent, upsert bool) error {
	stmt := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		stmt += ` ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type, status = excluded.status,
			capabilities = excluded.capabilities, current_task_id = excluded.current_task_id,
			message_count = excluded.message_count, success_count = excluded.success_count,
			error_count = excluded.error_count, metadata = excluded.metadata,
			last_active_at = excluded.last_active_at`
	}
	var cols jsonFields
	caps := cols.encode("capabilities", a.Capabilities)
	meta := cols.encode("metadata", a.Metadata)
	if cols.err != nil {
		return cols.err
	}
	_, err := q.ExecContext(ctx, stmt,
		a.ID, a.SwarmID, a.Name, a.Type, a.Status, caps, a.CurrentTaskID,
		a.MessageCount, a.SuccessCount, a.ErrorCount, meta, a.CreatedAt, a.LastActiveAt)
	return err
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *shared.Agent) error {
	if err := writeAgent(ctx, s.db, a, false); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*shared.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewNotFoundError("agent", id, "get")
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, id string, fn func(*shared.Agent) error) (*shared.Agent, error) {
	var out *shared.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return shared.NewNotFoundError("agent", id, "update")
		}
		if err != nil {
			return fmt.Errorf("get agent: %w", err)
		}
		if err := fn(a); err != nil {
			return err
		}
		a.ID = id
		if err := writeAgent(ctx, tx, a, true); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		out = a
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ListAgents(ctx context.Context, swarmID string) ([]*shared.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE swarm_id = ? ORDER BY created_at, id`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*shared.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.NewNotFoundError("agent", id, "delete")
	}
	return nil
}
