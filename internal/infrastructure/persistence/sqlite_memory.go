package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/blackms/hivemind-go/internal/shared"
)

// ============================================================================
// Memory
// ============================================================================

const memoryColumns = `key, namespace, value, ttl, access_count, last_accessed_at, created_at, compressed, codec, original_size, metadata`

func scanMemory(row scanner) (*shared.MemoryEntry, error) {
	e := &shared.MemoryEntry{}
	var meta string
	err := row.Scan(&e.Key, &e.Namespace, &e.Value, &e.TTL, &e.AccessCount, &e.LastAccessedAt,
		&e.CreatedAt, &e.Compressed, &e.Codec, &e.OriginalSize, &meta)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode memory metadata: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) StoreMemory(ctx context.Context, e *shared.MemoryEntry) error {
	var cols jsonFields
	meta := cols.encode("metadata", e.Metadata)
	if cols.err != nil {
		return fmt.Errorf("store memory: %w", cols.err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, namespace) DO UPDATE SET
			value = excluded.value, ttl = excluded.ttl,
			last_accessed_at = excluded.last_accessed_at, created_at = excluded.created_at,
			compressed = excluded.compressed, codec = excluded.codec,
			original_size = excluded.original_size, metadata = excluded.metadata`,
		e.Key, e.Namespace, e.Value, e.TTL, e.AccessCount, e.LastAccessedAt, e.CreatedAt,
		e.Compressed, e.Codec, e.OriginalSize, meta)
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, namespace, key string) (*shared.MemoryEntry, error) {
	e, err := scanMemory(s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory WHERE namespace = ? AND key = ?`, namespace, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewNotFoundError("memory", namespace+"/"+key, "get")
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) TouchMemory(ctx context.Context, namespace, key string, at int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memory
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE namespace = ? AND key = ?`, at, namespace, key)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.NewNotFoundError("memory", namespace+"/"+key, "touch")
	}
	return nil
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, namespace, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListMemory(ctx context.Context, namespace string, limit int) ([]*shared.MemoryEntry, error) {
	return s.SearchMemory(ctx, MemoryQuery{Namespace: namespace, Limit: limit, SortBy: SortByKey})
}

func (s *SQLiteStore) SearchMemory(ctx context.Context, q MemoryQuery) ([]*shared.MemoryEntry, error) {
	var where []string
	var args []any
	if q.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, q.Namespace)
	}
	if q.Pattern != "" && q.Pattern != "*" {
		where = append(where, `key LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(q.Pattern))
	}

	query := `SELECT ` + memoryColumns + ` FROM memory`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	switch q.SortBy {
	case SortByKey:
		query += ` ORDER BY key, namespace`
	case SortByCreated:
		query += ` ORDER BY created_at DESC, key`
	case SortByAccessCount:
		query += ` ORDER BY access_count DESC, key`
	default:
		query += ` ORDER BY last_accessed_at DESC, key`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var out []*shared.MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountMemory(ctx context.Context, namespace string) (int, error) {
	var n int
	var err error
	if namespace == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory WHERE namespace = ?`, namespace).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count memory: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) PruneExpiredMemory(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE ttl > 0 AND created_at + ttl <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("prune memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) TrimNamespace(ctx context.Context, namespace string, maxEntries int) (int, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE namespace = ? AND key IN (
			SELECT key FROM memory WHERE namespace = ?
			ORDER BY last_accessed_at DESC, key
			LIMIT -1 OFFSET ?
		)`, namespace, namespace, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("trim namespace: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ============================================================================
// Metrics
// ============================================================================

func (s *SQLiteStore) RecordMetric(ctx context.Context, m *shared.PerformanceMetric) error {
	var cols jsonFields
	meta := cols.encode("metadata", m.Metadata)
	if cols.err != nil {
		return fmt.Errorf("record metric: %w", cols.err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO performance_metrics
		(swarm_id, agent_id, metric_type, metric_value, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.SwarmID, m.AgentID, m.MetricType, m.MetricValue, meta, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, filter MetricFilter) ([]*shared.PerformanceMetric, error) {
	where := []string{"recorded_at >= ?"}
	args := []any{filter.Since}
	if filter.SwarmID != "" {
		where = append(where, "swarm_id = ?")
		args = append(args, filter.SwarmID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.MetricType != "" {
		where = append(where, "metric_type = ?")
		args = append(args, filter.MetricType)
	}
	query := `SELECT swarm_id, agent_id, metric_type, metric_value, metadata, recorded_at
		FROM performance_metrics WHERE ` + strings.Join(where, " AND ") + ` ORDER BY recorded_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []*shared.PerformanceMetric
	for rows.Next() {
		m := &shared.PerformanceMetric{}
		var meta string
		if err := rows.Scan(&m.SwarmID, &m.AgentID, &m.MetricType, &m.MetricValue, &meta, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if err := decodeJSON(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metric metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ============================================================================
// Statistics
// ============================================================================

func (s *SQLiteStore) SwarmStats(ctx context.Context, swarmID string) (*shared.SwarmStats, error) {
	st := &shared.SwarmStats{SwarmID: swarmID}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents WHERE swarm_id = ? GROUP BY status`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("swarm stats agents: %w", err)
	}
	agentCounts := map[shared.AgentStatus]int{}
	for rows.Next() {
		var status shared.AgentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent stats: %w", err)
		}
		agentCounts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("swarm stats agents: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE swarm_id = ? GROUP BY status`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("swarm stats tasks: %w", err)
	}
	taskCounts := map[shared.TaskStatus]int{}
	for rows.Next() {
		var status shared.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task stats: %w", err)
		}
		taskCounts[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("swarm stats tasks: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM communications
		WHERE swarm_id = ? AND delivered_at = 0`, swarmID).Scan(&st.PendingMessages); err != nil {
		return nil, fmt.Errorf("swarm stats messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM consensus
		WHERE swarm_id = ? AND status = ?`, swarmID, shared.ConsensusPending).Scan(&st.PendingProposals); err != nil {
		return nil, fmt.Errorf("swarm stats proposals: %w", err)
	}

	fillSwarmStats(st, agentCounts, taskCounts)
	return st, nil
}

// fillSwarmStats derives totals and utilization from per-status counts.
// Offline agents do not count toward capacity.
func fillSwarmStats(st *shared.SwarmStats, agents map[shared.AgentStatus]int, tasks map[shared.TaskStatus]int) {
	for status, n := range agents {
		st.TotalAgents += n
		switch status {
		case shared.AgentStatusBusy:
			st.BusyAgents += n
		case shared.AgentStatusIdle, shared.AgentStatusActive:
			st.IdleAgents += n
		case shared.AgentStatusOffline:
			st.OfflineAgents += n
		}
	}
	if live := st.TotalAgents - st.OfflineAgents; live > 0 {
		st.Utilization = float64(st.BusyAgents) / float64(live)
	}
	st.PendingTasks = tasks[shared.TaskStatusPending]
	st.InProgressTasks = tasks[shared.TaskStatusAssigned] + tasks[shared.TaskStatusInProgress]
	st.CompletedTasks = tasks[shared.TaskStatusCompleted]
	st.FailedTasks = tasks[shared.TaskStatusFailed]
	st.CancelledTasks = tasks[shared.TaskStatusCancelled]
}

func (s *SQLiteStore) StrategyStats(ctx context.Context, swarmID string) ([]shared.StrategyStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy,
			COUNT(*),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN status = 'completed' AND completed_at > 0 THEN completed_at - created_at END), 0)
		FROM tasks WHERE swarm_id = ? AND strategy != ''
		GROUP BY strategy ORDER BY strategy`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("strategy stats: %w", err)
	}
	defer rows.Close()

	var out []shared.StrategyStats
	for rows.Next() {
		var st shared.StrategyStats
		if err := rows.Scan(&st.Strategy, &st.Total, &st.Completed, &st.Failed, &st.AvgCompletionTime); err != nil {
			return nil, fmt.Errorf("scan strategy stats: %w", err)
		}
		if finished := st.Completed + st.Failed; finished > 0 {
			st.SuccessRate = float64(st.Completed) / float64(finished)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
