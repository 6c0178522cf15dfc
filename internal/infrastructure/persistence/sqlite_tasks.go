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
// Tasks
// ============================================================================

const taskColumns = `id, swarm_id, description, priority, priority_rank, strategy, status, progress, dependencies, assigned_agents, require_consensus, max_agents, required_capabilities, result, error, created_at, assigned_at, completed_at, metadata`

func scanTask(row scanner) (*shared.Task, error) {
	t := &shared.Task{}
	var rank int
	var deps, assigned, caps, result, meta string
	err := row.Scan(&t.ID, &t.SwarmID, &t.Description, &t.Priority, &rank, &t.Strategy, &t.Status, &t.Progress,
		&deps, &assigned, &t.RequireConsensus, &t.MaxAgents, &caps, &result, &t.Error,
		&t.CreatedAt, &t.AssignedAt, &t.CompletedAt, &meta)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst interface{}
	}{
		{deps, &t.Dependencies},
		{assigned, &t.AssignedAgents},
		{caps, &t.RequiredCapabilities},
		{result, &t.Result},
		{meta, &t.Metadata},
	} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func writeTask(ctx context.Context, q execQuerier, t *shared.Task, upsert bool) error {
	stmt := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		stmt += ` ON CONFLICT(id) DO UPDATE SET
			description = excluded.description, priority = excluded.priority,
			priority_rank = excluded.priority_rank, strategy = excluded.strategy,
			status = excluded.status, progress = excluded.progress,
			dependencies = excluded.dependencies, assigned_agents = excluded.assigned_agents,
			require_consensus = excluded.require_consensus, max_agents = excluded.max_agents,
			required_capabilities = excluded.required_capabilities, result = excluded.result,
			error = excluded.error, assigned_at = excluded.assigned_at,
			completed_at = excluded.completed_at, metadata = excluded.metadata`
	}
	var cols jsonFields
	deps := cols.encode("dependencies", t.Dependencies)
	assigned := cols.encode("assigned_agents", t.AssignedAgents)
	required := cols.encode("required_capabilities", t.RequiredCapabilities)
	result := cols.encode("result", t.Result)
	meta := cols.encode("metadata", t.Metadata)
	if cols.err != nil {
		return cols.err
	}
	_, err := q.ExecContext(ctx, stmt,
		t.ID, t.SwarmID, t.Description, t.Priority, t.Priority.Rank(), t.Strategy, t.Status, t.Progress,
		deps, assigned, t.RequireConsensus, t.MaxAgents,
		required, result, t.Error,
		t.CreatedAt, t.AssignedAt, t.CompletedAt, meta)
	return err
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *shared.Task) error {
	if err := writeTask(ctx, s.db, t, false); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*shared.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewNotFoundError("task", id, "get")
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, fn func(*shared.Task) error) (*shared.Task, error) {
	var out *shared.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return shared.NewNotFoundError("task", id, "update")
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		if err := fn(t); err != nil {
			return err
		}
		t.ID = id
		if err := writeTask(ctx, tx, t, true); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*shared.Task, error) {
	var where []string
	var args []any
	if filter.SwarmID != "" {
		where = append(where, "swarm_id = ?")
		args = append(args, filter.SwarmID)
	}
	if filter.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, filter.Strategy)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *SQLiteStore) GetPendingTasks(ctx context.Context, swarmID string) ([]*shared.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE swarm_id = ? AND status = ?
		ORDER BY priority_rank, created_at, id`, swarmID, shared.TaskStatusPending)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*shared.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*shared.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ============================================================================
// Messages
// ============================================================================

const messageColumns = `id, from_agent_id, to_agent_id, swarm_id, message_type, channel, correlation_id, content, priority, requires_response, timestamp, delivered_at, read_at`

func scanMessage(row scanner) (*shared.Message, error) {
	m := &shared.Message{}
	var content string
	err := row.Scan(&m.ID, &m.FromAgentID, &m.ToAgentID, &m.SwarmID, &m.Type, &m.Channel, &m.CorrelationID,
		&content, &m.Priority, &m.RequiresResponse, &m.Timestamp, &m.DeliveredAt, &m.ReadAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(content, &m.Content); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *shared.Message) error {
	var cols jsonFields
	content := cols.encode("content", m.Content)
	if cols.err != nil {
		return fmt.Errorf("create message: %w", cols.err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO communications (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromAgentID, m.ToAgentID, m.SwarmID, m.Type, m.Channel, m.CorrelationID,
		content, int(m.Priority), m.RequiresResponse, m.Timestamp, m.DeliveredAt, m.ReadAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*shared.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM communications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewNotFoundError("message", id, "get")
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetPendingMessages(ctx context.Context, agentID string) ([]*shared.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM communications
		WHERE to_agent_id = ? AND delivered_at = 0
		ORDER BY priority, timestamp, id`, agentID)
}

func (s *SQLiteStore) MarkMessageDelivered(ctx context.Context, id string, at int64) error {
	return s.markMessage(ctx, id, "delivered_at", at)
}

func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string, at int64) error {
	return s.markMessage(ctx, id, "read_at", at)
}

func (s *SQLiteStore) markMessage(ctx context.Context, id, column string, at int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE communications SET `+column+` = ? WHERE id = ? AND `+column+` = 0`, at, id)
	if err != nil {
		return fmt.Errorf("mark message %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM communications WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("mark message %s: %w", column, err)
		}
		if exists == 0 {
			return shared.NewNotFoundError("message", id, "mark")
		}
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, swarmID string, limit int) ([]*shared.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM communications WHERE swarm_id = ? ORDER BY timestamp DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryMessages(ctx, query, swarmID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*shared.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*shared.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ============================================================================
// Consensus proposals
// ============================================================================

const proposalColumns = `id, swarm_id, task_id, proposal, required_threshold, votes, voter_weights, current_votes, positive_votes, total_voters, status, deadline_at, created_at, resolved_at`

func scanProposal(row scanner) (*shared.ConsensusProposal, error) {
	p := &shared.ConsensusProposal{}
	var proposal, votes, weights string
	err := row.Scan(&p.ID, &p.SwarmID, &p.TaskID, &proposal, &p.RequiredThreshold, &votes, &weights,
		&p.CurrentVotes, &p.PositiveVotes, &p.TotalVoters, &p.Status, &p.DeadlineAt, &p.CreatedAt, &p.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(proposal, &p.Proposal); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	if err := decodeJSON(votes, &p.Votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	if err := decodeJSON(weights, &p.VoterWeights); err != nil {
		return nil, fmt.Errorf("decode voter weights: %w", err)
	}
	if p.Votes == nil {
		p.Votes = make(map[string]shared.Vote)
	}
	return p, nil
}

func writeProposal(ctx context.Context, q execQuerier, p *shared.ConsensusProposal, upsert bool) error {
	stmt := `INSERT INTO consensus (` + proposalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		stmt += ` ON CONFLICT(id) DO UPDATE SET
			votes = excluded.votes, voter_weights = excluded.voter_weights,
			current_votes = excluded.current_votes, positive_votes = excluded.positive_votes,
			total_voters = excluded.total_voters, status = excluded.status,
			deadline_at = excluded.deadline_at, resolved_at = excluded.resolved_at`
	}
	var cols jsonFields
	proposal := cols.encode("proposal", p.Proposal)
	votes := cols.encode("votes", p.Votes)
	weights := cols.encode("voter_weights", p.VoterWeights)
	if cols.err != nil {
		return cols.err
	}
	_, err := q.ExecContext(ctx, stmt,
		p.ID, p.SwarmID, p.TaskID, proposal, p.RequiredThreshold, votes,
		weights, p.CurrentVotes, p.PositiveVotes, p.TotalVoters, p.Status,
		p.DeadlineAt, p.CreatedAt, p.ResolvedAt)
	return err
}

func (s *SQLiteStore) CreateProposal(ctx context.Context, p *shared.ConsensusProposal) error {
	if err := writeProposal(ctx, s.db, p, false); err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*shared.ConsensusProposal, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM consensus WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewNotFoundError("proposal", id, "get")
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpdateProposal(ctx context.Context, id string, fn func(*shared.ConsensusProposal) error) (*shared.ConsensusProposal, error) {
	var out *shared.ConsensusProposal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM consensus WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return shared.NewNotFoundError("proposal", id, "update")
		}
		if err != nil {
			return fmt.Errorf("get proposal: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
		p.ID = id
		if err := writeProposal(ctx, tx, p, true); err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ListProposals(ctx context.Context, swarmID string, status shared.ConsensusStatus) ([]*shared.ConsensusProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM consensus WHERE swarm_id = ?`
	args := []any{swarmID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []*shared.ConsensusProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
