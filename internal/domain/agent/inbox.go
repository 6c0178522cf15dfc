package agent

import (
	"context"
	"sort"

	"github.com/blackms/hivemind-go/internal/infrastructure/messaging"
	"github.com/blackms/hivemind-go/internal/shared"
)

// Dispatch kinds counted by HandledStats.
const (
	kindAssignment   = "task_assignment"
	kindVote         = "vote_request"
	kindQuery        = "query"
	kindCoordination = "coordination"
	kindPeer         = "peer_update"
	kindUnknown      = "unknown"
)

// DefaultVotePolicy approves unless the agent is failing.
func DefaultVotePolicy(self *shared.Agent, _ map[string]interface{}) (bool, string) {
	if self != nil && self.Status == shared.AgentStatusError {
		return false, "agent is in error state"
	}
	return true, "no objection"
}

// enqueue is the bus handler. It only buffers; DrainInbox does the work.
func (w *Worker) enqueue(msg *shared.Message) {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()
	if len(w.inbox) >= maxInbox {
		w.logger.Warn("inbox full, dropping oldest message", "dropped", w.inbox[0].ID)
		w.inbox = w.inbox[1:]
	}
	w.inbox = append(w.inbox, msg)
}

// InboxLen returns the number of buffered messages.
func (w *Worker) InboxLen() int {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()
	return len(w.inbox)
}

// DrainInbox dispatches every buffered message by type and returns how many
// were handled.
func (w *Worker) DrainInbox(ctx context.Context) int {
	w.inboxMu.Lock()
	batch := w.inbox
	w.inbox = nil
	w.inboxMu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	for _, msg := range batch {
		kind := w.dispatch(ctx, msg)
		w.inboxMu.Lock()
		w.handled[kind]++
		w.inboxMu.Unlock()
		if msg.ToAgentID == w.id && w.bus != nil {
			if err := w.bus.MarkRead(ctx, msg.ID); err != nil {
				w.logger.Debug("mark read failed", "message", msg.ID, "error", err)
			}
		}
	}

	n := len(batch)
	if _, err := w.store.UpdateAgent(ctx, w.id, func(a *shared.Agent) error {
		a.MessageCount += n
		return nil
	}); err != nil {
		w.logger.Debug("persist message count failed", "error", err)
	}
	return n
}

// HandledStats returns the dispatch counts by kind.
func (w *Worker) HandledStats() map[string]int64 {
	w.inboxMu.Lock()
	defer w.inboxMu.Unlock()
	out := make(map[string]int64, len(w.handled))
	for k, v := range w.handled {
		out[k] = v
	}
	return out
}

func (w *Worker) dispatch(ctx context.Context, msg *shared.Message) string {
	switch {
	case msg.Type == shared.MessageTaskAssignment:
		w.handleAssignment(ctx, msg)
		return kindAssignment
	case msg.Channel == messaging.ChannelConsensus || msg.Type == shared.MessageConsensus:
		w.handleVoteRequest(ctx, msg)
		return kindVote
	case msg.Type == shared.MessageQuery:
		w.handleQuery(ctx, msg)
		return kindQuery
	case msg.Type == shared.MessageCoordination:
		w.logger.Debug("coordination message", "from", msg.FromAgentID, "content", msg.Content)
		return kindCoordination
	case msg.Type == shared.MessageProgressUpdate, msg.Type == shared.MessageTaskFailed,
		msg.Type == shared.MessageTaskCompleted, msg.Type == shared.MessageHeartbeat:
		return kindPeer
	default:
		w.logger.Debug("unhandled message", "type", string(msg.Type), "from", msg.FromAgentID)
		return kindUnknown
	}
}

func (w *Worker) handleAssignment(ctx context.Context, msg *shared.Message) {
	taskID, _ := msg.Content["taskId"].(string)
	if taskID == "" || w.CurrentTaskID() == taskID {
		return
	}
	t, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		w.logger.Warn("assigned task not found", "task", taskID, "error", err)
		return
	}
	if !t.IsAssignedTo(w.id) || t.Status.IsTerminal() {
		return
	}
	if _, done := t.Result[w.id]; done {
		return
	}
	if err := w.AcceptTask(ctx, t, nil); err != nil {
		w.logger.Warn("assignment rejected", "task", taskID, "error", err)
	}
}

func (w *Worker) handleVoteRequest(ctx context.Context, msg *shared.Message) {
	proposalID, _ := msg.Content["proposalId"].(string)
	if proposalID == "" || w.voter == nil || !containsString(msg.Content["voters"], w.id) {
		return
	}
	self, err := w.store.GetAgent(ctx, w.id)
	if err != nil {
		w.logger.Debug("load agent for vote failed", "error", err)
		return
	}
	approve, reason := w.vote(self, msg.Content)
	if _, err := w.voter.SubmitVote(ctx, proposalID, w.id, approve, reason); err != nil {
		w.logger.Debug("vote not recorded", "proposal", proposalID, "error", err)
	}
}

func (w *Worker) handleQuery(ctx context.Context, msg *shared.Message) {
	if w.bus == nil {
		return
	}
	caps := w.Capabilities()
	sort.Strings(caps)
	reply := map[string]interface{}{
		"agentId":       w.id,
		"type":          string(w.agentType),
		"status":        string(w.Status()),
		"currentTaskId": w.CurrentTaskID(),
		"capabilities":  caps,
	}
	if _, err := w.bus.Respond(ctx, msg, w.id, reply); err != nil {
		w.logger.Debug("respond to query failed", "error", err)
	}
}

// containsString accepts both []string and the []interface{} produced by a
// JSON round trip.
func containsString(v interface{}, want string) bool {
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			if s == want {
				return true
			}
		}
	case []interface{}:
		for _, s := range list {
			if s == want {
				return true
			}
		}
	}
	return false
}
