// Package shared provides shared types used across all modules in hivemind-go.
package shared

import (
	"time"
)

// ============================================================================
// Swarm Types
// ============================================================================

// SwarmTopology represents the structural coordination pattern of a swarm.
type SwarmTopology string

const (
	TopologyHierarchical SwarmTopology = "hierarchical"
	TopologyMesh         SwarmTopology = "mesh"
	TopologyRing         SwarmTopology = "ring"
	TopologyStar         SwarmTopology = "star"
	TopologyHybrid       SwarmTopology = "hybrid"
	TopologySpecsDriven  SwarmTopology = "specs-driven"
)

// Valid reports whether the topology is one of the known values.
func (t SwarmTopology) Valid() bool {
	switch t {
	case TopologyHierarchical, TopologyMesh, TopologyRing, TopologyStar, TopologyHybrid, TopologySpecsDriven:
		return true
	}
	return false
}

// QueenMode represents how the queen coordinates the swarm.
type QueenMode string

const (
	QueenModeStrategic QueenMode = "strategic"
	QueenModeTactical  QueenMode = "tactical"
	QueenModeAdaptive  QueenMode = "adaptive"
)

// Swarm is a named coordination session.
type Swarm struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Topology           SwarmTopology          `json:"topology"`
	QueenMode          QueenMode              `json:"queenMode"`
	MaxAgents          int                    `json:"maxAgents"`
	ConsensusThreshold float64                `json:"consensusThreshold"`
	MemoryTTL          int64                  `json:"memoryTtl"` // milliseconds
	Config             map[string]interface{} `json:"config,omitempty"`
	IsActive           bool                   `json:"isActive"`
	CreatedAt          int64                  `json:"createdAt"`
}

// ============================================================================
// Agent Types
// ============================================================================

// AgentStatus represents the current status of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusActive  AgentStatus = "active"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// AgentType represents the type of an agent.
type AgentType string

const (
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeResearcher  AgentType = "researcher"
	AgentTypeCoder       AgentType = "coder"
	AgentTypeAnalyst     AgentType = "analyst"
	AgentTypeArchitect   AgentType = "architect"
	AgentTypeTester      AgentType = "tester"
	AgentTypeReviewer    AgentType = "reviewer"
	AgentTypeOptimizer   AgentType = "optimizer"
	AgentTypeDocumenter  AgentType = "documenter"
	AgentTypeMonitor     AgentType = "monitor"
	AgentTypeSpecialist  AgentType = "specialist"

	// Domain-specific variants.
	AgentTypeSecurity AgentType = "security"
	AgentTypeDevOps   AgentType = "devops"
)

// AllAgentTypes lists every agent type in a stable order.
func AllAgentTypes() []AgentType {
	return []AgentType{
		AgentTypeCoordinator, AgentTypeResearcher, AgentTypeCoder, AgentTypeAnalyst,
		AgentTypeArchitect, AgentTypeTester, AgentTypeReviewer, AgentTypeOptimizer,
		AgentTypeDocumenter, AgentTypeMonitor, AgentTypeSpecialist,
		AgentTypeSecurity, AgentTypeDevOps,
	}
}

// Valid reports whether the agent type is known.
func (t AgentType) Valid() bool {
	for _, known := range AllAgentTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Agent is the persisted state of a worker agent.
type Agent struct {
	ID            string                 `json:"id"`
	SwarmID       string                 `json:"swarmId"`
	Name          string                 `json:"name"`
	Type          AgentType              `json:"type"`
	Status        AgentStatus            `json:"status"`
	Capabilities  []string               `json:"capabilities"`
	CurrentTaskID string                 `json:"currentTaskId,omitempty"`
	MessageCount  int                    `json:"messageCount"`
	SuccessCount  int                    `json:"successCount"`
	ErrorCount    int                    `json:"errorCount"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     int64                  `json:"createdAt"`
	LastActiveAt  int64                  `json:"lastActiveAt"`
}

// SuccessRate returns the historical success rate, or 0.5 without history.
func (a *Agent) SuccessRate() float64 {
	total := a.SuccessCount + a.ErrorCount
	if total == 0 {
		return 0.5
	}
	return float64(a.SuccessCount) / float64(total)
}

// HasCapability checks whether the agent advertises a capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ============================================================================
// Task Types
// ============================================================================

// TaskPriority represents the priority of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Rank orders priorities; lower ranks are scheduled first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether the priority is known.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further lifecycle transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a unit of work submitted to the swarm.
type Task struct {
	ID                   string                 `json:"id"`
	SwarmID              string                 `json:"swarmId"`
	Description          string                 `json:"description"`
	Priority             TaskPriority           `json:"priority"`
	Strategy             string                 `json:"strategy"`
	Status               TaskStatus             `json:"status"`
	Progress             int                    `json:"progress"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	AssignedAgents       []string               `json:"assignedAgents,omitempty"`
	RequireConsensus     bool                   `json:"requireConsensus"`
	MaxAgents            int                    `json:"maxAgents"`
	RequiredCapabilities []string               `json:"requiredCapabilities,omitempty"`
	CreatedAt            int64                  `json:"createdAt"`
	AssignedAt           int64                  `json:"assignedAt,omitempty"`
	CompletedAt          int64                  `json:"completedAt,omitempty"`
	Result               map[string]interface{} `json:"result,omitempty"`
	Error                string                 `json:"error,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// IsAssignedTo reports whether the agent is in the assigned set.
func (t *Task) IsAssignedTo(agentID string) bool {
	for _, id := range t.AssignedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// ============================================================================
// Message Types
// ============================================================================

// MessageType classifies bus messages.
type MessageType string

const (
	MessageTaskAssignment MessageType = "task_assignment"
	MessageProgressUpdate MessageType = "progress_update"
	MessageTaskFailed     MessageType = "task_failed"
	MessageTaskCompleted  MessageType = "task_completed"
	MessageConsensus      MessageType = "consensus"
	MessageQuery          MessageType = "query"
	MessageResponse       MessageType = "response"
	MessageChannel        MessageType = "channel"
	MessageCoordination   MessageType = "coordination"
	MessageBroadcast      MessageType = "broadcast"
	MessageHeartbeat      MessageType = "heartbeat"
)

// MessagePriority is the delivery lane of a message. Lower values drain first.
type MessagePriority int

const (
	MessagePriorityUrgent MessagePriority = iota
	MessagePriorityHigh
	MessagePriorityNormal
	MessagePriorityLow
)

// MessagePriorityCount is the number of priority lanes.
const MessagePriorityCount = 4

// String returns the persisted name of the priority.
func (p MessagePriority) String() string {
	switch p {
	case MessagePriorityUrgent:
		return "urgent"
	case MessagePriorityHigh:
		return "high"
	case MessagePriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParseMessagePriority maps a persisted name back to a priority; unknown names are normal.
func ParseMessagePriority(s string) MessagePriority {
	switch s {
	case "urgent":
		return MessagePriorityUrgent
	case "high":
		return MessagePriorityHigh
	case "low":
		return MessagePriorityLow
	default:
		return MessagePriorityNormal
	}
}

// Message is a unit of agent communication.
type Message struct {
	ID               string                 `json:"id"`
	FromAgentID      string                 `json:"fromAgentId,omitempty"` // empty for system
	ToAgentID        string                 `json:"toAgentId,omitempty"`   // empty for broadcast
	SwarmID          string                 `json:"swarmId"`
	Type             MessageType            `json:"type"`
	Channel          string                 `json:"channel,omitempty"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
	Content          map[string]interface{} `json:"content,omitempty"`
	Priority         MessagePriority        `json:"priority"`
	RequiresResponse bool                   `json:"requiresResponse"`
	Timestamp        int64                  `json:"timestamp"`
	DeliveredAt      int64                  `json:"deliveredAt,omitempty"`
	ReadAt           int64                  `json:"readAt,omitempty"`
}

// IsBroadcast reports whether the message has no single recipient.
func (m *Message) IsBroadcast() bool {
	return m.ToAgentID == "" && m.Channel == ""
}

// ============================================================================
// Consensus Types
// ============================================================================

// ConsensusStatus is the state of a proposal.
type ConsensusStatus string

const (
	ConsensusPending  ConsensusStatus = "pending"
	ConsensusAchieved ConsensusStatus = "achieved"
	ConsensusRejected ConsensusStatus = "rejected"
)

// Vote is a single agent's vote on a proposal.
type Vote struct {
	Approve   bool    `json:"approve"`
	Reason    string  `json:"reason,omitempty"`
	Weight    float64 `json:"weight"`
	Timestamp int64   `json:"timestamp"`
}

// ConsensusProposal is a vote request.
type ConsensusProposal struct {
	ID                string                 `json:"id"`
	SwarmID           string                 `json:"swarmId"`
	TaskID            string                 `json:"taskId,omitempty"`
	Proposal          map[string]interface{} `json:"proposal"`
	RequiredThreshold float64                `json:"requiredThreshold"`
	Votes             map[string]Vote        `json:"votes"`
	VoterWeights      map[string]float64     `json:"voterWeights,omitempty"`
	CurrentVotes      int                    `json:"currentVotes"`
	PositiveVotes     int                    `json:"positiveVotes"`
	TotalVoters       int                    `json:"totalVoters"`
	Status            ConsensusStatus        `json:"status"`
	DeadlineAt        int64                  `json:"deadlineAt"`
	CreatedAt         int64                  `json:"createdAt"`
	ResolvedAt        int64                  `json:"resolvedAt,omitempty"`
}

// ============================================================================
// Memory Types
// ============================================================================

// MemoryEntry is a namespaced key/value record.
type MemoryEntry struct {
	Key            string                 `json:"key"`
	Namespace      string                 `json:"namespace"`
	Value          []byte                 `json:"value"`
	TTL            int64                  `json:"ttl,omitempty"` // milliseconds, 0 = no expiry
	AccessCount    int64                  `json:"accessCount"`
	LastAccessedAt int64                  `json:"lastAccessedAt"`
	CreatedAt      int64                  `json:"createdAt"`
	Compressed     bool                   `json:"compressed"`
	Codec          string                 `json:"codec,omitempty"`
	OriginalSize   int                    `json:"originalSize,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ExpiresAt returns the absolute expiry in milliseconds, or 0 for no expiry.
func (e *MemoryEntry) ExpiresAt() int64 {
	if e.TTL <= 0 {
		return 0
	}
	return e.CreatedAt + e.TTL
}

// Expired reports whether the entry has outlived its TTL at now (ms).
func (e *MemoryEntry) Expired(now int64) bool {
	exp := e.ExpiresAt()
	return exp > 0 && now >= exp
}

// RetentionPolicy selects how a namespace is pruned.
type RetentionPolicy string

const (
	RetentionPersistent RetentionPolicy = "persistent"
	RetentionTime       RetentionPolicy = "time"
	RetentionSize       RetentionPolicy = "size"
)

// NamespacePolicy configures retention for a memory namespace.
type NamespacePolicy struct {
	Retention  RetentionPolicy `json:"retention" yaml:"retention"`
	TTL        time.Duration   `json:"ttl,omitempty" yaml:"ttl"`
	MaxEntries int             `json:"maxEntries,omitempty" yaml:"max_entries"`
}

// ============================================================================
// Metrics
// ============================================================================

// BehaviorPattern is a recurring outcome observed for an agent, with the
// capabilities it suggests the agent has acquired.
type BehaviorPattern struct {
	Type                  string   `json:"type"`
	Category              string   `json:"category,omitempty"`
	Occurrences           int      `json:"occurrences"`
	SuccessRate           float64  `json:"successRate"`
	SuggestedCapabilities []string `json:"suggestedCapabilities,omitempty"`
}

// PerformanceMetric is a recorded measurement.
type PerformanceMetric struct {
	SwarmID     string                 `json:"swarmId"`
	AgentID     string                 `json:"agentId,omitempty"`
	MetricType  string                 `json:"metricType"`
	MetricValue float64                `json:"metricValue"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	RecordedAt  int64                  `json:"recordedAt"`
}

// Metric type names recorded by agents and the queen.
const (
	MetricTaskDuration = "task_duration_ms"
	MetricTaskSuccess  = "task_success"
)

// SwarmStats aggregates utilization and backlog for a swarm.
type SwarmStats struct {
	SwarmID          string  `json:"swarmId"`
	TotalAgents      int     `json:"totalAgents"`
	BusyAgents       int     `json:"busyAgents"`
	IdleAgents       int     `json:"idleAgents"`
	OfflineAgents    int     `json:"offlineAgents"`
	Utilization      float64 `json:"utilization"`
	PendingTasks     int     `json:"pendingTasks"`
	InProgressTasks  int     `json:"inProgressTasks"`
	CompletedTasks   int     `json:"completedTasks"`
	FailedTasks      int     `json:"failedTasks"`
	CancelledTasks   int     `json:"cancelledTasks"`
	PendingMessages  int     `json:"pendingMessages"`
	PendingProposals int     `json:"pendingProposals"`
}

// StrategyStats aggregates outcomes for one coordination strategy.
type StrategyStats struct {
	Strategy          string  `json:"strategy"`
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"successRate"`
	AvgCompletionTime float64 `json:"avgCompletionTime"` // milliseconds
}

// ============================================================================
// Utility Functions
// ============================================================================

// Millis converts a time to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Now returns the current time in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// CopyStrings returns a copy of a string slice, never nil.
func CopyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// AppendUnique appends values not already present.
func AppendUnique(list []string, values ...string) []string {
	seen := make(map[string]struct{}, len(list))
	for _, v := range list {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		list = append(list, v)
	}
	return list
}

// ============================================================================
// Event Types
// ============================================================================

// EventType names a swarm notification.
type EventType string

const (
	EventAgentSpawned        EventType = "agent:spawned"
	EventAgentStatus         EventType = "agent:status"
	EventAgentOffline        EventType = "agent:offline"
	EventTaskSubmitted       EventType = "task:submitted"
	EventTaskAssigned        EventType = "task:assigned"
	EventTaskProgress        EventType = "task:progress"
	EventTaskCompleted       EventType = "task:completed"
	EventTaskFailed          EventType = "task:failed"
	EventTaskCancelled       EventType = "task:cancelled"
	EventTaskReassigned      EventType = "task:reassigned"
	EventConsensusProposed   EventType = "consensus:proposed"
	EventConsensusVote       EventType = "consensus:vote"
	EventConsensusResolved   EventType = "consensus:resolved"
	EventBusLatencyAlert     EventType = "bus:latency_alert"
	EventMemoryAlert         EventType = "memory:alert"
	EventMemoryHealth        EventType = "memory:health"
	EventQueenDecision       EventType = "queen:decision"
	EventQueenRebalance      EventType = "queen:rebalance"
	EventPersistenceFallback EventType = "persistence:fallback"

	// EventAll subscribes to every event type.
	EventAll EventType = "*"
)

// Event is a notification published on the event bus.
type Event struct {
	Type      EventType              `json:"type"`
	SwarmID   string                 `json:"swarmId,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Emit(event Event)
}
