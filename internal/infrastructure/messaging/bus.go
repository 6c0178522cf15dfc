package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

// Default channel names.
const (
	ChannelSystem       = "system"
	ChannelCoordination = "coordination"
	ChannelConsensus    = "consensus"
	ChannelMonitoring   = "monitoring"
)

// DirectChannel returns the private channel of an agent.
func DirectChannel(agentID string) string { return "direct:" + agentID }

// TypeChannel returns the channel shared by all agents of a type.
func TypeChannel(t shared.AgentType) string { return "agents:" + string(t) }

// Handler receives a message delivered to a registered agent. It runs on the
// drain goroutine and must not block.
type Handler func(msg *shared.Message)

// Stats is a snapshot of bus counters.
type Stats struct {
	RegisteredAgents int                              `json:"registeredAgents"`
	Channels         int                              `json:"channels"`
	Queued           int                              `json:"queued"`
	QueuedByLane     [shared.MessagePriorityCount]int `json:"queuedByLane"`
	Sent             int64                            `json:"sent"`
	Delivered        int64                            `json:"delivered"`
	Broadcasts       int64                            `json:"broadcasts"`
	ChannelMessages  int64                            `json:"channelMessages"`
	Undeliverable    int64                            `json:"undeliverable"`
	Timeouts         int64                            `json:"timeouts"`
	AvgLatencyMs     float64                          `json:"avgLatencyMs"`
	LatencyAlert     bool                             `json:"latencyAlert"`
	PendingRequests  int                              `json:"pendingRequests"`
	SentByPriority   map[shared.MessagePriority]int64 `json:"sentByPriority"`
	SentByType       map[shared.MessageType]int64     `json:"sentByType"`
}

type registration struct {
	agentType shared.AgentType
	handler   Handler
}

// Bus routes messages between the agents of one swarm. Every message is
// persisted before it is queued, so an agent that registers late still
// receives the direct messages addressed to it.
type Bus struct {
	swarmID string
	store   persistence.Store
	clock   clock.Clock
	events  shared.Publisher
	logger  *slog.Logger
	cfg     config.BusConfig

	// regMu orders registration replay against sends so a direct message is
	// either replayed or queued live, never both.
	regMu    sync.RWMutex
	mu       sync.RWMutex
	agents   map[string]*registration
	channels map[string]map[string]struct{}
	waiters  map[string]chan *shared.Message

	queue *PriorityQueue

	statsMu sync.Mutex
	stats   Stats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewBus creates a bus for swarmID. pub may be nil.
func NewBus(swarmID string, store persistence.Store, clk clock.Clock, pub shared.Publisher, cfg config.BusConfig, logger *slog.Logger) *Bus {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.LaneBatchSize <= 0 {
		cfg.LaneBatchSize = 10
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.LatencyAlertThreshold <= 0 {
		cfg.LatencyAlertThreshold = time.Second
	}

	b := &Bus{
		swarmID:  swarmID,
		store:    store,
		clock:    clk,
		events:   pub,
		logger:   logging.Component(logger, "bus"),
		cfg:      cfg,
		agents:   make(map[string]*registration),
		channels: make(map[string]map[string]struct{}),
		waiters:  make(map[string]chan *shared.Message),
		queue:    NewPriorityQueue(),
	}
	b.stats.SentByPriority = make(map[shared.MessagePriority]int64)
	b.stats.SentByType = make(map[shared.MessageType]int64)

	for _, name := range []string{ChannelSystem, ChannelCoordination, ChannelConsensus, ChannelMonitoring} {
		b.channels[name] = make(map[string]struct{})
	}
	for _, t := range shared.AllAgentTypes() {
		b.channels[TypeChannel(t)] = make(map[string]struct{})
	}
	return b
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the drain loop.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true
	b.mu.Unlock()

	ticker := b.clock.NewTicker(b.cfg.TickInterval)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.DrainOnce(b.ctx)
			}
		}
	}()
}

// Stop halts the drain loop and fails pending requests. Queued messages stay
// persisted as undelivered.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()

	b.mu.Lock()
	for id, ch := range b.waiters {
		close(ch)
		delete(b.waiters, id)
	}
	b.mu.Unlock()
	b.queue.Clear()
}

// ============================================================================
// Registration and channels
// ============================================================================

// RegisterAgent attaches a delivery handler for agentID, subscribes it to its
// direct channel, its type channel and the system channels, and queues any
// persisted direct messages it has not received yet.
func (b *Bus) RegisterAgent(ctx context.Context, agentID string, agentType shared.AgentType, handler Handler) error {
	if agentID == "" || handler == nil {
		return shared.NewValidationError("agent id and handler are required", nil)
	}
	b.regMu.Lock()
	defer b.regMu.Unlock()

	b.mu.Lock()
	b.agents[agentID] = &registration{agentType: agentType, handler: handler}
	b.channels[DirectChannel(agentID)] = map[string]struct{}{agentID: {}}
	for _, name := range []string{ChannelSystem, ChannelCoordination, ChannelConsensus, TypeChannel(agentType)} {
		subs, ok := b.channels[name]
		if !ok {
			subs = make(map[string]struct{})
			b.channels[name] = subs
		}
		subs[agentID] = struct{}{}
	}
	b.mu.Unlock()

	pending, err := b.store.GetPendingMessages(ctx, agentID)
	if err != nil {
		return fmt.Errorf("replay messages for %s: %w", agentID, err)
	}
	now := b.clock.Now()
	for _, msg := range pending {
		b.queue.Enqueue(&envelope{msg: msg, enqueuedAt: now})
	}
	if len(pending) > 0 {
		b.logger.Debug("replaying pending messages", "agent", agentID, "count", len(pending))
	}
	return nil
}

// UnregisterAgent removes the agent from every channel and drops its queued
// direct messages. They remain undelivered in the store.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	delete(b.agents, agentID)
	delete(b.channels, DirectChannel(agentID))
	for _, subs := range b.channels {
		delete(subs, agentID)
	}
	b.mu.Unlock()
	b.queue.RemoveRecipient(agentID)
}

// IsRegistered reports whether agentID has a delivery handler.
func (b *Bus) IsRegistered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[agentID]
	return ok
}

// CreateChannel creates a named channel. Creating an existing channel is a no-op.
func (b *Bus) CreateChannel(name string) error {
	if name == "" {
		return shared.NewValidationError("channel name is required", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[name]; !ok {
		b.channels[name] = make(map[string]struct{})
	}
	return nil
}

// Subscribe adds agentID to channel.
func (b *Bus) Subscribe(channel, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		return shared.NewNotFoundError("channel", channel, "subscribe")
	}
	subs[agentID] = struct{}{}
	return nil
}

// Unsubscribe removes agentID from channel.
func (b *Bus) Unsubscribe(channel, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		return shared.NewNotFoundError("channel", channel, "unsubscribe")
	}
	delete(subs, agentID)
	return nil
}

// Channels returns the channel names in sorted order.
func (b *Bus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.channels))
	for name := range b.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the agents subscribed to channel.
func (b *Bus) Subscribers(channel string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs, ok := b.channels[channel]
	if !ok {
		return nil, shared.NewNotFoundError("channel", channel, "subscribers")
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage persists msg and queues it for delivery. Missing ID, swarm and
// timestamp are filled in. A direct message to an agent that exists but is not
// registered stays persisted until the agent registers.
func (b *Bus) SendMessage(ctx context.Context, msg *shared.Message) (*shared.Message, error) {
	if msg == nil || msg.Type == "" {
		return nil, shared.NewValidationError("message type is required", nil)
	}
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SwarmID == "" {
		msg.SwarmID = b.swarmID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = clock.Millis(b.clock)
	}
	if msg.Priority < 0 || int(msg.Priority) >= shared.MessagePriorityCount {
		msg.Priority = shared.MessagePriorityNormal
	}

	b.regMu.RLock()
	defer b.regMu.RUnlock()

	if msg.Channel != "" {
		b.mu.RLock()
		_, ok := b.channels[msg.Channel]
		b.mu.RUnlock()
		if !ok {
			return nil, shared.NewNotFoundError("channel", msg.Channel, "send")
		}
	} else if msg.ToAgentID != "" && !b.IsRegistered(msg.ToAgentID) {
		if _, err := b.store.GetAgent(ctx, msg.ToAgentID); err != nil {
			return nil, err
		}
	}

	if err := b.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	b.statsMu.Lock()
	b.stats.Sent++
	b.stats.SentByPriority[msg.Priority]++
	b.stats.SentByType[msg.Type]++
	switch {
	case msg.Channel != "":
		b.stats.ChannelMessages++
	case msg.IsBroadcast():
		b.stats.Broadcasts++
	}
	b.statsMu.Unlock()

	if msg.ToAgentID == "" || b.IsRegistered(msg.ToAgentID) {
		b.queue.Enqueue(&envelope{msg: msg, enqueuedAt: b.clock.Now()})
	}
	return msg.Clone(), nil
}

// Send builds and sends a direct message.
func (b *Bus) Send(ctx context.Context, from, to string, msgType shared.MessageType, content map[string]interface{}, priority shared.MessagePriority) (*shared.Message, error) {
	if to == "" {
		return nil, shared.NewValidationError("recipient is required for a direct message", nil)
	}
	return b.SendMessage(ctx, &shared.Message{
		FromAgentID: from,
		ToAgentID:   to,
		Type:        msgType,
		Content:     content,
		Priority:    priority,
	})
}

// Broadcast delivers a message to every registered agent except the sender.
func (b *Bus) Broadcast(ctx context.Context, from string, msgType shared.MessageType, content map[string]interface{}, priority shared.MessagePriority) (*shared.Message, error) {
	return b.SendMessage(ctx, &shared.Message{
		FromAgentID: from,
		Type:        msgType,
		Content:     content,
		Priority:    priority,
	})
}

// SendToChannel delivers a message to every subscriber of channel except the sender.
func (b *Bus) SendToChannel(ctx context.Context, from, channel string, content map[string]interface{}, priority shared.MessagePriority) (*shared.Message, error) {
	return b.SendMessage(ctx, &shared.Message{
		FromAgentID: from,
		Channel:     channel,
		Type:        shared.MessageChannel,
		Content:     content,
		Priority:    priority,
	})
}

// RequestResponse sends a query and waits for the correlated response. A zero
// timeout uses the configured default.
func (b *Bus) RequestResponse(ctx context.Context, from, to string, content map[string]interface{}, timeout time.Duration) (*shared.Message, error) {
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}
	id := uuid.New().String()
	waiter := make(chan *shared.Message, 1)

	b.mu.Lock()
	b.waiters[id] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
	}()

	// The deadline covers the send as well.
	deadline := b.clock.After(timeout)

	_, err := b.SendMessage(ctx, &shared.Message{
		ID:               id,
		FromAgentID:      from,
		ToAgentID:        to,
		Type:             shared.MessageQuery,
		CorrelationID:    id,
		Content:          content,
		Priority:         shared.MessagePriorityHigh,
		RequiresResponse: true,
	})
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, shared.NewCoordinationError("message bus stopped", map[string]interface{}{"messageId": id})
		}
		return resp, nil
	case <-deadline:
		b.statsMu.Lock()
		b.stats.Timeouts++
		b.statsMu.Unlock()
		return nil, shared.NewTimeoutError("request timed out", map[string]interface{}{
			"messageId": id,
			"to":        to,
			"timeoutMs": timeout.Milliseconds(),
		})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond answers a request. The response is routed to the waiting requester.
func (b *Bus) Respond(ctx context.Context, request *shared.Message, from string, content map[string]interface{}) (*shared.Message, error) {
	if request == nil {
		return nil, shared.NewValidationError("request is required", nil)
	}
	correlation := request.CorrelationID
	if correlation == "" {
		correlation = request.ID
	}
	return b.SendMessage(ctx, &shared.Message{
		FromAgentID:   from,
		ToAgentID:     request.FromAgentID,
		Type:          shared.MessageResponse,
		CorrelationID: correlation,
		Content:       content,
		Priority:      shared.MessagePriorityHigh,
	})
}

// GetPendingMessages returns undelivered direct messages for agentID.
func (b *Bus) GetPendingMessages(ctx context.Context, agentID string) ([]*shared.Message, error) {
	return b.store.GetPendingMessages(ctx, agentID)
}

// MarkRead records that the recipient processed the message.
func (b *Bus) MarkRead(ctx context.Context, messageID string) error {
	return b.store.MarkMessageRead(ctx, messageID, clock.Millis(b.clock))
}

// MarkDelivered records delivery of a message outside the drain loop.
func (b *Bus) MarkDelivered(ctx context.Context, messageID string) error {
	return b.store.MarkMessageDelivered(ctx, messageID, clock.Millis(b.clock))
}

// ============================================================================
// Delivery
// ============================================================================

// DrainOnce delivers one batch: up to LaneBatchSize messages from each lane,
// urgent lane first. It returns the number of handler deliveries made.
func (b *Bus) DrainOnce(ctx context.Context) int {
	batch := b.queue.DrainBatch(b.cfg.LaneBatchSize)
	delivered := 0
	for _, env := range batch {
		delivered += b.deliver(ctx, env)
	}
	return delivered
}

func (b *Bus) deliver(ctx context.Context, env *envelope) int {
	msg := env.msg

	if msg.Type == shared.MessageResponse && msg.CorrelationID != "" {
		b.mu.RLock()
		waiter, ok := b.waiters[msg.CorrelationID]
		if ok {
			select {
			case waiter <- msg.Clone():
			default:
			}
		}
		b.mu.RUnlock()
		if ok {
			b.markDelivered(ctx, env)
			return 1
		}
	}

	targets := b.resolve(msg)
	if len(targets) == 0 {
		if msg.ToAgentID != "" || msg.Channel != "" {
			b.statsMu.Lock()
			b.stats.Undeliverable++
			b.statsMu.Unlock()
		}
		return 0
	}
	for _, handler := range targets {
		handler(msg.Clone())
	}
	b.markDelivered(ctx, env)
	return len(targets)
}

func (b *Bus) resolve(msg *shared.Message) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch {
	case msg.Channel != "":
		subs := b.channels[msg.Channel]
		ids := make([]string, 0, len(subs))
		for id := range subs {
			if id != msg.FromAgentID {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		out := make([]Handler, 0, len(ids))
		for _, id := range ids {
			if reg, ok := b.agents[id]; ok {
				out = append(out, reg.handler)
			}
		}
		return out
	case msg.ToAgentID != "":
		if reg, ok := b.agents[msg.ToAgentID]; ok {
			return []Handler{reg.handler}
		}
		return nil
	default:
		ids := make([]string, 0, len(b.agents))
		for id := range b.agents {
			if id != msg.FromAgentID {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		out := make([]Handler, 0, len(ids))
		for _, id := range ids {
			out = append(out, b.agents[id].handler)
		}
		return out
	}
}

func (b *Bus) markDelivered(ctx context.Context, env *envelope) {
	now := b.clock.Now()
	if err := b.store.MarkMessageDelivered(ctx, env.msg.ID, now.UnixMilli()); err != nil {
		b.logger.Warn("mark delivered failed", "message", env.msg.ID, "error", err)
	}

	latency := float64(now.Sub(env.enqueuedAt).Milliseconds())
	threshold := float64(b.cfg.LatencyAlertThreshold.Milliseconds())

	b.statsMu.Lock()
	b.stats.Delivered++
	if b.stats.Delivered == 1 {
		b.stats.AvgLatencyMs = latency
	} else {
		b.stats.AvgLatencyMs = b.stats.AvgLatencyMs*0.9 + latency*0.1
	}
	avg := b.stats.AvgLatencyMs
	raise := threshold > 0 && avg > threshold && !b.stats.LatencyAlert
	if threshold > 0 {
		b.stats.LatencyAlert = avg > threshold
	}
	b.statsMu.Unlock()

	if raise {
		b.logger.Warn("message latency above threshold", "avgLatencyMs", avg, "thresholdMs", threshold)
		events.Emit(b.events, shared.EventBusLatencyAlert, map[string]interface{}{
			"avgLatencyMs": avg,
			"thresholdMs":  threshold,
		})
	}
}

// GetStats returns a snapshot of bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	registered := len(b.agents)
	channels := len(b.channels)
	pending := len(b.waiters)
	b.mu.RUnlock()

	b.statsMu.Lock()
	out := b.stats
	out.SentByPriority = make(map[shared.MessagePriority]int64, len(b.stats.SentByPriority))
	for k, v := range b.stats.SentByPriority {
		out.SentByPriority[k] = v
	}
	out.SentByType = make(map[shared.MessageType]int64, len(b.stats.SentByType))
	for k, v := range b.stats.SentByType {
		out.SentByType[k] = v
	}
	b.statsMu.Unlock()

	out.RegisteredAgents = registered
	out.Channels = channels
	out.PendingRequests = pending
	out.Queued = b.queue.Len()
	out.QueuedByLane = b.queue.LaneLens()
	return out
}
