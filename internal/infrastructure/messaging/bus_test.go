package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

type inbox struct {
	mu   sync.Mutex
	msgs []*shared.Message
}

func (in *inbox) handle(msg *shared.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, msg)
}

func (in *inbox) all() []*shared.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]*shared.Message(nil), in.msgs...)
}

func newTestBus(t *testing.T, pub shared.Publisher) (*Bus, *persistence.MemoryStore, *clock.FakeClock) {
	t.Helper()
	store := persistence.NewMemoryStore()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	bus := NewBus("swarm-1", store, clk, pub, config.Defaults().Bus, nil)
	t.Cleanup(bus.Stop)
	return bus, store, clk
}

func TestDequeRingBuffer(t *testing.T) {
	d := NewDeque[int](2)
	d.PushBack(2)
	d.PushBack(3)
	d.PushFront(1)
	d.PushBack(4)

	if d.Len() != 4 {
		t.Fatalf("expected 4 elements, got %d", d.Len())
	}
	if removed := d.RemoveFunc(func(v int) bool { return v%2 == 0 }); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for _, want := range []int{1, 3} {
		got, ok := d.PopFront()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := d.PopFront(); ok {
		t.Fatal("expected empty deque")
	}
}

func TestUrgentDeliveredBeforeEarlierLow(t *testing.T) {
	bus, _, _ := newTestBus(t, nil)
	ctx := context.Background()

	var got inbox
	if err := bus.RegisterAgent(ctx, "b", shared.AgentTypeCoder, got.handle); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := bus.Send(ctx, "a", "b", shared.MessageQuery, map[string]interface{}{"n": "low"}, shared.MessagePriorityLow); err != nil {
		t.Fatalf("send low: %v", err)
	}
	if _, err := bus.Send(ctx, "a", "b", shared.MessageQuery, map[string]interface{}{"n": "urgent"}, shared.MessagePriorityUrgent); err != nil {
		t.Fatalf("send urgent: %v", err)
	}

	if n := bus.DrainOnce(ctx); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	msgs := got.all()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content["n"] != "urgent" || msgs[1].Content["n"] != "low" {
		t.Fatalf("expected urgent before low, got %v then %v", msgs[0].Content["n"], msgs[1].Content["n"])
	}
}

func TestDrainBatchPerLane(t *testing.T) {
	bus, _, _ := newTestBus(t, nil)
	ctx := context.Background()

	var got inbox
	_ = bus.RegisterAgent(ctx, "b", shared.AgentTypeCoder, got.handle)
	for i := 0; i < 15; i++ {
		if _, err := bus.Send(ctx, "a", "b", shared.MessageQuery, nil, shared.MessagePriorityNormal); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if n := bus.DrainOnce(ctx); n != 10 {
		t.Fatalf("expected one lane batch of 10, got %d", n)
	}
	if q := bus.GetStats().Queued; q != 5 {
		t.Fatalf("expected 5 queued, got %d", q)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	bus, store, _ := newTestBus(t, nil)
	ctx := context.Background()

	var a, b, c inbox
	_ = bus.RegisterAgent(ctx, "a", shared.AgentTypeCoder, a.handle)
	_ = bus.RegisterAgent(ctx, "b", shared.AgentTypeTester, b.handle)
	_ = bus.RegisterAgent(ctx, "c", shared.AgentTypeReviewer, c.handle)

	msg, err := bus.Broadcast(ctx, "a", shared.MessageBroadcast, map[string]interface{}{"hello": true}, shared.MessagePriorityNormal)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	bus.DrainOnce(ctx)

	if len(a.all()) != 0 {
		t.Fatal("expected sender to be excluded")
	}
	if len(b.all()) != 1 || len(c.all()) != 1 {
		t.Fatalf("expected one delivery each, got b=%d c=%d", len(b.all()), len(c.all()))
	}

	stored, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.DeliveredAt == 0 {
		t.Fatal("expected broadcast to be marked delivered")
	}
	if s := bus.GetStats(); s.Broadcasts != 1 || s.Delivered != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestChannelDelivery(t *testing.T) {
	bus, _, _ := newTestBus(t, nil)
	ctx := context.Background()

	var a, b, c inbox
	_ = bus.RegisterAgent(ctx, "a", shared.AgentTypeCoder, a.handle)
	_ = bus.RegisterAgent(ctx, "b", shared.AgentTypeCoder, b.handle)
	_ = bus.RegisterAgent(ctx, "c", shared.AgentTypeTester, c.handle)

	if _, err := bus.SendToChannel(ctx, "", "planning", nil, shared.MessagePriorityNormal); !shared.IsNotFound(err) {
		t.Fatalf("expected not found for unknown channel, got %v", err)
	}
	if err := bus.Subscribe("planning", "a"); !shared.IsNotFound(err) {
		t.Fatalf("expected not found subscribing to unknown channel, got %v", err)
	}

	if _, err := bus.SendToChannel(ctx, "a", TypeChannel(shared.AgentTypeCoder), map[string]interface{}{"x": 1}, shared.MessagePriorityHigh); err != nil {
		t.Fatalf("send to type channel: %v", err)
	}
	bus.DrainOnce(ctx)
	if len(a.all()) != 0 || len(b.all()) != 1 || len(c.all()) != 0 {
		t.Fatalf("unexpected deliveries a=%d b=%d c=%d", len(a.all()), len(b.all()), len(c.all()))
	}

	_ = bus.CreateChannel("planning")
	_ = bus.Subscribe("planning", "c")
	if _, err := bus.SendToChannel(ctx, "", "planning", nil, shared.MessagePriorityNormal); err != nil {
		t.Fatalf("send to planning: %v", err)
	}
	bus.DrainOnce(ctx)
	if len(c.all()) != 1 {
		t.Fatalf("expected planning subscriber to receive, got %d", len(c.all()))
	}
	if got := c.all()[0]; got.Channel != "planning" || got.Type != shared.MessageChannel {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestSendToUnknownAgent(t *testing.T) {
	bus, _, _ := newTestBus(t, nil)
	_, err := bus.Send(context.Background(), "a", "ghost", shared.MessageQuery, nil, shared.MessagePriorityNormal)
	if !shared.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPendingMessagesReplayedOnRegister(t *testing.T) {
	bus, store, _ := newTestBus(t, nil)
	ctx := context.Background()

	if err := store.CreateAgent(ctx, &shared.Agent{ID: "late", SwarmID: "swarm-1", Type: shared.AgentTypeCoder, Status: shared.AgentStatusIdle}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := bus.Send(ctx, "a", "late", shared.MessageTaskAssignment, map[string]interface{}{"taskId": "t1"}, shared.MessagePriorityHigh); err != nil {
		t.Fatalf("send: %v", err)
	}
	if q := bus.GetStats().Queued; q != 0 {
		t.Fatalf("expected nothing queued for unregistered agent, got %d", q)
	}

	pending, _ := bus.GetPendingMessages(ctx, "late")
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}

	var got inbox
	if err := bus.RegisterAgent(ctx, "late", shared.AgentTypeCoder, got.handle); err != nil {
		t.Fatalf("register: %v", err)
	}
	bus.DrainOnce(ctx)
	if msgs := got.all(); len(msgs) != 1 || msgs[0].Content["taskId"] != "t1" {
		t.Fatalf("expected replayed assignment, got %+v", msgs)
	}
	if pending, _ := bus.GetPendingMessages(ctx, "late"); len(pending) != 0 {
		t.Fatalf("expected no pending messages after delivery, got %d", len(pending))
	}
}

// sendDuringReplay sends a message to the registering agent from inside
// GetPendingMessages, the window between subscription and replay.
type sendDuringReplay struct {
	*persistence.MemoryStore
	bus  *Bus
	sent chan struct{}
}

func (s *sendDuringReplay) GetPendingMessages(ctx context.Context, agentID string) ([]*shared.Message, error) {
	go func() {
		_, _ = s.bus.Send(ctx, "a", agentID, shared.MessageCoordination, map[string]interface{}{"n": "racing"}, shared.MessagePriorityNormal)
		close(s.sent)
	}()
	select {
	case <-s.sent:
	case <-time.After(50 * time.Millisecond):
	}
	return s.MemoryStore.GetPendingMessages(ctx, agentID)
}

func TestMessageSentDuringRegistrationDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	store := &sendDuringReplay{MemoryStore: persistence.NewMemoryStore(), sent: make(chan struct{})}
	if err := store.CreateAgent(ctx, &shared.Agent{ID: "b", SwarmID: "swarm-1", Type: shared.AgentTypeCoder, Status: shared.AgentStatusIdle}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	bus := NewBus("swarm-1", store, clock.NewFake(time.Unix(1_700_000_000, 0)), nil, config.Defaults().Bus, nil)
	t.Cleanup(bus.Stop)
	store.bus = bus

	var got inbox
	if err := bus.RegisterAgent(ctx, "b", shared.AgentTypeCoder, got.handle); err != nil {
		t.Fatalf("register: %v", err)
	}
	select {
	case <-store.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}
	for i := 0; i < 3; i++ {
		bus.DrainOnce(ctx)
	}
	if msgs := got.all(); len(msgs) != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", len(msgs))
	}
}

func TestZeroLatencyThresholdDefaulted(t *testing.T) {
	cfg := config.Defaults().Bus
	cfg.LatencyAlertThreshold = 0
	bus := NewBus("swarm-1", persistence.NewMemoryStore(), clock.NewFake(time.Unix(1_700_000_000, 0)), nil, cfg, nil)
	if bus.cfg.LatencyAlertThreshold != time.Second {
		t.Fatalf("expected 1s default threshold, got %v", bus.cfg.LatencyAlertThreshold)
	}
}

func TestRequestResponse(t *testing.T) {
	bus, _, _ := newTestBus(t, nil)
	ctx := context.Background()

	var requester inbox
	_ = bus.RegisterAgent(ctx, "a", shared.AgentTypeCoordinator, requester.handle)
	_ = bus.RegisterAgent(ctx, "b", shared.AgentTypeResearcher, func(msg *shared.Message) {
		if msg.Type != shared.MessageQuery {
			return
		}
		if _, err := bus.Respond(ctx, msg, "b", map[string]interface{}{"answer": 42}); err != nil {
			t.Errorf("respond: %v", err)
		}
	})

	type result struct {
		msg *shared.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := bus.RequestResponse(ctx, "a", "b", map[string]interface{}{"q": "?"}, time.Minute)
		done <- result{msg, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.DrainOnce(ctx)
		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("request: %v", r.err)
			}
			if r.msg.Type != shared.MessageResponse || r.msg.Content["answer"] != 42 {
				t.Fatalf("unexpected response %+v", r.msg)
			}
			if len(requester.all()) != 0 {
				t.Fatal("expected response to go to the waiter, not the handler")
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for response")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestResponseTimeout(t *testing.T) {
	bus, _, clk := newTestBus(t, nil)
	ctx := context.Background()

	var silent inbox
	_ = bus.RegisterAgent(ctx, "b", shared.AgentTypeResearcher, silent.handle)

	errs := make(chan error, 1)
	go func() {
		_, err := bus.RequestResponse(ctx, "a", "b", nil, 5*time.Second)
		errs <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)

	select {
	case err := <-errs:
		if !shared.IsTimeout(err) {
			t.Fatalf("expected timeout error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
	if s := bus.GetStats(); s.Timeouts != 1 || s.PendingRequests != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestLatencyAlert(t *testing.T) {
	eb := events.New()
	defer eb.Close()
	alerts := eb.Subscribe(shared.EventBusLatencyAlert)

	bus, _, clk := newTestBus(t, eb.Scoped("swarm-1"))
	ctx := context.Background()

	var got inbox
	_ = bus.RegisterAgent(ctx, "b", shared.AgentTypeCoder, got.handle)
	_, _ = bus.Send(ctx, "a", "b", shared.MessageQuery, nil, shared.MessagePriorityNormal)

	clk.Advance(2 * time.Second)
	bus.DrainOnce(ctx)

	select {
	case ev := <-alerts.C:
		if ev.SwarmID != "swarm-1" {
			t.Fatalf("expected scoped swarm id, got %q", ev.SwarmID)
		}
		if ev.Payload["avgLatencyMs"].(float64) < 1000 {
			t.Fatalf("unexpected payload %+v", ev.Payload)
		}
	default:
		t.Fatal("expected latency alert")
	}
	if !bus.GetStats().LatencyAlert {
		t.Fatal("expected latency alert flag")
	}
}

func TestStartDrainsOnTick(t *testing.T) {
	bus, _, clk := newTestBus(t, nil)
	ctx := context.Background()

	received := make(chan *shared.Message, 1)
	_ = bus.RegisterAgent(ctx, "b", shared.AgentTypeCoder, func(msg *shared.Message) { received <- msg })
	bus.Start(ctx)
	_, _ = bus.Send(ctx, "a", "b", shared.MessageQuery, nil, shared.MessagePriorityNormal)

	clk.WaitForTimers(1)
	clk.Advance(100 * time.Millisecond)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivery on tick")
	}
}
