package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blackms/hivemind-go/internal/infrastructure/natsbus"
	"github.com/blackms/hivemind-go/internal/shared"
)

func TestSubscribeFiltersByType(t *testing.T) {
	bus := New(WithBufferSize(4))
	defer bus.Close()

	failed := bus.Subscribe(shared.EventTaskFailed)
	all := bus.Subscribe()

	bus.Emit(shared.Event{Type: shared.EventTaskCompleted})
	bus.Emit(shared.Event{Type: shared.EventTaskFailed, Payload: map[string]interface{}{"taskId": "t1"}})

	select {
	case ev := <-failed.C:
		if ev.Type != shared.EventTaskFailed || ev.Payload["taskId"] != "t1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Timestamp == 0 {
			t.Fatal("expected timestamp to be stamped")
		}
	default:
		t.Fatal("expected task failed event")
	}
	select {
	case ev := <-failed.C:
		t.Fatalf("expected no further events, got %+v", ev)
	default:
	}
	if len(all.C) != 2 {
		t.Fatalf("expected wildcard subscriber to see 2 events, got %d", len(all.C))
	}
}

func TestUnsubscribeOnlyRemovesOne(t *testing.T) {
	bus := New()
	defer bus.Close()

	a := bus.Subscribe(shared.EventAgentSpawned)
	b := bus.Subscribe(shared.EventAgentSpawned)
	bus.Unsubscribe(a)

	if _, ok := <-a.C; ok {
		t.Fatal("expected unsubscribed channel to be closed")
	}
	bus.Emit(shared.Event{Type: shared.EventAgentSpawned})
	if len(b.C) != 1 {
		t.Fatal("expected remaining subscriber to receive the event")
	}
	bus.Unsubscribe(a)
}

func TestHandlersAndOff(t *testing.T) {
	bus := New()
	defer bus.Close()

	var got []shared.EventType
	id := bus.On(shared.EventAll, func(ev shared.Event) { got = append(got, ev.Type) })
	bus.Emit(shared.Event{Type: shared.EventQueenDecision})
	bus.Off(id)
	bus.Emit(shared.Event{Type: shared.EventQueenDecision})

	if len(got) != 1 {
		t.Fatalf("expected 1 handled event, got %d", len(got))
	}
}

func TestDroppedWhenFull(t *testing.T) {
	bus := New(WithBufferSize(1))
	defer bus.Close()
	bus.Subscribe()

	bus.Emit(shared.Event{Type: shared.EventTaskProgress})
	bus.Emit(shared.Event{Type: shared.EventTaskProgress})

	emitted, dropped := bus.Stats()
	if emitted != 2 || dropped != 1 {
		t.Fatalf("expected 2 emitted / 1 dropped, got %d / %d", emitted, dropped)
	}
}

func TestScopedPublisher(t *testing.T) {
	bus := New()
	defer bus.Close()
	sub := bus.Subscribe()

	Emit(bus.Scoped("swarm-1"), shared.EventTaskSubmitted, map[string]interface{}{"taskId": "t"})
	ev := <-sub.C
	if ev.SwarmID != "swarm-1" {
		t.Fatalf("expected swarm id stamped, got %q", ev.SwarmID)
	}
	Emit(nil, shared.EventTaskSubmitted, nil)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingPublisher) PublishJSON(subject string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func TestNATSBridgeSubjects(t *testing.T) {
	bus := New()
	defer bus.Close()
	pub := &recordingPublisher{}
	bridge := NewNATSBridge(bus, pub, "hm", nil)

	bus.Emit(shared.Event{Type: shared.EventTaskCompleted, SwarmID: "s1"})
	bridge.Close()
	bus.Emit(shared.Event{Type: shared.EventTaskCompleted, SwarmID: "s1"})

	if len(pub.subjects) != 1 || pub.subjects[0] != "hm.s1.task:completed" {
		t.Fatalf("expected one event on hm.s1.task:completed, got %v", pub.subjects)
	}
}

func TestNATSBridgeEndToEnd(t *testing.T) {
	srv, err := natsbus.NewServer(natsbus.ServerConfig{Port: natsbus.RandomPort})
	if err != nil {
		t.Fatalf("failed to start nats: %v", err)
	}
	defer srv.Close()

	client, err := natsbus.NewClient(srv.ClientURL())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	received := make(chan []byte, 1)
	if _, err := client.Subscribe(natsbus.SwarmWildcard("hivemind", "s1"), func(msg *nats.Msg) {
		received <- msg.Data
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	client.Flush()

	bus := New()
	defer bus.Close()
	bridge := NewNATSBridge(bus, client, "hivemind", nil)
	defer bridge.Close()

	bus.Emit(shared.Event{Type: shared.EventAgentSpawned, SwarmID: "s1", Payload: map[string]interface{}{"agentId": "a1"}})
	client.Flush()

	select {
	case data := <-received:
		var ev shared.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != shared.EventAgentSpawned || ev.Payload["agentId"] != "a1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bridged event")
	}
}
