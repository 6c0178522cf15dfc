package messaging

import (
	"sync"
	"time"

	"github.com/blackms/hivemind-go/internal/shared"
)

// envelope is a queued message with the time it entered the bus.
type envelope struct {
	msg        *shared.Message
	enqueuedAt time.Time
}

// PriorityQueue holds one FIFO lane per message priority.
type PriorityQueue struct {
	mu    sync.Mutex
	lanes [shared.MessagePriorityCount]*Deque[*envelope]
	total int
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{}
	for i := range pq.lanes {
		pq.lanes[i] = NewDeque[*envelope](16)
	}
	return pq
}

func lane(p shared.MessagePriority) int {
	if p < 0 || int(p) >= shared.MessagePriorityCount {
		return int(shared.MessagePriorityNormal)
	}
	return int(p)
}

// Enqueue appends env to its priority lane.
func (pq *PriorityQueue) Enqueue(env *envelope) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.lanes[lane(env.msg.Priority)].PushBack(env)
	pq.total++
}

// DrainBatch removes up to perLane envelopes from each lane, urgent first,
// and returns them in delivery order.
func (pq *PriorityQueue) DrainBatch(perLane int) []*envelope {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	var out []*envelope
	for i := range pq.lanes {
		for n := 0; n < perLane; n++ {
			env, ok := pq.lanes[i].PopFront()
			if !ok {
				break
			}
			out = append(out, env)
			pq.total--
		}
	}
	return out
}

// RemoveRecipient drops queued direct messages addressed to agentID.
func (pq *PriorityQueue) RemoveRecipient(agentID string) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	n := 0
	for i := range pq.lanes {
		n += pq.lanes[i].RemoveFunc(func(env *envelope) bool {
			return env.msg.ToAgentID == agentID
		})
	}
	pq.total -= n
	return n
}

// Len returns the number of queued envelopes.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.total
}

// LaneLens returns the queued count per lane.
func (pq *PriorityQueue) LaneLens() [shared.MessagePriorityCount]int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	var out [shared.MessagePriorityCount]int
	for i := range pq.lanes {
		out[i] = pq.lanes[i].Len()
	}
	return out
}

// Clear empties every lane.
func (pq *PriorityQueue) Clear() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for i := range pq.lanes {
		pq.lanes[i].Clear()
	}
	pq.total = 0
}
