package bus

import (
	"sync"
	"time"

	"github.com/mkefalas/agora/internal/core"
)

// Memory is the in-process backend. It is the fallback when the
// durable store is unreachable and the workhorse for tests: no
// cross-process delivery, no persistence, same contract otherwise.
type Memory struct {
	mu       sync.RWMutex
	nextSub  int
	subs     map[string]map[int]Handler // channel -> sub id -> handler
	channels map[string]string          // agent id -> channel
	online   map[string]time.Time       // agent id -> registered at
	history  map[string][]*core.Message // pair key -> newest first
	queues   map[string][]*core.Task
	degraded bool
	closed   bool
}

// NewMemory returns an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[string]map[int]Handler),
		channels: make(map[string]string),
		online:   make(map[string]time.Time),
		history:  make(map[string][]*core.Message),
		queues:   make(map[string][]*core.Task),
	}
}

func (m *Memory) Register(agentID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel == "" {
		channel = AgentChannel(agentID)
	}
	m.channels[agentID] = channel
	m.online[agentID] = time.Now().UTC()
	return nil
}

func (m *Memory) Unregister(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, agentID)
	return nil
}

func (m *Memory) Publish(msg *core.Message) error {
	channel := BroadcastChannel
	if msg.ReceiverID != "" {
		channel = AgentChannel(msg.ReceiverID)
		m.mu.RLock()
		if reg, ok := m.channels[msg.ReceiverID]; ok {
			channel = reg
		}
		m.mu.RUnlock()
	}

	m.appendHistory(msg)
	m.deliver(channel, msg)
	return nil
}

func (m *Memory) Respond(msg *core.Message) error {
	m.deliver(ResponseChannel(msg.CorrelationID), msg)
	return nil
}

func (m *Memory) Subscribe(channel string, h Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]Handler)
	}
	m.subs[channel][id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[channel], id)
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
	}, nil
}

func (m *Memory) Request(msg *core.Message, timeout time.Duration) (*core.Message, error) {
	return request(m, msg, timeout)
}

func (m *Memory) Push(queue string, task *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := QueueKey(queue)
	m.queues[key] = append(m.queues[key], task)
	return nil
}

func (m *Memory) Pop(queue string) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := QueueKey(queue)
	q := m.queues[key]
	if len(q) == 0 {
		return nil, nil
	}
	task := q[0]
	m.queues[key] = q[1:]
	return task, nil
}

func (m *Memory) QueueLen(queue string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[QueueKey(queue)]), nil
}

func (m *Memory) History(senderID, receiverID string, limit int) ([]*core.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.history[historyKey(senderID, receiverID)]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*core.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) OnlineAgents() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.online))
	for id := range m.online {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]map[int]Handler)
	return nil
}

// markDegraded flags the bus as a fallback for an unreachable durable
// backend.
func (m *Memory) markDegraded() *Memory {
	m.degraded = true
	return m
}

// deliver invokes every handler subscribed to a channel, in
// subscription order. Handlers run inline so per-channel ordering is
// preserved; they are expected to hand off quickly.
func (m *Memory) deliver(channel string, msg *core.Message) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	// Map iteration order is random; deliver in subscription order.
	ids := sortedSubIDs(m.subs[channel])
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subs[channel][id])
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (m *Memory) appendHistory(msg *core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := historyKey(msg.SenderID, msg.ReceiverID)
	hist := append([]*core.Message{msg}, m.history[key]...)
	if len(hist) > historyLimit {
		hist = hist[:historyLimit]
	}
	m.history[key] = hist
}
