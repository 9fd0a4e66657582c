// Package bus provides the pub/sub transport used between the
// coordinator and agent runtimes: named channels with per-pair history,
// FIFO work queues, and correlation-based request/response.
//
// One Bus interface, three backends: in-memory (always available),
// redis (durable, cross-process), and embedded NATS. Connect selects a
// backend at construction time; business logic never branches on which
// one is live.
package bus

import (
	"errors"
	"time"

	"github.com/mkefalas/agora/internal/core"
)

// ErrNoResponse is returned by Request when the deadline passes without
// a matching reply.
var ErrNoResponse = errors.New("bus: no response before deadline")

// Handler is invoked once per message delivered on a subscribed
// channel. Handlers run on the delivery path and must not block;
// long-running work belongs on the subscriber's own goroutine.
type Handler func(msg *core.Message)

// Bus delivers messages to named channels and tasks to named FIFO
// queues.
type Bus interface {
	// Register records the channel an agent listens on and marks it
	// online. Idempotent.
	Register(agentID, channel string) error

	// Unregister marks an agent offline. Idempotent.
	Unregister(agentID string) error

	// Publish delivers to the receiver's registered channel, or to the
	// broadcast channel when the receiver is empty, and appends the
	// message to the bounded per-pair history. It never blocks on
	// subscriber processing.
	Publish(msg *core.Message) error

	// Respond delivers a reply on the transient response channel keyed
	// by the message's correlation id.
	Respond(msg *core.Message) error

	// Subscribe registers a handler for a channel. Multiple handlers
	// per channel are legal and all are invoked. The returned func
	// removes exactly this handler.
	Subscribe(channel string, h Handler) (unsubscribe func(), err error)

	// Request publishes msg with a fresh correlation id and waits for
	// the first reply on the matching response channel. The transient
	// subscription is released on every exit path. Returns
	// ErrNoResponse when the timeout elapses.
	Request(msg *core.Message, timeout time.Duration) (*core.Message, error)

	// Push appends a task to a named FIFO queue.
	Push(queue string, task *core.Task) error

	// Pop removes and returns the oldest task, or (nil, nil) when the
	// queue is empty. Non-blocking.
	Pop(queue string) (*core.Task, error)

	// QueueLen reports the number of queued tasks.
	QueueLen(queue string) (int, error)

	// History returns up to limit most-recent messages exchanged
	// between a sender/receiver pair, newest first.
	History(senderID, receiverID string, limit int) ([]*core.Message, error)

	// OnlineAgents lists the ids currently registered as online.
	OnlineAgents() ([]string, error)

	// Degraded reports whether the bus fell back to in-memory delivery
	// because the durable backing store was unreachable.
	Degraded() bool

	Close() error
}

// Channel and queue naming, shared by every backend.

const (
	// BroadcastChannel receives messages without a receiver.
	BroadcastChannel = "broadcast"

	// OrchestratorChannel carries coordinator-bound control messages.
	OrchestratorChannel = "orchestrator"

	// historyLimit bounds the per-pair message history.
	historyLimit = 100
)

// AgentChannel returns the per-agent channel name.
func AgentChannel(agentID string) string {
	return "agent_" + agentID
}

// ResponseChannel returns the transient reply channel for a
// correlation id.
func ResponseChannel(correlationID string) string {
	return "response:" + correlationID
}

// QueueKey returns the storage key for a named FIFO queue.
func QueueKey(name string) string {
	return "queue:" + name
}

// historyKey identifies a sender/receiver pair in the audit history.
func historyKey(senderID, receiverID string) string {
	if receiverID == "" {
		receiverID = BroadcastChannel
	}
	return "messages:" + senderID + ":" + receiverID
}
