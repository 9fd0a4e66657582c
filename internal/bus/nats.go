package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/mkefalas/agora/internal/core"
)

// NATS runs an embedded NATS server and maps channels onto subjects.
// Pub/sub rides the server; queues, pair history, and the online
// registry are process-local (core NATS has no FIFO pull queue), so
// the redis backend remains the fully durable option.
type NATS struct {
	server *natsserver.Server
	conn   *nats.Conn

	mu   sync.RWMutex
	subs map[string][]*nats.Subscription

	// local holds registration, history, and queue state.
	local *Memory
}

// NATSOptions configures the embedded server.
type NATSOptions struct {
	Port    int
	DataDir string
}

// NewNATS starts an embedded NATS server and connects a client to it.
func NewNATS(opts NATSOptions) (*NATS, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	srvOpts := &natsserver.Options{
		Port:      opts.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  opts.DataDir,
	}

	ns, err := natsserver.NewServer(srvOpts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATS{
		server: ns,
		conn:   conn,
		subs:   make(map[string][]*nats.Subscription),
		local:  NewMemory(),
	}, nil
}

// ClientURL returns the embedded server's client URL, for external
// processes that want to join the bus directly.
func (n *NATS) ClientURL() string {
	return n.server.ClientURL()
}

func (n *NATS) Register(agentID, channel string) error {
	return n.local.Register(agentID, channel)
}

func (n *NATS) Unregister(agentID string) error {
	return n.local.Unregister(agentID)
}

func (n *NATS) Publish(msg *core.Message) error {
	channel := BroadcastChannel
	if msg.ReceiverID != "" {
		channel = AgentChannel(msg.ReceiverID)
		n.local.mu.RLock()
		if reg, ok := n.local.channels[msg.ReceiverID]; ok {
			channel = reg
		}
		n.local.mu.RUnlock()
	}

	n.local.appendHistory(msg)
	return n.publishTo(channel, msg)
}

func (n *NATS) Respond(msg *core.Message) error {
	return n.publishTo(ResponseChannel(msg.CorrelationID), msg)
}

func (n *NATS) publishTo(channel string, msg *core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := n.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (n *NATS) Subscribe(channel string, h Handler) (func(), error) {
	sub, err := n.conn.Subscribe(channel, func(m *nats.Msg) {
		var msg core.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("bus: undecodable message", "channel", channel, "error", err)
			return
		}
		h(&msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	n.mu.Lock()
	n.subs[channel] = append(n.subs[channel], sub)
	n.mu.Unlock()

	return func() {
		_ = sub.Unsubscribe()
		n.mu.Lock()
		defer n.mu.Unlock()
		remaining := n.subs[channel][:0]
		for _, s := range n.subs[channel] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		n.subs[channel] = remaining
	}, nil
}

func (n *NATS) Request(msg *core.Message, timeout time.Duration) (*core.Message, error) {
	return request(n, msg, timeout)
}

func (n *NATS) Push(queue string, task *core.Task) error {
	return n.local.Push(queue, task)
}

func (n *NATS) Pop(queue string) (*core.Task, error) {
	return n.local.Pop(queue)
}

func (n *NATS) QueueLen(queue string) (int, error) {
	return n.local.QueueLen(queue)
}

func (n *NATS) History(senderID, receiverID string, limit int) ([]*core.Message, error) {
	return n.local.History(senderID, receiverID, limit)
}

func (n *NATS) OnlineAgents() ([]string, error) {
	return n.local.OnlineAgents()
}

func (n *NATS) Degraded() bool { return false }

func (n *NATS) Close() error {
	n.conn.Close()
	n.server.Shutdown()
	n.server.WaitForShutdown()
	return nil
}
