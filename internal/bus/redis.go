package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkefalas/agora/internal/core"
)

// Redis is the durable backend: pub/sub channels, per-pair history
// lists capped at historyLimit, FIFO queues as redis lists, and
// online/offline status keys with last-seen timestamps.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	nextSub int
	subs    map[string]map[int]Handler
}

// NewRedis connects to redis at url and verifies the connection with a
// ping before returning.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	busCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client: client,
		pubsub: client.Subscribe(busCtx),
		ctx:    busCtx,
		cancel: cancel,
		subs:   make(map[string]map[int]Handler),
	}
	go r.listen()
	return r, nil
}

// listen drains the pubsub connection and dispatches each payload to
// the handlers registered for its channel, in subscription order.
func (r *Redis) listen() {
	for msg := range r.pubsub.Channel() {
		var m core.Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			slog.Error("bus: undecodable message", "channel", msg.Channel, "error", err)
			continue
		}

		r.mu.RLock()
		ids := sortedSubIDs(r.subs[msg.Channel])
		handlers := make([]Handler, 0, len(ids))
		for _, id := range ids {
			handlers = append(handlers, r.subs[msg.Channel][id])
		}
		r.mu.RUnlock()

		for _, h := range handlers {
			h(&m)
		}
	}
}

func (r *Redis) Register(agentID, channel string) error {
	if channel == "" {
		channel = AgentChannel(agentID)
	}
	pipe := r.client.Pipeline()
	pipe.Set(r.ctx, "agent:"+agentID+":channel", channel, 0)
	pipe.Set(r.ctx, "agent:"+agentID+":status", "online", 0)
	pipe.Set(r.ctx, "agent:"+agentID+":last_seen", time.Now().UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("register agent %s: %w", agentID, err)
	}
	return nil
}

func (r *Redis) Unregister(agentID string) error {
	if err := r.client.Set(r.ctx, "agent:"+agentID+":status", "offline", 0).Err(); err != nil {
		return fmt.Errorf("unregister agent %s: %w", agentID, err)
	}
	return nil
}

func (r *Redis) Publish(msg *core.Message) error {
	channel := BroadcastChannel
	if msg.ReceiverID != "" {
		channel = AgentChannel(msg.ReceiverID)
		if reg, err := r.client.Get(r.ctx, "agent:"+msg.ReceiverID+":channel").Result(); err == nil && reg != "" {
			channel = reg
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := r.client.Publish(r.ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	key := historyKey(msg.SenderID, msg.ReceiverID)
	pipe := r.client.Pipeline()
	pipe.LPush(r.ctx, key, data)
	pipe.LTrim(r.ctx, key, 0, historyLimit-1)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("store message history: %w", err)
	}
	return nil
}

func (r *Redis) Respond(msg *core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	channel := ResponseChannel(msg.CorrelationID)
	if err := r.client.Publish(r.ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish response to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(channel string, h Handler) (func(), error) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	first := r.subs[channel] == nil
	if first {
		r.subs[channel] = make(map[int]Handler)
	}
	r.subs[channel][id] = h
	r.mu.Unlock()

	if first {
		if err := r.pubsub.Subscribe(r.ctx, channel); err != nil {
			r.mu.Lock()
			delete(r.subs[channel], id)
			if len(r.subs[channel]) == 0 {
				delete(r.subs, channel)
			}
			r.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	return func() {
		r.mu.Lock()
		delete(r.subs[channel], id)
		last := len(r.subs[channel]) == 0
		if last {
			delete(r.subs, channel)
		}
		r.mu.Unlock()
		if last {
			_ = r.pubsub.Unsubscribe(r.ctx, channel)
		}
	}, nil
}

func (r *Redis) Request(msg *core.Message, timeout time.Duration) (*core.Message, error) {
	return request(r, msg, timeout)
}

func (r *Redis) Push(queue string, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := r.client.RPush(r.ctx, QueueKey(queue), data).Err(); err != nil {
		return fmt.Errorf("push to queue %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) Pop(queue string) (*core.Task, error) {
	data, err := r.client.LPop(r.ctx, QueueKey(queue)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from queue %s: %w", queue, err)
	}
	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal queued task: %w", err)
	}
	return &task, nil
}

func (r *Redis) QueueLen(queue string) (int, error) {
	n, err := r.client.LLen(r.ctx, QueueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", queue, err)
	}
	return int(n), nil
}

func (r *Redis) History(senderID, receiverID string, limit int) ([]*core.Message, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	raw, err := r.client.LRange(r.ctx, historyKey(senderID, receiverID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	msgs := make([]*core.Message, 0, len(raw))
	for _, item := range raw {
		var m core.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

func (r *Redis) OnlineAgents() ([]string, error) {
	var online []string
	iter := r.client.Scan(r.ctx, 0, "agent:*:status", 0).Iterator()
	for iter.Next(r.ctx) {
		key := iter.Val()
		status, err := r.client.Get(r.ctx, key).Result()
		if err != nil || status != "online" {
			continue
		}
		parts := strings.Split(key, ":")
		if len(parts) == 3 {
			online = append(online, parts[1])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan agent status: %w", err)
	}
	return online, nil
}

func (r *Redis) Degraded() bool { return false }

func (r *Redis) Close() error {
	r.cancel()
	_ = r.pubsub.Close()
	return r.client.Close()
}

func sortedSubIDs(subs map[int]Handler) []int {
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	return ids
}
