package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/mkefalas/agora/internal/core"
)

// request implements correlation-based request/response on top of any
// backend's Subscribe and Publish. A one-shot listener is installed on
// the response channel before the request goes out, and the
// subscription is released on every exit path.
func request(b Bus, msg *core.Message, timeout time.Duration) (*core.Message, error) {
	msg.RequiresResponse = true
	msg.CorrelationID = uuid.New().String()

	replyCh := make(chan *core.Message, 1)
	unsubscribe, err := b.Subscribe(ResponseChannel(msg.CorrelationID), func(reply *core.Message) {
		select {
		case replyCh <- reply:
		default: // exactly one reply is consumed
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	if err := b.Publish(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, ErrNoResponse
	}
}
