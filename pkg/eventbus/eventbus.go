package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AlertEvent mirrors a monitor alert onto the bus so external consumers can
// react without polling the ops API.
type AlertEvent struct {
	AlertType string  `json:"alert_type"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message,omitempty"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// ScaleEvent announces a concurrency cap change applied by the gateway.
type ScaleEvent struct {
	Direction string `json:"direction"`
	NewValue  int    `json:"new_value"`
	Reason    string `json:"reason,omitempty"`
}

const (
	ChannelAlert = "lg:events:alert"
	ChannelScale = "lg:events:scale"
)

type Bus struct {
	client redis.UniversalClient
}

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	sub := b.client.Subscribe(ctx, channels...)
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			ch <- &event
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
