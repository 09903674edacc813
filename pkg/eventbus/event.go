package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultExchange 领域事件的 topic exchange
const DefaultExchange = "homeservice.events"

// Event 领域事件信封；路由键即 Type（如 booking.created）
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"event"`
	EntityKind string         `json:"entityKind"`
	EntityID   uint           `json:"entityId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent 创建带 ID 与时间戳的事件
func NewEvent(eventType, entityKind string, entityID uint) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityKind: entityKind,
		EntityID:   entityID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type required")
	}
	if e.EntityKind == "" || e.EntityID == 0 {
		return fmt.Errorf("event %s: entity kind and id required", e.Type)
	}
	return nil
}

// Encode 序列化事件
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode 反序列化事件
func Decode(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, e.Validate()
}

// Handler 处理单个事件
type Handler func(ctx context.Context, evt Event) error

// Publisher 发布事件
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}
