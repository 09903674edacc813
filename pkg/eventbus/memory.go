package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryBus delivers events to in-process subscribers on their own goroutine.
// Used when no broker is configured and in tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []subscription
	wg     sync.WaitGroup
	closed bool
	logger *logrus.Logger
}

type subscription struct {
	pattern string
	handler Handler
}

func NewMemoryBus(logger *logrus.Logger) *MemoryBus {
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryBus{logger: logger}
}

// Subscribe registers handler for a topic pattern ("*" matches one word, "#" any suffix).
func (b *MemoryBus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
}

func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		if !MatchTopic(sub.pattern, evt.Type) {
			continue
		}
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			if err := h(context.WithoutCancel(ctx), evt); err != nil {
				b.logger.Warnf("eventbus: in-process handler for %s failed: %v", evt.Type, err)
			}
		}(sub.handler)
	}
	return nil
}

// Wait blocks until every dispatched handler returned.
func (b *MemoryBus) Wait() {
	b.wg.Wait()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// MatchTopic applies AMQP topic matching to dotted routing keys.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	}
	return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
}
