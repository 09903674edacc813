package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RabbitMQPublisher 发布事件到 topic exchange
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *logrus.Logger
	mu       sync.Mutex
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	)
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明 topic exchange
func NewRabbitMQPublisher(url, exchange string, logger *logrus.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Infof("eventbus: publisher connected to exchange %s", exchange)
	return &RabbitMQPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	body, err := Encode(evt)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		evt.Type, // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Errorf("eventbus: publish %s failed: %v", evt.Type, err)
		return err
	}
	p.logger.Debugf("eventbus: published %s (%s %d)", evt.Type, evt.EntityKind, evt.EntityID)
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warnf("eventbus: close channel: %v", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	URL         string
	Exchange    string
	Queue       string
	RoutingKeys []string
	Prefetch    int
}

// RabbitMQConsumer 从持久队列消费事件并交给 Handler
type RabbitMQConsumer struct {
	cfg     ConsumerConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logrus.Logger
}

// NewRabbitMQConsumer 声明队列并绑定路由键
func NewRabbitMQConsumer(cfg ConsumerConfig, logger *logrus.Logger) (*RabbitMQConsumer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if len(cfg.RoutingKeys) == 0 {
		cfg.RoutingKeys = []string{"#"}
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	cleanup := func() {
		_ = ch.Close()
		_ = conn.Close()
	}
	if err := declareExchange(ch, cfg.Exchange); err != nil {
		cleanup()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range cfg.RoutingKeys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			cleanup()
			return nil, fmt.Errorf("bind queue %s to %s: %w", cfg.Queue, key, err)
		}
	}

	logger.Infof("eventbus: consumer bound queue %s to %v", cfg.Queue, cfg.RoutingKeys)
	return &RabbitMQConsumer{cfg: cfg, conn: conn, channel: ch, logger: logger}, nil
}

// Start 消费直到 ctx 取消或通道关闭；无法解码的消息丢弃，处理失败的消息重新入队一次
func (c *RabbitMQConsumer) Start(ctx context.Context, handler Handler) error {
	if err := c.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := c.channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("eventbus: delivery channel closed")
			}
			c.handle(ctx, msg, handler)
		}
	}
}

func (c *RabbitMQConsumer) handle(ctx context.Context, msg amqp.Delivery, handler Handler) {
	evt, err := Decode(msg.Body)
	if err != nil {
		c.logger.Warnf("eventbus: drop malformed message %s: %v", msg.MessageId, err)
		_ = msg.Nack(false, false)
		return
	}
	if err := handler(ctx, evt); err != nil {
		c.logger.Warnf("eventbus: handle %s failed: %v", evt.Type, err)
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

func (c *RabbitMQConsumer) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
