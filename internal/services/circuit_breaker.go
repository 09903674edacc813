package services

import (
	"context"
	"errors"

	"homeservice/internal/config"
	"homeservice/pkg/pushgw"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

func newCircuitBreaker(name string, cfg config.CircuitBreakerConfig, logger *logrus.Logger) *gobreaker.CircuitBreaker[any] {
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	halfOpen := cfg.HalfOpenMaxReqs
	if halfOpen <= 0 {
		halfOpen = 1
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(halfOpen),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		// 无效 token 属于收件人问题，不计入熔断
		IsSuccessful: func(err error) bool {
			var de *pushgw.DeliveryError
			return err == nil || errors.As(err, &de) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
}

// BreakerMailer 熔断保护的 Mailer
type BreakerMailer struct {
	next Mailer
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerMailer(next Mailer, cfg config.CircuitBreakerConfig, logger *logrus.Logger) Mailer {
	if !cfg.Enabled {
		return next
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &BreakerMailer{next: next, cb: newCircuitBreaker("mailer", cfg, logger)}
}

func (m *BreakerMailer) SendMail(ctx context.Context, mail Mail) error {
	_, err := m.cb.Execute(func() (any, error) {
		return nil, m.next.SendMail(ctx, mail)
	})
	return err
}

func (m *BreakerMailer) State() gobreaker.State { return m.cb.State() }

// BreakerPusher 熔断保护的 Pusher
type BreakerPusher struct {
	next Pusher
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerPusher(next Pusher, cfg config.CircuitBreakerConfig, logger *logrus.Logger) Pusher {
	if !cfg.Enabled {
		return next
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &BreakerPusher{next: next, cb: newCircuitBreaker("pusher", cfg, logger)}
}

func (p *BreakerPusher) SendToToken(ctx context.Context, token, title, body string, data map[string]any) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.next.SendToToken(ctx, token, title, body, data)
	})
	return err
}

func (p *BreakerPusher) State() gobreaker.State { return p.cb.State() }
