package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"homeservice/internal/config"
	"homeservice/pkg/pushgw"

	"github.com/sirupsen/logrus"
)

// SMTPMailer 通过 SMTP 中继发送 HTML 邮件
type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPMailer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth: auth,
		from: cfg.From,
		send: smtp.SendMail,
	}
}

func (m *SMTPMailer) SendMail(ctx context.Context, mail Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(mail.To, "\r\n") || strings.ContainsAny(mail.Subject, "\r\n") {
		return errors.New("mail header contains line break")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", mail.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mail.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(mail.HTML)

	done := make(chan error, 1)
	go func() {
		done <- m.send(m.addr, m.auth, m.from, []string{mail.To}, []byte(b.String()))
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// LogMailer 只记录日志，未配置 SMTP 时使用
type LogMailer struct {
	logger *logrus.Logger
}

func NewLogMailer(logger *logrus.Logger) *LogMailer {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendMail(ctx context.Context, mail Mail) error {
	m.logger.WithFields(logrus.Fields{"to": mail.To, "subject": mail.Subject}).Info("mail: delivery disabled, logged only")
	return nil
}

// GatewayPusher 通过推送网关发送
type GatewayPusher struct {
	client *pushgw.Client
}

func NewGatewayPusher(client *pushgw.Client) *GatewayPusher {
	return &GatewayPusher{client: client}
}

func (p *GatewayPusher) SendToToken(ctx context.Context, token, title, body string, data map[string]any) error {
	_, err := p.client.Send(ctx, &pushgw.Message{
		To:           token,
		Notification: pushgw.Notification{Title: title, Body: body},
		Data:         data,
	})
	return err
}

// LogPusher 只记录日志，未配置推送网关时使用
type LogPusher struct {
	logger *logrus.Logger
}

func NewLogPusher(logger *logrus.Logger) *LogPusher {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogPusher{logger: logger}
}

func (p *LogPusher) SendToToken(ctx context.Context, token, title, body string, data map[string]any) error {
	p.logger.WithFields(logrus.Fields{"title": title, "data": data}).Info("push: delivery disabled, logged only")
	return nil
}

// LogSMSSender 短信网关占位实现
type LogSMSSender struct {
	logger *logrus.Logger
}

func NewLogSMSSender(logger *logrus.Logger) *LogSMSSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSMSSender{logger: logger}
}

func (s *LogSMSSender) SendSMS(ctx context.Context, to, body string) error {
	s.logger.WithField("to", to).Infof("sms: %s", body)
	return nil
}
