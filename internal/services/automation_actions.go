package services

import (
	"context"
	"strings"
	"time"

	"homeservice/internal/models"

	"github.com/sirupsen/logrus"
)

// ActionDeferrer 接管带 delay 的动作
type ActionDeferrer interface {
	Defer(ctx context.Context, hook *models.AutomationHook, index int, action models.HookAction, payload *Payload) error
}

// ActionExecutor 将单个动作分派给对应协作者
type ActionExecutor struct {
	mailer   Mailer
	pusher   Pusher
	sms      SMSSender
	users    UserDirectory
	entities EntityStore
	assigner *TechnicianAssigner
	invoices *InvoiceGenerator
	deferrer ActionDeferrer
	logger   *logrus.Logger
	now      func() time.Time
}

// ExecutorDeps 动作执行器依赖
type ExecutorDeps struct {
	Mailer   Mailer
	Pusher   Pusher
	SMS      SMSSender
	Users    UserDirectory
	Entities EntityStore
	Assigner *TechnicianAssigner
	Invoices *InvoiceGenerator
}

func NewActionExecutor(deps ExecutorDeps, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if deps.Mailer == nil {
		deps.Mailer = NewLogMailer(logger)
	}
	if deps.Pusher == nil {
		deps.Pusher = NewLogPusher(logger)
	}
	if deps.SMS == nil {
		deps.SMS = NewLogSMSSender(logger)
	}
	return &ActionExecutor{
		mailer:   deps.Mailer,
		pusher:   deps.Pusher,
		sms:      deps.SMS,
		users:    deps.Users,
		entities: deps.Entities,
		assigner: deps.Assigner,
		invoices: deps.Invoices,
		logger:   logger,
		now:      time.Now,
	}
}

// UseDeferrer 设置延迟动作的接管者
func (e *ActionExecutor) UseDeferrer(d ActionDeferrer) {
	e.deferrer = d
}

// Execute 立即执行动作；带 delay 时交给 deferrer
func (e *ActionExecutor) Execute(ctx context.Context, hook *models.AutomationHook, index int, action models.HookAction, payload *Payload) error {
	if action.Delay > 0 {
		if e.deferrer == nil {
			e.logger.Warnf("automation: hook %s: no scheduler for delayed %s, running inline", hook.Name, action.Type)
		} else {
			return e.deferrer.Defer(ctx, hook, index, action, payload)
		}
	}
	return e.Run(ctx, hook, action, payload)
}

// Run 忽略 delay 立即执行
func (e *ActionExecutor) Run(ctx context.Context, hook *models.AutomationHook, action models.HookAction, payload *Payload) error {
	cfg := action.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	switch action.Type {
	case models.ActionSendEmail:
		return e.sendEmail(ctx, hook, cfg, payload)
	case models.ActionSendSMS:
		return e.sendSMS(ctx, hook, cfg, payload)
	case models.ActionSendPush:
		data, _ := cfg["data"].(map[string]any)
		return e.sendPush(ctx, hook, cfg, payload,
			configString(cfg, "title"), configString(cfg, "body"), data)
	case models.ActionUpdateStatus:
		return e.updateStatus(ctx, hook, cfg, payload)
	case models.ActionAssignTechnician:
		return e.assignTechnician(ctx, hook, cfg, payload)
	case models.ActionGenerateInvoice:
		return e.generateInvoice(ctx, hook, cfg, payload)
	case models.ActionRequestFeedback:
		return e.sendPush(ctx, hook, cfg, payload,
			"How was your service?",
			"Tell us about your recent service experience. Your feedback helps us improve.",
			map[string]any{"type": "feedback_request", "bookingId": bookingIDFor(payload)})
	case models.ActionSendPaymentReminder:
		return e.sendPush(ctx, hook, cfg, payload,
			"Payment reminder",
			"Your payment for a recent booking is still pending. Please complete it at your convenience.",
			map[string]any{"type": "payment_reminder", "bookingId": bookingIDFor(payload)})
	default:
		e.logger.Warnf("automation: hook %s: %v, skipped", hook.Name, &ConfigurationError{Kind: "action type", Value: string(action.Type)})
		return nil
	}
}

func (e *ActionExecutor) sendEmail(ctx context.Context, hook *models.AutomationHook, cfg map[string]any, payload *Payload) error {
	data := payload.Data()
	to := resolvedText(configString(cfg, "to"), data)
	if to == "" {
		to = resolvedText("{{userId.email}}", data)
	}
	if to == "" {
		e.logger.Warnf("automation: hook %s: send_email skipped, no recipient", hook.Name)
		return nil
	}
	body := configString(cfg, "body")
	if body == "" {
		body = configString(cfg, "html")
	}
	mail := Mail{
		To:      to,
		Subject: Interpolate(configString(cfg, "subject"), data),
		HTML:    Interpolate(body, data),
	}
	return collaboratorErr("send_email", e.mailer.SendMail(ctx, mail))
}

func (e *ActionExecutor) sendSMS(ctx context.Context, hook *models.AutomationHook, cfg map[string]any, payload *Payload) error {
	data := payload.Data()
	to := resolvedText(configString(cfg, "to"), data)
	if to == "" {
		to = resolvedText("{{userId.phone}}", data)
	}
	if to == "" {
		e.logger.Warnf("automation: hook %s: send_sms skipped, no recipient", hook.Name)
		return nil
	}
	msg := configString(cfg, "message")
	if msg == "" {
		msg = configString(cfg, "body")
	}
	return collaboratorErr("send_sms", e.sms.SendSMS(ctx, to, Interpolate(msg, data)))
}

// sendPush 插值 title 与 body，data 原样透传
func (e *ActionExecutor) sendPush(ctx context.Context, hook *models.AutomationHook, cfg map[string]any, payload *Payload, title, body string, data map[string]any) error {
	userID := toUint(resolvedText(configString(cfg, "userId"), payload.Data()))
	if userID == 0 {
		userID = payload.RefID("userId")
	}
	if userID == 0 {
		e.logger.Warnf("automation: hook %s: push skipped, payload has no user", hook.Name)
		return nil
	}
	if e.users == nil {
		e.logger.Warnf("automation: hook %s: push skipped, no user directory", hook.Name)
		return nil
	}
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return collaboratorErr("send_push_notification", err)
	}
	if user == nil || user.FCMToken == "" {
		e.logger.Warnf("automation: hook %s: push skipped, user %d has no device token", hook.Name, userID)
		return nil
	}
	pd := payload.Data()
	return collaboratorErr("send_push_notification",
		e.pusher.SendToToken(ctx, user.FCMToken, Interpolate(title, pd), Interpolate(body, pd), data))
}

func (e *ActionExecutor) updateStatus(ctx context.Context, hook *models.AutomationHook, cfg map[string]any, payload *Payload) error {
	booking, ok := payload.Entity.(*models.Booking)
	if !ok {
		e.logger.Warnf("automation: hook %s: update_status only applies to bookings, got %q", hook.Name, payload.Kind())
		return nil
	}
	status := Interpolate(configString(cfg, "status"), payload.Data())
	if !models.IsBookingStatus(status) {
		return &ConfigurationError{Kind: "booking status", Value: status}
	}
	note := configString(cfg, "note")
	if note == "" {
		note = "automation: " + hook.Name
	}
	booking.SetStatus(status, note, e.now())
	if err := e.entities.Save(ctx, booking); err != nil {
		return collaboratorErr("update_status", err)
	}
	return payload.Refresh()
}

func (e *ActionExecutor) assignTechnician(ctx context.Context, hook *models.AutomationHook, cfg map[string]any, payload *Payload) error {
	booking, ok := payload.Entity.(*models.Booking)
	if !ok {
		e.logger.Warnf("automation: hook %s: assign_technician only applies to bookings, got %q", hook.Name, payload.Kind())
		return nil
	}
	criteria, _ := cfg["criteria"].(map[string]any)
	assigned, err := e.assigner.Assign(ctx, hook.Name, booking, configString(cfg, "strategy"), criteria)
	if err != nil {
		return collaboratorErr("assign_technician", err)
	}
	if !assigned {
		return nil
	}
	return payload.Refresh()
}

func (e *ActionExecutor) generateInvoice(ctx context.Context, hook *models.AutomationHook, cfg map[string]any, payload *Payload) error {
	_, _, err := e.invoices.Generate(ctx, hook.Name, payload, cfg)
	return collaboratorErr("generate_invoice", err)
}

// configString 以文本读取配置项
func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}

// resolvedText 插值后仍含占位符视为未解析
func resolvedText(tmpl string, data map[string]any) string {
	out := strings.TrimSpace(Interpolate(tmpl, data))
	if placeholderPattern.MatchString(out) {
		return ""
	}
	return out
}

func bookingIDFor(payload *Payload) uint {
	if payload.Kind() == models.KindBooking {
		return payload.ID()
	}
	return payload.RefID("bookingId")
}
