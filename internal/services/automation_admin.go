package services

import (
	"context"
	"fmt"
	"strings"

	"homeservice/internal/models"
)

// HookRequest 创建/更新 hook 的请求体
type HookRequest struct {
	Name         string                 `json:"name" binding:"required"`
	Description  string                 `json:"description"`
	TriggerEvent models.TriggerEvent    `json:"triggerEvent" binding:"required"`
	Conditions   []models.HookCondition `json:"conditions"`
	Actions      []models.HookAction    `json:"actions" binding:"required"`
	IsActive     *bool                  `json:"isActive"`
	Priority     int                    `json:"priority"`
}

func validateHookRequest(req *HookRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidHook)
	}
	if !req.TriggerEvent.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidHook, ErrUnsupportedEvent, req.TriggerEvent)
	}
	if len(req.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidHook)
	}
	for i, a := range req.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("%w: action %d: unknown type %q", ErrInvalidHook, i, a.Type)
		}
		if a.Delay < 0 {
			return fmt.Errorf("%w: action %d: delay must not be negative", ErrInvalidHook, i)
		}
	}
	for i, c := range req.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: condition %d: field is required", ErrInvalidHook, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d: unknown operator %q", ErrInvalidHook, i, c.Operator)
		}
	}
	if req.Priority < 0 || req.Priority > 100 {
		return fmt.Errorf("%w: priority must be between 0 and 100", ErrInvalidHook)
	}
	return nil
}

func applyHookRequest(hook *models.AutomationHook, req *HookRequest) {
	hook.Name = strings.TrimSpace(req.Name)
	hook.Description = req.Description
	hook.TriggerEvent = req.TriggerEvent
	hook.Conditions = req.Conditions
	if hook.Conditions == nil {
		hook.Conditions = []models.HookCondition{}
	}
	hook.Actions = req.Actions
	hook.Priority = req.Priority
	if req.IsActive != nil {
		hook.IsActive = *req.IsActive
	}
}

// CreateHook 校验并保存规则，未指定时默认启用
func (s *AutomationService) CreateHook(ctx context.Context, req *HookRequest) (*models.AutomationHook, error) {
	if err := validateHookRequest(req); err != nil {
		return nil, err
	}
	hook := &models.AutomationHook{IsActive: true}
	applyHookRequest(hook, req)
	if err := s.hooks.Create(ctx, hook); err != nil {
		return nil, err
	}
	s.logger.Infof("automation: hook %d %q created for %s", hook.ID, hook.Name, hook.TriggerEvent)
	return hook, nil
}

func (s *AutomationService) UpdateHook(ctx context.Context, id uint, req *HookRequest) (*models.AutomationHook, error) {
	if err := validateHookRequest(req); err != nil {
		return nil, err
	}
	hook, err := s.hooks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	applyHookRequest(hook, req)
	hook.UpdatedAt = s.now()
	if err := s.hooks.Update(ctx, hook); err != nil {
		return nil, err
	}
	return hook, nil
}

func (s *AutomationService) GetHook(ctx context.Context, id uint) (*models.AutomationHook, error) {
	return s.hooks.Get(ctx, id)
}

func (s *AutomationService) ListHooks(ctx context.Context, filter HookFilter) ([]models.AutomationHook, int64, error) {
	if filter.Event != "" && !filter.Event.Valid() {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedEvent, filter.Event)
	}
	return s.hooks.List(ctx, filter)
}

// ToggleHook 切换启用状态并返回更新后的规则
func (s *AutomationService) ToggleHook(ctx context.Context, id uint) (*models.AutomationHook, error) {
	hook, err := s.hooks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.hooks.SetActive(ctx, id, !hook.IsActive); err != nil {
		return nil, err
	}
	hook.IsActive = !hook.IsActive
	s.logger.Infof("automation: hook %d active=%t", id, hook.IsActive)
	return hook, nil
}

func (s *AutomationService) DeleteHook(ctx context.Context, id uint) error {
	if err := s.hooks.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Infof("automation: hook %d deleted", id)
	return nil
}

func (s *AutomationService) ListExecutionLogs(ctx context.Context, id uint, limit int) ([]models.ExecutionLog, error) {
	if _, err := s.hooks.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.hooks.ListLogs(ctx, id, limit)
}

func (s *AutomationService) ListPendingActions(ctx context.Context, status string, limit int) ([]models.PendingAction, error) {
	switch status {
	case "", models.PendingStatusPending, models.PendingStatusRunning, models.PendingStatusExecuted, models.PendingStatusFailed:
	default:
		return nil, fmt.Errorf("unknown pending status %q", status)
	}
	return s.delayed.List(ctx, status, limit)
}

// DefaultHooks 初始化时安装的规则
func DefaultHooks() []HookRequest {
	return []HookRequest{
		{
			Name:         "Booking confirmation email",
			Description:  "Email the customer when a booking is created",
			TriggerEvent: models.EventBookingCreated,
			Priority:     10,
			Actions: []models.HookAction{{
				Type: models.ActionSendEmail,
				Config: map[string]any{
					"to":      "{{userId.email}}",
					"subject": "Booking {{bookingNumber}} received",
					"body":    "<p>Hi {{userId.name}},</p><p>We received your booking for {{serviceId.name}} on {{scheduledAt}}.</p>",
				},
			}},
		},
		{
			Name:         "Auto-assign technician",
			Description:  "Assign the least busy technician once a booking is confirmed",
			TriggerEvent: models.EventBookingConfirmed,
			Priority:     20,
			Conditions: []models.HookCondition{
				{Field: "status", Operator: models.OpEq, Value: models.BookingConfirmed},
			},
			Actions: []models.HookAction{
				{Type: models.ActionAssignTechnician, Config: map[string]any{"strategy": StrategyLeastBusy}},
			},
		},
		{
			Name:         "Invoice on payment",
			Description:  "Generate the invoice when a payment is received",
			TriggerEvent: models.EventPaymentReceived,
			Priority:     10,
			Actions: []models.HookAction{
				{Type: models.ActionGenerateInvoice},
			},
		},
		{
			Name:         "Feedback request",
			Description:  "Ask for feedback an hour after completion",
			TriggerEvent: models.EventBookingCompleted,
			Priority:     5,
			Actions: []models.HookAction{
				{Type: models.ActionRequestFeedback, Delay: 3600},
			},
		},
		{
			Name:         "Feedback reminder",
			TriggerEvent: models.EventFeedbackReminder,
			Actions: []models.HookAction{
				{Type: models.ActionRequestFeedback},
			},
		},
	}
}

// SeedDefaultHooks 安装默认规则，已存在的同名规则跳过
func (s *AutomationService) SeedDefaultHooks(ctx context.Context) (int, error) {
	existing, _, err := s.hooks.List(ctx, HookFilter{PageSize: 100})
	if err != nil {
		return 0, err
	}
	names := make(map[string]bool, len(existing))
	for _, h := range existing {
		names[h.Name] = true
	}
	created := 0
	for _, req := range DefaultHooks() {
		if names[req.Name] {
			continue
		}
		if _, err := s.CreateHook(ctx, &req); err != nil {
			return created, fmt.Errorf("seed %q: %w", req.Name, err)
		}
		created++
	}
	return created, nil
}
