package models

import "time"

// TriggerEvent 自动化触发事件（封闭集合）
type TriggerEvent string

const (
	EventBookingCreated     TriggerEvent = "booking.created"
	EventBookingConfirmed   TriggerEvent = "booking.confirmed"
	EventBookingAssigned    TriggerEvent = "booking.assigned"
	EventBookingInProgress  TriggerEvent = "booking.in_progress"
	EventBookingCompleted   TriggerEvent = "booking.completed"
	EventBookingCancelled   TriggerEvent = "booking.cancelled"
	EventBookingRescheduled TriggerEvent = "booking.rescheduled"
	EventPaymentInitiated   TriggerEvent = "payment.initiated"
	EventPaymentReceived    TriggerEvent = "payment.received"
	EventPaymentFailed      TriggerEvent = "payment.failed"
	EventFeedbackSubmitted  TriggerEvent = "feedback.submitted"
	EventFeedbackReminder   TriggerEvent = "feedback.reminder"
	EventInvoiceGenerated   TriggerEvent = "invoice.generated"
)

// TriggerEvents 所有可绑定的触发事件
var TriggerEvents = []TriggerEvent{
	EventBookingCreated, EventBookingConfirmed, EventBookingAssigned, EventBookingInProgress,
	EventBookingCompleted, EventBookingCancelled, EventBookingRescheduled,
	EventPaymentInitiated, EventPaymentReceived, EventPaymentFailed,
	EventFeedbackSubmitted, EventFeedbackReminder, EventInvoiceGenerated,
}

func (e TriggerEvent) Valid() bool {
	for _, known := range TriggerEvents {
		if e == known {
			return true
		}
	}
	return false
}

// ActionType 动作类型（封闭集合）
type ActionType string

const (
	ActionSendEmail           ActionType = "send_email"
	ActionSendSMS             ActionType = "send_sms"
	ActionSendPush            ActionType = "send_push_notification"
	ActionUpdateStatus        ActionType = "update_status"
	ActionAssignTechnician    ActionType = "assign_technician"
	ActionGenerateInvoice     ActionType = "generate_invoice"
	ActionRequestFeedback     ActionType = "request_feedback"
	ActionSendPaymentReminder ActionType = "send_payment_reminder"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionSendEmail, ActionSendSMS, ActionSendPush, ActionUpdateStatus,
		ActionAssignTechnician, ActionGenerateInvoice, ActionRequestFeedback, ActionSendPaymentReminder:
		return true
	}
	return false
}

// ConditionOperator 条件运算符（封闭集合）
type ConditionOperator string

const (
	OpEq       ConditionOperator = "eq"
	OpNe       ConditionOperator = "ne"
	OpGt       ConditionOperator = "gt"
	OpLt       ConditionOperator = "lt"
	OpGte      ConditionOperator = "gte"
	OpLte      ConditionOperator = "lte"
	OpContains ConditionOperator = "contains"
	OpIn       ConditionOperator = "in"
)

func (o ConditionOperator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpContains, OpIn:
		return true
	}
	return false
}

// HookCondition 单个条件，field 为点分路径
type HookCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

// HookAction 单个动作；Delay 单位为秒
type HookAction struct {
	Type   ActionType     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
	Delay  int            `json:"delay,omitempty"`
}

// ExecutionLogCap 每个 hook 保留的最近执行记录数
const ExecutionLogCap = 100

// AutomationHook 自动化规则
type AutomationHook struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Name           string          `gorm:"not null" json:"name"`
	Description    string          `gorm:"type:text" json:"description,omitempty"`
	TriggerEvent   TriggerEvent    `gorm:"index;not null" json:"triggerEvent"`
	Conditions     []HookCondition `gorm:"type:text;serializer:json" json:"conditions"`
	Actions        []HookAction    `gorm:"type:text;serializer:json" json:"actions"`
	IsActive       bool            `gorm:"index;not null" json:"isActive"`
	Priority       int             `gorm:"default:0" json:"priority"`
	ExecutionCount int64           `gorm:"default:0" json:"executionCount"`
	FailureCount   int64           `gorm:"default:0" json:"failureCount"`
	LastExecutedAt *time.Time      `json:"lastExecutedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	ExecutionLogs []ExecutionLog `gorm:"foreignKey:HookID;constraint:OnDelete:CASCADE" json:"executionLogs,omitempty"`
}

func (AutomationHook) TableName() string { return "automation_hooks" }

// ExecutionLog hook 执行记录
type ExecutionLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	HookID     uint      `gorm:"index:idx_exec_log_hook,priority:1;not null" json:"hookId"`
	ExecutedAt time.Time `gorm:"index:idx_exec_log_hook,priority:2" json:"executedAt"`
	Success    bool      `json:"success"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	Data       LogData   `gorm:"type:text;serializer:json" json:"data"`
}

func (ExecutionLog) TableName() string { return "automation_execution_logs" }

// LogData 记录触发事件与实体
type LogData struct {
	Event    TriggerEvent `json:"event"`
	EntityID uint         `json:"entityId,omitempty"`
	Kind     EntityKind   `json:"kind,omitempty"`
}

// 延迟动作状态
const (
	PendingStatusPending  = "pending"
	PendingStatusRunning  = "running"
	PendingStatusExecuted = "executed"
	PendingStatusFailed   = "failed"
)

// PendingAction 延迟执行的动作
type PendingAction struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	HookID       uint         `gorm:"index" json:"hookId"`
	HookName     string       `json:"hookName"`
	Event        TriggerEvent `json:"event"`
	ActionIndex  int          `json:"actionIndex"`
	Action       HookAction   `gorm:"type:text;serializer:json" json:"action"`
	EntityKind   EntityKind   `json:"entityKind"`
	EntityID     uint         `json:"entityId"`
	ScheduledFor time.Time    `gorm:"index" json:"scheduledFor"`
	Status       string       `gorm:"index;default:'pending'" json:"status"`
	Attempts     int          `json:"attempts"`
	Error        string       `gorm:"type:text" json:"error,omitempty"`
	ExecutedAt   *time.Time   `json:"executedAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func (PendingAction) TableName() string { return "automation_pending_actions" }

// AllModels 返回需要迁移的模型
func AllModels() []any {
	return []any{
		&User{}, &Address{}, &Service{}, &Package{},
		&Booking{}, &Payment{}, &Feedback{}, &Invoice{},
		&AutomationHook{}, &ExecutionLog{}, &PendingAction{},
	}
}
