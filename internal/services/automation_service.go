package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/metrics"
	"homeservice/internal/models"
	"homeservice/pkg/eventbus"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const tracerName = "homeservice/automation"

// AutomationService 自动化引擎：按事件加载 hook，逐个评估并执行动作
type AutomationService struct {
	hooks         HookRepository
	entities      EntityStore
	executor      *ActionExecutor
	delayed       *DelayedActionService
	local         *InProcessScheduler
	feed          FeedBroadcaster
	actionTimeout time.Duration
	logger        *logrus.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// AutomationDeps 可替换的协作者；为空时使用默认实现
type AutomationDeps struct {
	Hooks     HookRepository
	Entities  EntityStore
	Users     UserDirectory
	Invoices  InvoiceStore
	Mailer    Mailer
	Pusher    Pusher
	SMS       SMSSender
	Lock      InvoiceLock
	Publisher EventPublisher
	Scheduler DelayedScheduler
	Feed      FeedBroadcaster
}

func NewAutomationService(db *gorm.DB, cfg config.AutomationConfig, deps AutomationDeps, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if deps.Hooks == nil {
		deps.Hooks = NewGormHookRepository(db, cfg.LogCap)
	}
	if deps.Entities == nil {
		deps.Entities = NewGormEntityStore(db)
	}
	if deps.Users == nil {
		deps.Users = NewGormUserDirectory(db)
	}
	if deps.Invoices == nil {
		deps.Invoices = NewGormInvoiceStore(db)
	}
	if deps.Mailer != nil {
		deps.Mailer = NewBreakerMailer(deps.Mailer, cfg.Breaker, logger)
	}
	if deps.Pusher != nil {
		deps.Pusher = NewBreakerPusher(deps.Pusher, cfg.Breaker, logger)
	}

	taxRate := cfg.DefaultTaxRate
	invoices := NewInvoiceGenerator(deps.Invoices, deps.Entities, deps.Lock, deps.Publisher,
		InvoiceSettings{TaxRate: &taxRate, DueDays: cfg.InvoiceDueDays}, logger)
	executor := NewActionExecutor(ExecutorDeps{
		Mailer:   deps.Mailer,
		Pusher:   deps.Pusher,
		SMS:      deps.SMS,
		Users:    deps.Users,
		Entities: deps.Entities,
		Assigner: NewTechnicianAssigner(deps.Users, deps.Entities, logger),
		Invoices: invoices,
	}, logger)

	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	scheduler := deps.Scheduler
	var local *InProcessScheduler
	if scheduler == nil {
		local = NewInProcessScheduler(logger)
		scheduler = local
	}
	delayed := NewDelayedActionService(db, executor, deps.Entities, deps.Hooks, scheduler, timeout, logger)
	if local != nil {
		local.Bind(delayed.Run)
	}
	executor.UseDeferrer(delayed)

	return &AutomationService{
		hooks:         deps.Hooks,
		entities:      deps.Entities,
		executor:      executor,
		delayed:       delayed,
		local:         local,
		feed:          deps.Feed,
		actionTimeout: timeout,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
	}
}

// Delayed 供队列 worker 使用的延迟动作执行器
func (s *AutomationService) Delayed() *DelayedActionService { return s.delayed }

// Close 停止进程内调度器；pending 行保留在数据库，由 Resume 重新调度
func (s *AutomationService) Close() {
	if s.local != nil {
		s.local.Stop()
	}
}

// HookOutcome 单个 hook 的执行结果
type HookOutcome struct {
	HookID   uint   `json:"hookId"`
	HookName string `json:"hookName"`
	Priority int    `json:"priority"`
	Matched  bool   `json:"matched"`
	Success  bool   `json:"success"`
	Skipped  string `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TriggerReport 一次触发的汇总
type TriggerReport struct {
	Event      models.TriggerEvent `json:"event"`
	EntityKind models.EntityKind   `json:"entityKind,omitempty"`
	EntityID   uint                `json:"entityId,omitempty"`
	DryRun     bool                `json:"dryRun,omitempty"`
	Hooks      []HookOutcome       `json:"hooks"`
	Error      string              `json:"error,omitempty"`
}

// TriggerAutomation 按优先级对 entity 执行事件下所有启用的 hook。
// 不返回错误：hook 失败写入执行记录，引擎级错误写入日志与报告
func (s *AutomationService) TriggerAutomation(ctx context.Context, event models.TriggerEvent, entity models.Entity) TriggerReport {
	return s.trigger(ctx, event, entity, false)
}

// DryRun 只评估条件，不执行动作也不记录
func (s *AutomationService) DryRun(ctx context.Context, event models.TriggerEvent, entity models.Entity) TriggerReport {
	return s.trigger(ctx, event, entity, true)
}

func (s *AutomationService) trigger(ctx context.Context, event models.TriggerEvent, entity models.Entity, dryRun bool) (report TriggerReport) {
	report = TriggerReport{Event: event, DryRun: dryRun, Hooks: []HookOutcome{}}
	if entity != nil {
		report.EntityKind = entity.Kind()
		report.EntityID = entity.GetID()
	}

	ctx, span := s.tracer.Start(ctx, "automation.trigger", trace.WithAttributes(
		attribute.String("automation.event", string(event)),
		attribute.String("automation.entity_kind", string(report.EntityKind)),
		attribute.Int64("automation.entity_id", int64(report.EntityID)),
		attribute.Bool("automation.dry_run", dryRun),
	))
	defer span.End()

	engineErr := func(err error) TriggerReport {
		s.logger.Errorf("automation: %s engine error: %v", event, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Error = err.Error()
		return report
	}

	if !event.Valid() {
		err := &ConfigurationError{Kind: "trigger event", Value: string(event)}
		s.logger.Warnf("%v, ignored", err)
		report.Error = err.Error()
		return report
	}

	hooks, err := s.hooks.FindActiveHooksForEvent(ctx, event)
	if err != nil {
		return engineErr(fmt.Errorf("load hooks: %w", err))
	}
	span.SetAttributes(attribute.Int("automation.hooks", len(hooks)))
	if len(hooks) == 0 {
		s.logger.Debugf("automation: no active hooks for %s", event)
		return report
	}

	if entity != nil && s.entities != nil {
		if err := s.entities.Populate(ctx, entity); err != nil {
			return engineErr(fmt.Errorf("populate %s %d: %w", entity.Kind(), entity.GetID(), err))
		}
	}
	payload := PayloadFromMap(nil)
	if entity != nil {
		if payload, err = NewPayload(entity); err != nil {
			return engineErr(err)
		}
	}

	for i := range hooks {
		hook := &hooks[i]
		if dryRun {
			report.Hooks = append(report.Hooks, s.evaluateOnly(hook, payload))
			continue
		}
		outcome, err := s.runHook(ctx, event, hook, payload)
		report.Hooks = append(report.Hooks, outcome)
		if err != nil {
			// 统计写入失败：中止本次触发
			return engineErr(err)
		}
	}
	return report
}

func (s *AutomationService) evaluateOnly(hook *models.AutomationHook, payload *Payload) HookOutcome {
	outcome := HookOutcome{HookID: hook.ID, HookName: hook.Name, Priority: hook.Priority}
	matched, err := safeEvaluate(hook.Conditions, payload.Data())
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Matched = matched
	if !matched {
		outcome.Skipped = "conditions not met"
	}
	return outcome
}

// runHook 仅在统计写入失败时返回错误
func (s *AutomationService) runHook(ctx context.Context, event models.TriggerEvent, hook *models.AutomationHook, payload *Payload) (HookOutcome, error) {
	outcome := HookOutcome{HookID: hook.ID, HookName: hook.Name, Priority: hook.Priority}
	ctx, span := s.tracer.Start(ctx, "automation.hook", trace.WithAttributes(
		attribute.Int64("automation.hook_id", int64(hook.ID)),
		attribute.String("automation.hook_name", hook.Name),
		attribute.Int("automation.priority", hook.Priority),
	))
	defer span.End()

	matched, evalErr := safeEvaluate(hook.Conditions, payload.Data())
	var cfgErr *ConfigurationError
	switch {
	case errors.As(evalErr, &cfgErr):
		s.logger.Warnf("automation: hook %s: %v, hook skipped", hook.Name, evalErr)
		outcome.Skipped = evalErr.Error()
		metrics.IncHookExecution(string(event), metrics.OutcomeSkipped)
		return outcome, nil
	case evalErr == nil && !matched:
		s.logger.Debugf("automation: hook %s: conditions not met", hook.Name)
		outcome.Skipped = "conditions not met"
		metrics.IncHookExecution(string(event), metrics.OutcomeSkipped)
		return outcome, nil
	}
	outcome.Matched = evalErr == nil

	runErr := evalErr
	if runErr == nil {
		runErr = s.runActions(ctx, hook, payload)
	}

	data := models.LogData{Event: event, EntityID: payload.ID(), Kind: payload.Kind()}
	var err error
	if runErr == nil {
		_, err = s.hooks.RecordSuccess(ctx, hook.ID, data)
	} else {
		s.logger.Warnf("automation: hook %s failed: %v", hook.Name, runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		_, err = s.hooks.RecordFailure(ctx, hook.ID, data, runErr.Error())
	}
	if err != nil {
		return outcome, err
	}

	outcome.Success = runErr == nil
	if runErr != nil {
		outcome.Error = runErr.Error()
		metrics.IncHookExecution(string(event), metrics.OutcomeFailure)
	} else {
		metrics.IncHookExecution(string(event), metrics.OutcomeSuccess)
	}
	if s.feed != nil {
		s.feed.Broadcast(FeedEvent{
			HookID:     hook.ID,
			HookName:   hook.Name,
			Event:      event,
			EntityKind: payload.Kind(),
			EntityID:   payload.ID(),
			Success:    outcome.Success,
			Error:      outcome.Error,
			Timestamp:  s.now(),
		})
	}
	return outcome, nil
}

// runActions 遇到第一个失败的动作即停止
func (s *AutomationService) runActions(ctx context.Context, hook *models.AutomationHook, payload *Payload) error {
	for i, action := range hook.Actions {
		if err := s.runAction(ctx, hook, i, action, payload); err != nil {
			metrics.IncActionExecution(string(action.Type), metrics.OutcomeFailure)
			return fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}
		metrics.IncActionExecution(string(action.Type), metrics.OutcomeSuccess)
	}
	return nil
}

func (s *AutomationService) runAction(ctx context.Context, hook *models.AutomationHook, index int, action models.HookAction, payload *Payload) (err error) {
	actx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	err = s.executor.Execute(actx, hook, index, action, payload)
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", s.actionTimeout)
	}
	return err
}

func safeEvaluate(conds []models.HookCondition, data map[string]any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition evaluation panicked: %v", r)
		}
	}()
	return EvaluateConditions(conds, data)
}

// HandleEvent 加载领域事件对应的实体并触发引擎；只有无法解析的事件返回错误
func (s *AutomationService) HandleEvent(ctx context.Context, evt eventbus.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	event := models.TriggerEvent(evt.Type)
	if !event.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, evt.Type)
	}
	entity, err := s.entities.Load(ctx, models.EntityKind(evt.EntityKind), evt.EntityID)
	if err != nil {
		return err
	}
	s.TriggerAutomation(ctx, event, entity)
	return nil
}

// TriggerByID 按类型与 ID 触发
func (s *AutomationService) TriggerByID(ctx context.Context, event models.TriggerEvent, kind models.EntityKind, id uint, dryRun bool) (TriggerReport, error) {
	if !event.Valid() {
		return TriggerReport{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event)
	}
	entity, err := s.entities.Load(ctx, kind, id)
	if err != nil {
		return TriggerReport{}, err
	}
	if dryRun {
		return s.DryRun(ctx, event, entity), nil
	}
	return s.TriggerAutomation(ctx, event, entity), nil
}
