package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/metrics"
	"homeservice/internal/models"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TaskTypeDelayedAction 延迟动作的 asynq 任务类型
const TaskTypeDelayedAction = "automation:delayed_action"

// DelayedScheduler 在 delay 之后执行待执行动作
type DelayedScheduler interface {
	Schedule(ctx context.Context, pendingID uint, delay time.Duration) error
}

type delayedTaskPayload struct {
	PendingID uint `json:"pendingId"`
}

// AsynqScheduler 通过 asynq 投递到 Redis
type AsynqScheduler struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

func NewAsynqScheduler(client *asynq.Client, queue string, maxRetry int) *AsynqScheduler {
	if queue == "" {
		queue = config.DefaultDelayQueue
	}
	return &AsynqScheduler{client: client, queue: queue, maxRetry: maxRetry}
}

func (s *AsynqScheduler) Schedule(ctx context.Context, pendingID uint, delay time.Duration) error {
	body, err := json.Marshal(delayedTaskPayload{PendingID: pendingID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeDelayedAction, body)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(delay),
		asynq.Queue(s.queue),
		asynq.MaxRetry(s.maxRetry),
		asynq.TaskID(fmt.Sprintf("pending-action-%d", pendingID)),
	)
	return err
}

// InProcessScheduler 进程内定时器调度；重启后遗留的 pending 行由 Resume 重新调度
type InProcessScheduler struct {
	mu      sync.Mutex
	handler func(ctx context.Context, pendingID uint) error
	timers  map[uint]*time.Timer
	wg      sync.WaitGroup
	stopped bool
	logger  *logrus.Logger
}

func NewInProcessScheduler(logger *logrus.Logger) *InProcessScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &InProcessScheduler{timers: make(map[uint]*time.Timer), logger: logger}
}

// Bind 设置定时器回调
func (s *InProcessScheduler) Bind(handler func(ctx context.Context, pendingID uint) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *InProcessScheduler) Schedule(ctx context.Context, pendingID uint, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}
	if s.handler == nil {
		return errors.New("scheduler has no handler")
	}
	handler := s.handler
	s.wg.Add(1)
	s.timers[pendingID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, pendingID)
		s.mu.Unlock()
		if err := handler(context.Background(), pendingID); err != nil {
			s.logger.Warnf("automation: delayed action %d failed: %v", pendingID, err)
		}
	})
	return nil
}

// Stop 取消未触发的定时器并等待执行中的动作
func (s *InProcessScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DelayedActionService 持久化延迟动作并在到期时执行
type DelayedActionService struct {
	db        *gorm.DB
	executor  *ActionExecutor
	entities  EntityStore
	hooks     HookRepository
	scheduler DelayedScheduler
	timeout   time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

func NewDelayedActionService(db *gorm.DB, executor *ActionExecutor, entities EntityStore, hooks HookRepository, scheduler DelayedScheduler, timeout time.Duration, logger *logrus.Logger) *DelayedActionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DelayedActionService{
		db:        db,
		executor:  executor,
		entities:  entities,
		hooks:     hooks,
		scheduler: scheduler,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Defer 保存并调度动作；调度失败返回错误，由触发的 hook 记录
func (s *DelayedActionService) Defer(ctx context.Context, hook *models.AutomationHook, index int, action models.HookAction, payload *Payload) error {
	if payload.Entity == nil || payload.ID() == 0 {
		return errors.New("delayed action requires a persisted entity")
	}
	delay := time.Duration(action.Delay) * time.Second
	pending := &models.PendingAction{
		HookID:       hook.ID,
		HookName:     hook.Name,
		Event:        hook.TriggerEvent,
		ActionIndex:  index,
		Action:       action,
		EntityKind:   payload.Kind(),
		EntityID:     payload.ID(),
		ScheduledFor: s.now().Add(delay),
		Status:       models.PendingStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(pending).Error; err != nil {
		return fmt.Errorf("store delayed action: %w", err)
	}
	if err := s.scheduler.Schedule(ctx, pending.ID, delay); err != nil {
		s.finish(ctx, pending, err)
		return fmt.Errorf("schedule delayed %s: %w", action.Type, err)
	}
	metrics.IncDelayedAction("scheduled")
	s.logger.Debugf("automation: hook %s: %s scheduled in %s (pending %d)", hook.Name, action.Type, delay, pending.ID)
	return nil
}

// Run 占位后执行；已执行或执行中的行跳过，失败的行可由队列重试
func (s *DelayedActionService) Run(ctx context.Context, pendingID uint) error {
	var pending models.PendingAction
	if err := s.db.WithContext(ctx).First(&pending, pendingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrPendingNotFound, pendingID)
		}
		return err
	}
	claimed, err := s.claim(ctx, pendingID)
	if err != nil {
		return fmt.Errorf("claim pending action %d: %w", pendingID, err)
	}
	if !claimed {
		s.logger.Debugf("automation: pending action %d already claimed (%s)", pendingID, pending.Status)
		return nil
	}

	err = s.execute(ctx, &pending)
	s.finish(ctx, &pending, err)
	return err
}

// claim 条件更新，只有一个执行者能把行置为 running
func (s *DelayedActionService) claim(ctx context.Context, pendingID uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PendingAction{}).
		Where("id = ? AND status IN ?", pendingID, []string{models.PendingStatusPending, models.PendingStatusFailed}).
		Updates(map[string]any{
			"status":   models.PendingStatusRunning,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *DelayedActionService) execute(ctx context.Context, pending *models.PendingAction) error {
	hook, err := s.hooks.Get(ctx, pending.HookID)
	if err != nil {
		return fmt.Errorf("load hook %d: %w", pending.HookID, err)
	}
	if !hook.IsActive {
		return fmt.Errorf("hook %s was deactivated before the action ran", hook.Name)
	}
	entity, err := s.entities.Load(ctx, pending.EntityKind, pending.EntityID)
	if err != nil {
		return err
	}
	if err := s.entities.Populate(ctx, entity); err != nil {
		return fmt.Errorf("populate %s %d: %w", pending.EntityKind, pending.EntityID, err)
	}
	payload, err := NewPayload(entity)
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.executor.Run(ctx, hook, pending.Action, payload)
}

func (s *DelayedActionService) finish(ctx context.Context, pending *models.PendingAction, runErr error) {
	now := s.now()
	updates := map[string]any{
		"executed_at": now,
		"status":      models.PendingStatusExecuted,
		"error":       "",
	}
	state := "executed"
	if runErr != nil {
		updates["status"] = models.PendingStatusFailed
		updates["error"] = runErr.Error()
		state = "failed"
		s.logger.Warnf("automation: delayed %s for hook %s failed: %v", pending.Action.Type, pending.HookName, runErr)
	}
	metrics.IncDelayedAction(state)
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.PendingAction{}).
		Where("id = ?", pending.ID).Updates(updates).Error; err != nil {
		s.logger.Errorf("automation: update pending action %d: %v", pending.ID, err)
	}
}

// ProcessTask 实现 asynq.Handler
func (s *DelayedActionService) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p delayedTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode delayed action task: %v: %w", err, asynq.SkipRetry)
	}
	err := s.Run(ctx, p.PendingID)
	if errors.Is(err, ErrPendingNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// List 延迟动作列表，新的在前
func (s *DelayedActionService) List(ctx context.Context, status string, limit int) ([]models.PendingAction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.PendingAction
	return rows, q.Find(&rows).Error
}

// Resume 重新调度仍为 pending 的行（进程内调度器重启后）
func (s *DelayedActionService) Resume(ctx context.Context) (int, error) {
	var rows []models.PendingAction
	if err := s.db.WithContext(ctx).Where("status = ?", models.PendingStatusPending).Find(&rows).Error; err != nil {
		return 0, err
	}
	now := s.now()
	for _, row := range rows {
		delay := row.ScheduledFor.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if err := s.scheduler.Schedule(ctx, row.ID, delay); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}
