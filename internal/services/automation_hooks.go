package services

import (
	"context"
	"errors"
	"time"

	"homeservice/internal/models"

	"gorm.io/gorm"
)

// HookRepository hook 及其执行统计的存储
type HookRepository interface {
	FindActiveHooksForEvent(ctx context.Context, event models.TriggerEvent) ([]models.AutomationHook, error)
	RecordSuccess(ctx context.Context, hookID uint, data models.LogData) (*models.ExecutionLog, error)
	RecordFailure(ctx context.Context, hookID uint, data models.LogData, message string) (*models.ExecutionLog, error)

	Create(ctx context.Context, hook *models.AutomationHook) error
	Update(ctx context.Context, hook *models.AutomationHook) error
	Get(ctx context.Context, id uint) (*models.AutomationHook, error)
	List(ctx context.Context, filter HookFilter) ([]models.AutomationHook, int64, error)
	SetActive(ctx context.Context, id uint, active bool) error
	Delete(ctx context.Context, id uint) error
	ListLogs(ctx context.Context, hookID uint, limit int) ([]models.ExecutionLog, error)
}

// HookFilter 列表过滤与分页
type HookFilter struct {
	Event    models.TriggerEvent
	Active   *bool
	Page     int
	PageSize int
}

// GormHookRepository 基于 gorm 的 hook 存储
type GormHookRepository struct {
	db     *gorm.DB
	logCap int
	now    func() time.Time
}

func NewGormHookRepository(db *gorm.DB, logCap int) *GormHookRepository {
	if logCap <= 0 {
		logCap = models.ExecutionLogCap
	}
	return &GormHookRepository{db: db, logCap: logCap, now: time.Now}
}

// FindActiveHooksForEvent 启用的 hook，按优先级降序、创建顺序升序
func (r *GormHookRepository) FindActiveHooksForEvent(ctx context.Context, event models.TriggerEvent) ([]models.AutomationHook, error) {
	var hooks []models.AutomationHook
	err := r.db.WithContext(ctx).
		Where("trigger_event = ? AND is_active = ?", event, true).
		Order("priority DESC").
		Order("id ASC").
		Find(&hooks).Error
	return hooks, err
}

func (r *GormHookRepository) RecordSuccess(ctx context.Context, hookID uint, data models.LogData) (*models.ExecutionLog, error) {
	return r.record(ctx, hookID, data, true, "")
}

func (r *GormHookRepository) RecordFailure(ctx context.Context, hookID uint, data models.LogData, message string) (*models.ExecutionLog, error) {
	return r.record(ctx, hookID, data, false, message)
}

// record 在同一事务内原子递增计数、追加日志并裁剪到最近 logCap 条
func (r *GormHookRepository) record(ctx context.Context, hookID uint, data models.LogData, success bool, message string) (*models.ExecutionLog, error) {
	now := r.now()
	entry := &models.ExecutionLog{
		HookID:     hookID,
		ExecutedAt: now,
		Success:    success,
		Error:      message,
		Data:       data,
	}
	counter := "execution_count"
	if !success {
		counter = "failure_count"
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AutomationHook{}).
			Where("id = ?", hookID).
			Updates(map[string]any{
				counter:            gorm.Expr(counter + " + 1"),
				"last_executed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrHookNotFound
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		keep := tx.Session(&gorm.Session{NewDB: true}).
			Model(&models.ExecutionLog{}).
			Select("id").
			Where("hook_id = ?", hookID).
			Order("executed_at DESC").
			Order("id DESC").
			Limit(r.logCap)
		return tx.Where("hook_id = ? AND id NOT IN (?)", hookID, keep).
			Delete(&models.ExecutionLog{}).Error
	})
	if err != nil {
		return nil, &PersistenceError{HookID: hookID, Err: err}
	}
	return entry, nil
}

func (r *GormHookRepository) Create(ctx context.Context, hook *models.AutomationHook) error {
	return r.db.WithContext(ctx).Create(hook).Error
}

// Update 只更新可编辑字段，不触碰统计
func (r *GormHookRepository) Update(ctx context.Context, hook *models.AutomationHook) error {
	res := r.db.WithContext(ctx).Model(hook).
		Select("Name", "Description", "TriggerEvent", "Conditions", "Actions", "IsActive", "Priority", "UpdatedAt").
		Updates(hook)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrHookNotFound
	}
	return nil
}

func (r *GormHookRepository) Get(ctx context.Context, id uint) (*models.AutomationHook, error) {
	var hook models.AutomationHook
	if err := r.db.WithContext(ctx).First(&hook, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHookNotFound
		}
		return nil, err
	}
	return &hook, nil
}

func (r *GormHookRepository) List(ctx context.Context, filter HookFilter) ([]models.AutomationHook, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.AutomationHook{})
	if filter.Event != "" {
		q = q.Where("trigger_event = ?", filter.Event)
	}
	if filter.Active != nil {
		q = q.Where("is_active = ?", *filter.Active)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	var hooks []models.AutomationHook
	err := q.Order("trigger_event ASC").Order("priority DESC").Order("id ASC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&hooks).Error
	return hooks, total, err
}

func (r *GormHookRepository) SetActive(ctx context.Context, id uint, active bool) error {
	res := r.db.WithContext(ctx).Model(&models.AutomationHook{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrHookNotFound
	}
	return nil
}

func (r *GormHookRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.AutomationHook{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrHookNotFound
		}
		return tx.Where("hook_id = ?", id).Delete(&models.ExecutionLog{}).Error
	})
}

// ListLogs 执行记录，新的在前
func (r *GormHookRepository) ListLogs(ctx context.Context, hookID uint, limit int) ([]models.ExecutionLog, error) {
	if limit <= 0 || limit > r.logCap {
		limit = r.logCap
	}
	var logs []models.ExecutionLog
	err := r.db.WithContext(ctx).
		Where("hook_id = ?", hookID).
		Order("executed_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
