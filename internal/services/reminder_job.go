package services

import (
	"context"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Trigger 提醒任务调用的引擎入口
type Trigger interface {
	TriggerAutomation(ctx context.Context, event models.TriggerEvent, entity models.Entity) TriggerReport
}

// FeedbackReminderJob 为已完成且未评价的预约触发 feedback.reminder，每个预约只提醒一次
type FeedbackReminderJob struct {
	db     *gorm.DB
	engine Trigger
	cfg    config.ReminderConfig
	logger *logrus.Logger
	now    func() time.Time
}

func NewFeedbackReminderJob(db *gorm.DB, engine Trigger, cfg config.ReminderConfig, logger *logrus.Logger) *FeedbackReminderJob {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.After <= 0 {
		cfg.After = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &FeedbackReminderJob{db: db, engine: engine, cfg: cfg, logger: logger, now: time.Now}
}

// Start 按间隔运行直到 ctx 取消
func (j *FeedbackReminderJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		if n, err := j.RunOnce(ctx); err != nil {
			j.logger.Errorf("feedback reminder: %v", err)
		} else if n > 0 {
			j.logger.Infof("feedback reminder: %d bookings reminded", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce 处理一批并返回提醒的预约数
func (j *FeedbackReminderJob) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.cfg.After)
	var bookings []models.Booking
	err := j.db.WithContext(ctx).
		Where("status = ? AND reminded_at IS NULL", models.BookingCompleted).
		Where("completed_at IS NOT NULL AND completed_at <= ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM feedbacks f WHERE f.booking_id = bookings.id)").
		Order("completed_at ASC").
		Limit(j.cfg.BatchSize).
		Find(&bookings).Error
	if err != nil {
		return 0, err
	}

	reminded := 0
	for i := range bookings {
		b := &bookings[i]
		// 先占位，避免多个 worker 重复提醒
		res := j.db.WithContext(ctx).Model(&models.Booking{}).
			Where("id = ? AND reminded_at IS NULL", b.ID).
			Update("reminded_at", j.now())
		if res.Error != nil {
			return reminded, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		j.engine.TriggerAutomation(ctx, models.EventFeedbackReminder, b)
		reminded++
	}
	return reminded, nil
}
