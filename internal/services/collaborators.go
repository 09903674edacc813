package services

import (
	"context"
	"errors"
	"fmt"

	"homeservice/internal/models"
	"homeservice/pkg/eventbus"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Mail 待发送邮件
type Mail struct {
	To      string
	Subject string
	HTML    string
}

// Mailer 发送邮件
type Mailer interface {
	SendMail(ctx context.Context, mail Mail) error
}

// Pusher 向单个设备 token 推送
type Pusher interface {
	SendToToken(ctx context.Context, token, title, body string, data map[string]any) error
}

// SMSSender 发送短信
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// TechnicianFilter 技师查询条件；Criteria 为额外的等值条件
type TechnicianFilter struct {
	City     string
	Criteria map[string]any
}

// UserDirectory 用户查询
type UserDirectory interface {
	FindByID(ctx context.Context, id uint) (*models.User, error)
	FindTechnicians(ctx context.Context, filter TechnicianFilter) ([]models.User, error)
	ActiveBookingCounts(ctx context.Context, technicianIDs []uint) (map[uint]int64, error)
}

// InvoiceStore 发票存取
type InvoiceStore interface {
	FindByBookingID(ctx context.Context, bookingID uint) (*models.Invoice, error)
	Create(ctx context.Context, invoice *models.Invoice) error
}

// EntityStore 领域对象的加载、关联填充与保存
type EntityStore interface {
	Load(ctx context.Context, kind models.EntityKind, id uint) (models.Entity, error)
	Populate(ctx context.Context, entity models.Entity) error
	Save(ctx context.Context, entity models.Entity) error
}

// EventPublisher 发布领域事件
type EventPublisher interface {
	Publish(ctx context.Context, evt eventbus.Event) error
}

// 各实体类型在分派前需要加载的关联
var populateSets = map[models.EntityKind][]string{
	models.KindBooking:  {"User", "Service", "Package", "Address", "Technician"},
	models.KindPayment:  {"Booking.User", "Booking.Service", "Booking.Package", "User", "Collector"},
	models.KindFeedback: {"Booking.Technician", "User", "Service", "Technician"},
	models.KindInvoice:  {},
}

// GormUserDirectory 基于 gorm 的用户查询
type GormUserDirectory struct {
	db *gorm.DB
}

func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

func (d *GormUserDirectory) FindByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := d.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// technicianColumns 允许作为 criteria 的列
var technicianColumns = map[string]string{
	"rating":      "rating",
	"isApproved":  "is_approved",
	"is_approved": "is_approved",
	"phone":       "phone",
	"email":       "email",
	"name":        "name",
}

func (d *GormUserDirectory) FindTechnicians(ctx context.Context, filter TechnicianFilter) ([]models.User, error) {
	q := d.db.WithContext(ctx).
		Where("role = ? AND is_approved = ?", models.RoleTechnician, true).
		Where("city = ?", filter.City)
	for key, val := range filter.Criteria {
		col, ok := technicianColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported technician criteria %q", key)
		}
		q = q.Where(col+" = ?", val)
	}
	var users []models.User
	if err := q.Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// ActiveBookingCounts 统计技师未完成的预约数
func (d *GormUserDirectory) ActiveBookingCounts(ctx context.Context, technicianIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(technicianIDs))
	if len(technicianIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		TechnicianID uint
		Total        int64
	}
	err := d.db.WithContext(ctx).Model(&models.Booking{}).
		Select("technician_id, COUNT(*) AS total").
		Where("technician_id IN ?", technicianIDs).
		Where("status IN ?", []string{models.BookingAssigned, models.BookingInProgress, models.BookingConfirmed}).
		Group("technician_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.TechnicianID] = r.Total
	}
	return counts, nil
}

// GormInvoiceStore 基于 gorm 的发票存储
type GormInvoiceStore struct {
	db *gorm.DB
}

func NewGormInvoiceStore(db *gorm.DB) *GormInvoiceStore {
	return &GormInvoiceStore{db: db}
}

func (s *GormInvoiceStore) FindByBookingID(ctx context.Context, bookingID uint) (*models.Invoice, error) {
	var inv models.Invoice
	if err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &inv, nil
}

func (s *GormInvoiceStore) Create(ctx context.Context, invoice *models.Invoice) error {
	return s.db.WithContext(ctx).Create(invoice).Error
}

// GormEntityStore 基于 gorm 的领域对象存储
type GormEntityStore struct {
	db *gorm.DB
}

func NewGormEntityStore(db *gorm.DB) *GormEntityStore {
	return &GormEntityStore{db: db}
}

func newEntity(kind models.EntityKind) (models.Entity, error) {
	switch kind {
	case models.KindBooking:
		return &models.Booking{}, nil
	case models.KindPayment:
		return &models.Payment{}, nil
	case models.KindFeedback:
		return &models.Feedback{}, nil
	case models.KindInvoice:
		return &models.Invoice{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEntity, kind)
}

func (s *GormEntityStore) Load(ctx context.Context, kind models.EntityKind, id uint) (models.Entity, error) {
	entity, err := newEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(entity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s %d", ErrEntityNotFound, kind, id)
		}
		return nil, err
	}
	return entity, nil
}

// Populate 按实体类型重新加载关联
func (s *GormEntityStore) Populate(ctx context.Context, entity models.Entity) error {
	relations, ok := populateSets[entity.Kind()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEntity, entity.Kind())
	}
	if len(relations) == 0 {
		return nil
	}
	q := s.db.WithContext(ctx)
	for _, rel := range relations {
		q = q.Preload(rel)
	}
	return q.First(entity, entity.GetID()).Error
}

func (s *GormEntityStore) Save(ctx context.Context, entity models.Entity) error {
	b, ok := entity.(*models.Booking)
	if !ok {
		return s.db.WithContext(ctx).Omit(clause.Associations).Save(entity).Error
	}
	// 只写回自动化动作可能修改的列
	return s.db.WithContext(ctx).Model(b).
		Select("Status", "TechnicianID", "AssignedAt", "CompletedAt", "StatusHistory", "UpdatedAt").
		Updates(b).Error
}
