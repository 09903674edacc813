package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// EntityKind 标识可触发自动化的领域对象类型
type EntityKind string

const (
	KindBooking  EntityKind = "booking"
	KindPayment  EntityKind = "payment"
	KindFeedback EntityKind = "feedback"
	KindInvoice  EntityKind = "invoice"
)

// Entity 可交给自动化引擎的领域对象
type Entity interface {
	Kind() EntityKind
	GetID() uint
}

// 用户角色
const (
	RoleCustomer   = "customer"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
	RoleCollector  = "collector"
)

// 用户模型
type User struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Name       string         `json:"name"`
	Email      string         `gorm:"uniqueIndex;not null" json:"email"`
	Phone      string         `json:"phone"`
	Role       string         `gorm:"index;default:'customer'" json:"role"`
	IsApproved bool           `gorm:"default:false" json:"isApproved"`
	City       string         `gorm:"index" json:"city"`
	FCMToken   string         `json:"fcmToken,omitempty"`
	Rating     float64        `gorm:"default:0" json:"rating"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// 地址
type Address struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index" json:"userId"`
	Line1     string    `json:"line1"`
	Line2     string    `json:"line2,omitempty"`
	City      string    `gorm:"index" json:"city"`
	State     string    `json:"state"`
	Pincode   string    `json:"pincode"`
	CreatedAt time.Time `json:"createdAt"`
}

// 服务目录
type Service struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Category  string    `gorm:"index" json:"category"`
	BasePrice float64   `json:"basePrice"`
	CreatedAt time.Time `json:"createdAt"`
}

// 服务套餐
type Package struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ServiceID uint      `gorm:"index" json:"serviceId"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"createdAt"`
}

// 预约状态
const (
	BookingPending     = "Pending"
	BookingConfirmed   = "Confirmed"
	BookingAssigned    = "Assigned"
	BookingInProgress  = "In Progress"
	BookingCompleted   = "Completed"
	BookingCancelled   = "Cancelled"
	BookingRescheduled = "Rescheduled"
)

// IsBookingStatus 是否为合法的预约状态
func IsBookingStatus(s string) bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingAssigned, BookingInProgress,
		BookingCompleted, BookingCancelled, BookingRescheduled:
		return true
	}
	return false
}

// BookingStatusChange 状态变更记录
type BookingStatusChange struct {
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
	Note      string    `json:"note,omitempty"`
}

// Booking 预约单。关联对象在 JSON 中以外键名输出：未加载时为 ID，加载后为对象。
type Booking struct {
	ID            uint                  `gorm:"primaryKey" json:"id"`
	BookingNumber string                `gorm:"uniqueIndex" json:"bookingNumber"`
	UserID        uint                  `gorm:"index;not null" json:"-"`
	ServiceID     uint                  `gorm:"index" json:"-"`
	PackageID     *uint                 `json:"-"`
	AddressID     uint                  `json:"-"`
	TechnicianID  *uint                 `gorm:"index" json:"-"`
	Status        string                `gorm:"index;default:'Pending'" json:"status"`
	ScheduledAt   time.Time             `json:"scheduledAt"`
	BasePrice     float64               `json:"basePrice"`
	Discount      float64               `json:"discount"`
	TotalAmount   float64               `json:"totalAmount"`
	PaymentStatus string                `gorm:"default:'pending'" json:"paymentStatus"`
	AssignedAt    *time.Time            `json:"assignedAt,omitempty"`
	CompletedAt   *time.Time            `gorm:"index" json:"completedAt,omitempty"`
	RemindedAt    *time.Time            `json:"remindedAt,omitempty"` // 评价提醒已发出
	StatusHistory []BookingStatusChange `gorm:"type:text;serializer:json" json:"statusHistory"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`

	User       *User    `gorm:"foreignKey:UserID" json:"userId,omitempty"`
	Service    *Service `gorm:"foreignKey:ServiceID" json:"serviceId,omitempty"`
	Package    *Package `gorm:"foreignKey:PackageID" json:"packageId,omitempty"`
	Address    *Address `gorm:"foreignKey:AddressID" json:"addressId,omitempty"`
	Technician *User    `gorm:"foreignKey:TechnicianID" json:"technicianId,omitempty"`
}

func (b *Booking) Kind() EntityKind { return KindBooking }
func (b *Booking) GetID() uint      { return b.ID }

// SetStatus 更新状态并追加历史
func (b *Booking) SetStatus(status, note string, at time.Time) {
	b.Status = status
	if status == BookingCompleted && b.CompletedAt == nil {
		t := at
		b.CompletedAt = &t
	}
	b.StatusHistory = append(b.StatusHistory, BookingStatusChange{Status: status, ChangedAt: at, Note: note})
}

func (b Booking) MarshalJSON() ([]byte, error) {
	type plain Booking
	return marshalWithRefs(plain(b), map[string]any{
		"userId":       refValue(b.UserID),
		"serviceId":    refValue(b.ServiceID),
		"packageId":    refPtr(b.PackageID),
		"addressId":    refValue(b.AddressID),
		"technicianId": refPtr(b.TechnicianID),
	})
}

// 支付
type Payment struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	BookingID     uint       `gorm:"index;not null" json:"-"`
	UserID        uint       `gorm:"index" json:"-"`
	CollectorID   *uint      `json:"-"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"method"` // cash, upi, card, online
	Status        string     `gorm:"default:'initiated'" json:"status"`
	TransactionID string     `json:"transactionId,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`

	Booking   *Booking `gorm:"foreignKey:BookingID" json:"bookingId,omitempty"`
	User      *User    `gorm:"foreignKey:UserID" json:"userId,omitempty"`
	Collector *User    `gorm:"foreignKey:CollectorID" json:"collectorId,omitempty"`
}

func (p *Payment) Kind() EntityKind { return KindPayment }
func (p *Payment) GetID() uint      { return p.ID }

func (p Payment) MarshalJSON() ([]byte, error) {
	type plain Payment
	return marshalWithRefs(plain(p), map[string]any{
		"bookingId":   refValue(p.BookingID),
		"userId":      refValue(p.UserID),
		"collectorId": refPtr(p.CollectorID),
	})
}

// 评价
type Feedback struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	BookingID    uint      `gorm:"uniqueIndex" json:"-"`
	UserID       uint      `gorm:"index" json:"-"`
	ServiceID    uint      `json:"-"`
	TechnicianID *uint     `json:"-"`
	Rating       int       `json:"rating"`
	Comment      string    `gorm:"type:text" json:"comment"`
	CreatedAt    time.Time `json:"createdAt"`

	Booking    *Booking `gorm:"foreignKey:BookingID" json:"bookingId,omitempty"`
	User       *User    `gorm:"foreignKey:UserID" json:"userId,omitempty"`
	Service    *Service `gorm:"foreignKey:ServiceID" json:"serviceId,omitempty"`
	Technician *User    `gorm:"foreignKey:TechnicianID" json:"technicianId,omitempty"`
}

func (f *Feedback) Kind() EntityKind { return KindFeedback }
func (f *Feedback) GetID() uint      { return f.ID }

func (f Feedback) MarshalJSON() ([]byte, error) {
	type plain Feedback
	return marshalWithRefs(plain(f), map[string]any{
		"bookingId":    refValue(f.BookingID),
		"userId":       refValue(f.UserID),
		"serviceId":    refValue(f.ServiceID),
		"technicianId": refPtr(f.TechnicianID),
	})
}

// InvoiceItem 发票行
type InvoiceItem struct {
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Amount      float64 `json:"amount"`
}

// InvoiceCustomer 开票时的客户快照
type InvoiceCustomer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// Invoice 发票；每个预约最多一张
type Invoice struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	InvoiceNumber string          `gorm:"uniqueIndex;not null" json:"invoiceNumber"`
	BookingID     uint            `gorm:"uniqueIndex;not null" json:"bookingId"`
	UserID        uint            `gorm:"index" json:"userId"`
	Items         []InvoiceItem   `gorm:"type:text;serializer:json" json:"items"`
	Subtotal      float64         `json:"subtotal"`
	TaxRate       float64         `json:"taxRate"`
	TaxAmount     float64         `json:"taxAmount"`
	Discount      float64         `json:"discount"`
	Total         float64         `json:"total"`
	Customer      InvoiceCustomer `gorm:"type:text;serializer:json" json:"customer"`
	Status        string          `gorm:"default:'issued'" json:"status"`
	IssuedAt      time.Time       `json:"issuedAt"`
	DueDate       time.Time       `json:"dueDate"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (i *Invoice) Kind() EntityKind { return KindInvoice }
func (i *Invoice) GetID() uint      { return i.ID }

// marshalWithRefs 将未加载的关联以原始 ID 填充到外键字段
func marshalWithRefs(v any, refs map[string]any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for k, id := range refs {
		if id == nil {
			continue
		}
		if _, populated := m[k]; !populated {
			m[k] = id
		}
	}
	return json.Marshal(m)
}

func refValue(id uint) any {
	if id == 0 {
		return nil
	}
	return id
}

func refPtr(id *uint) any {
	if id == nil {
		return nil
	}
	return refValue(*id)
}
