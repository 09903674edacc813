package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"homeservice/internal/models"
	"homeservice/pkg/eventbus"
	"homeservice/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InvoiceGenerator 每个预约最多生成一张发票
type InvoiceGenerator struct {
	invoices  InvoiceStore
	entities  EntityStore
	lock      InvoiceLock
	publisher EventPublisher
	taxRate   float64
	dueDays   int
	logger    *logrus.Logger
	now       func() time.Time
}

// InvoiceSettings 开票默认值
type InvoiceSettings struct {
	TaxRate *float64 // nil 或负数时用 18%，0 表示免税
	DueDays int
}

func NewInvoiceGenerator(invoices InvoiceStore, entities EntityStore, lock InvoiceLock, publisher EventPublisher, settings InvoiceSettings, logger *logrus.Logger) *InvoiceGenerator {
	if logger == nil {
		logger = logrus.New()
	}
	if lock == nil {
		lock = NewLocalInvoiceLock()
	}
	taxRate := 18.0
	if settings.TaxRate != nil && *settings.TaxRate >= 0 {
		taxRate = *settings.TaxRate
	}
	if settings.DueDays <= 0 {
		settings.DueDays = 7
	}
	return &InvoiceGenerator{
		invoices:  invoices,
		entities:  entities,
		lock:      lock,
		publisher: publisher,
		taxRate:   taxRate,
		dueDays:   settings.DueDays,
		logger:    logger,
		now:       time.Now,
	}
}

// Generate 返回预约的发票，不存在时创建；已存在或锁被其它 worker 持有时 created 为 false
func (g *InvoiceGenerator) Generate(ctx context.Context, hookName string, payload *Payload, cfg map[string]any) (inv *models.Invoice, created bool, err error) {
	booking, err := g.bookingFor(ctx, payload)
	if err != nil {
		return nil, false, err
	}
	if booking == nil {
		g.logger.Warnf("automation: hook %s: generate_invoice needs a booking, got %q", hookName, payload.Kind())
		return nil, false, nil
	}

	if existing, err := g.invoices.FindByBookingID(ctx, booking.ID); err != nil || existing != nil {
		return existing, false, err
	}

	release, acquired, err := g.lock.Acquire(ctx, booking.ID)
	if err != nil {
		return nil, false, err
	}
	defer release()
	if !acquired {
		g.logger.Infof("automation: hook %s: invoice for booking %d is being generated elsewhere", hookName, booking.ID)
		return nil, false, nil
	}
	if existing, err := g.invoices.FindByBookingID(ctx, booking.ID); err != nil || existing != nil {
		return existing, false, err
	}

	if needsPopulate(booking) {
		if err := g.entities.Populate(ctx, booking); err != nil {
			return nil, false, fmt.Errorf("populate booking %d: %w", booking.ID, err)
		}
	}

	inv = g.build(booking, cfg)
	if err := g.invoices.Create(ctx, inv); err != nil {
		// 并发写入时唯一索引冲突视为已存在
		if existing, findErr := g.invoices.FindByBookingID(ctx, booking.ID); findErr == nil && existing != nil {
			return existing, false, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, nil
		}
		return nil, false, err
	}
	g.logger.Infof("automation: invoice %s generated for booking %d", inv.InvoiceNumber, booking.ID)
	g.publish(ctx, inv)
	return inv, true, nil
}

func (g *InvoiceGenerator) bookingFor(ctx context.Context, payload *Payload) (*models.Booking, error) {
	var (
		booking   *models.Booking
		bookingID uint
	)
	switch e := payload.Entity.(type) {
	case *models.Booking:
		return e, nil
	case *models.Payment:
		booking, bookingID = e.Booking, e.BookingID
	case *models.Feedback:
		booking, bookingID = e.Booking, e.BookingID
	default:
		return nil, nil
	}
	if booking != nil {
		return booking, nil
	}
	if bookingID == 0 {
		return nil, nil
	}
	loaded, err := g.entities.Load(ctx, models.KindBooking, bookingID)
	if err != nil {
		return nil, err
	}
	return loaded.(*models.Booking), nil
}

func needsPopulate(b *models.Booking) bool {
	return b.User == nil || b.Service == nil ||
		(b.AddressID != 0 && b.Address == nil) ||
		(b.PackageID != nil && b.Package == nil)
}

func (g *InvoiceGenerator) build(b *models.Booking, cfg map[string]any) *models.Invoice {
	now := g.now()
	rate := g.taxRate
	if v, ok := asNumber(normalizeValue(cfg["taxRate"])); ok && v >= 0 {
		rate = v
	}

	desc := "Service"
	if b.Service != nil {
		desc = b.Service.Name
	}
	if b.Package != nil {
		desc += " - " + b.Package.Name
	}
	subtotal := b.BasePrice

	var customer models.InvoiceCustomer
	if b.User != nil {
		customer.Name, customer.Email, customer.Phone = b.User.Name, b.User.Email, b.User.Phone
	}
	if b.Address != nil {
		customer.Address = formatAddress(b.Address)
	}

	return &models.Invoice{
		InvoiceNumber: utils.GenerateInvoiceNumber(now),
		BookingID:     b.ID,
		UserID:        b.UserID,
		Items: []models.InvoiceItem{{
			Description: desc,
			Quantity:    1,
			UnitPrice:   subtotal,
			Amount:      subtotal,
		}},
		Subtotal:  subtotal,
		TaxRate:   rate,
		TaxAmount: utils.RoundMoney(subtotal * rate / 100),
		Discount:  b.Discount,
		Total:     b.TotalAmount,
		Customer:  customer,
		Status:    "issued",
		IssuedAt:  now,
		DueDate:   now.AddDate(0, 0, g.dueDays),
	}
}

func formatAddress(a *models.Address) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{a.Line1, a.Line2, a.City, a.State, a.Pincode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func (g *InvoiceGenerator) publish(ctx context.Context, inv *models.Invoice) {
	if g.publisher == nil {
		return
	}
	evt := eventbus.NewEvent(string(models.EventInvoiceGenerated), string(models.KindInvoice), inv.ID)
	evt.Data = map[string]any{
		"bookingId":     inv.BookingID,
		"invoiceNumber": inv.InvoiceNumber,
		"total":         inv.Total,
	}
	if err := g.publisher.Publish(ctx, evt); err != nil {
		g.logger.Warnf("automation: publish invoice.generated for %s failed: %v", inv.InvoiceNumber, err)
	}
}
