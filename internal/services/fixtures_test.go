package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/models"
	"homeservice/pkg/eventbus"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testAutomationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		ActionTimeout:  2 * time.Second,
		DefaultTaxRate: 18,
		InvoiceDueDays: 7,
		LogCap:         models.ExecutionLogCap,
	}
}

type fixture struct {
	db       *gorm.DB
	customer *models.User
	service  *models.Service
	pkg      *models.Package
	address  *models.Address
	booking  *models.Booking
}

// newFixture stores a customer with a booking in city.
func newFixture(t *testing.T, db *gorm.DB, city string) *fixture {
	t.Helper()
	f := &fixture{db: db}
	f.customer = &models.User{
		Name:     gofakeit.Name(),
		Email:    gofakeit.Email(),
		Phone:    gofakeit.Phone(),
		Role:     models.RoleCustomer,
		City:     city,
		FCMToken: "token-" + gofakeit.LetterN(12),
	}
	require.NoError(t, db.Create(f.customer).Error)

	f.service = &models.Service{Name: "AC Repair", Category: "appliance", BasePrice: 1000}
	require.NoError(t, db.Create(f.service).Error)
	f.pkg = &models.Package{ServiceID: f.service.ID, Name: "Deep Clean", Price: 1200}
	require.NoError(t, db.Create(f.pkg).Error)
	f.address = &models.Address{
		UserID:  f.customer.ID,
		Line1:   gofakeit.Street(),
		City:    city,
		State:   "MH",
		Pincode: gofakeit.Zip(),
	}
	require.NoError(t, db.Create(f.address).Error)

	pkgID := f.pkg.ID
	f.booking = &models.Booking{
		BookingNumber: "BK-" + gofakeit.LetterN(8),
		UserID:        f.customer.ID,
		ServiceID:     f.service.ID,
		PackageID:     &pkgID,
		AddressID:     f.address.ID,
		Status:        models.BookingPending,
		ScheduledAt:   time.Now().Add(24 * time.Hour),
		BasePrice:     1200,
		Discount:      100,
		TotalAmount:   1316,
	}
	require.NoError(t, db.Create(f.booking).Error)
	return f
}

func (f *fixture) technician(t *testing.T, city string, rating float64) *models.User {
	t.Helper()
	u := &models.User{
		Name:       gofakeit.Name(),
		Email:      gofakeit.Email(),
		Role:       models.RoleTechnician,
		IsApproved: true,
		City:       city,
		Rating:     rating,
	}
	require.NoError(t, f.db.Create(u).Error)
	return u
}

// freshBooking reloads the booking without relations, the way callers hand it to the engine.
func (f *fixture) freshBooking(t *testing.T) *models.Booking {
	t.Helper()
	var b models.Booking
	require.NoError(t, f.db.First(&b, f.booking.ID).Error)
	return &b
}

func createHook(t *testing.T, db *gorm.DB, hook models.AutomationHook) *models.AutomationHook {
	t.Helper()
	hook.IsActive = true
	require.NoError(t, db.Create(&hook).Error)
	return &hook
}

func reloadHook(t *testing.T, db *gorm.DB, id uint) *models.AutomationHook {
	t.Helper()
	var h models.AutomationHook
	require.NoError(t, db.First(&h, id).Error)
	return &h
}

func hookLogs(t *testing.T, db *gorm.DB, id uint) []models.ExecutionLog {
	t.Helper()
	var logs []models.ExecutionLog
	require.NoError(t, db.Where("hook_id = ?", id).Order("id ASC").Find(&logs).Error)
	return logs
}

type recordingMailer struct {
	mu    sync.Mutex
	mails []Mail
	err   error
	block bool
}

func (m *recordingMailer) SendMail(ctx context.Context, mail Mail) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mails = append(m.mails, mail)
	return m.err
}

func (m *recordingMailer) sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.mails...)
}

type pushCall struct {
	Token, Title, Body string
	Data               map[string]any
}

type recordingPusher struct {
	mu    sync.Mutex
	calls []pushCall
	err   error
}

func (p *recordingPusher) SendToToken(ctx context.Context, token, title, body string, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{Token: token, Title: title, Body: body, Data: data})
	return p.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, evt eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

// manualScheduler records scheduled ids; tests run them explicitly.
type manualScheduler struct {
	mu  sync.Mutex
	ids []uint
	err error
}

func (s *manualScheduler) Schedule(ctx context.Context, pendingID uint, delay time.Duration) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, pendingID)
	return nil
}
