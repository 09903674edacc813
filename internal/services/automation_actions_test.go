package services

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"homeservice/internal/config"
	"homeservice/internal/models"
	"homeservice/pkg/pushgw"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type savingEntityStore struct {
	saved []models.Entity
}

func (s *savingEntityStore) Load(ctx context.Context, kind models.EntityKind, id uint) (models.Entity, error) {
	return nil, ErrEntityNotFound
}

func (s *savingEntityStore) Populate(ctx context.Context, entity models.Entity) error { return nil }

func (s *savingEntityStore) Save(ctx context.Context, entity models.Entity) error {
	s.saved = append(s.saved, entity)
	return nil
}

type recordingSMS struct {
	to, body string
}

func (s *recordingSMS) SendSMS(ctx context.Context, to, body string) error {
	s.to, s.body = to, body
	return nil
}

var testHook = &models.AutomationHook{ID: 1, Name: "unit"}

func TestActionExecutor_PushUsesDirectoryToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	pusher := NewMockPusher(ctrl)
	users := NewMockUserDirectory(ctrl)
	exec := NewActionExecutor(ExecutorDeps{Pusher: pusher, Users: users}, quietLogger())

	payload := PayloadFromMap(map[string]any{
		"bookingNumber": "BK-1",
		"userId":        map[string]any{"id": float64(42), "name": "Ravi"},
	})
	data := map[string]any{"deeplink": "app://booking/{{bookingNumber}}"}

	users.EXPECT().FindByID(gomock.Any(), uint(42)).Return(&models.User{ID: 42, FCMToken: "tok"}, nil)
	pusher.EXPECT().SendToToken(gomock.Any(), "tok", "Hi Ravi", "Booking BK-1", data).Return(nil)

	err := exec.Run(context.Background(), testHook, models.HookAction{
		Type:   models.ActionSendPush,
		Config: map[string]any{"title": "Hi {{userId.name}}", "body": "Booking {{bookingNumber}}", "data": data},
	}, payload)
	require.NoError(t, err)
}

func TestActionExecutor_PushSkipsWithoutToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	pusher := NewMockPusher(ctrl)
	users := NewMockUserDirectory(ctrl)
	exec := NewActionExecutor(ExecutorDeps{Pusher: pusher, Users: users}, quietLogger())

	users.EXPECT().FindByID(gomock.Any(), uint(7)).Return(&models.User{ID: 7}, nil)
	users.EXPECT().FindByID(gomock.Any(), uint(8)).Return(nil, nil)

	for _, id := range []float64{7, 8} {
		payload := PayloadFromMap(map[string]any{"userId": id})
		require.NoError(t, exec.Run(context.Background(), testHook, models.HookAction{Type: models.ActionSendPush}, payload))
	}
	// no user reference at all: the directory is not consulted
	require.NoError(t, exec.Run(context.Background(), testHook, models.HookAction{Type: models.ActionSendPush}, PayloadFromMap(nil)))
}

func TestActionExecutor_PushDirectoryFailureIsCollaboratorError(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := NewMockUserDirectory(ctrl)
	exec := NewActionExecutor(ExecutorDeps{Pusher: NewMockPusher(ctrl), Users: users}, quietLogger())

	users.EXPECT().FindByID(gomock.Any(), uint(3)).Return(nil, errors.New("db gone"))
	err := exec.Run(context.Background(), testHook, models.HookAction{Type: models.ActionSendPaymentReminder},
		PayloadFromMap(map[string]any{"userId": float64(3)}))

	var ce *CollaboratorError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "send_push_notification", ce.Action)
}

func TestActionExecutor_RequestFeedbackFixedCopy(t *testing.T) {
	ctrl := gomock.NewController(t)
	pusher := NewMockPusher(ctrl)
	users := NewMockUserDirectory(ctrl)
	exec := NewActionExecutor(ExecutorDeps{Pusher: pusher, Users: users}, quietLogger())

	users.EXPECT().FindByID(gomock.Any(), uint(5)).Return(&models.User{ID: 5, FCMToken: "tok"}, nil)
	pusher.EXPECT().
		SendToToken(gomock.Any(), "tok", "How was your service?", gomock.Any(),
			map[string]any{"type": "feedback_request", "bookingId": uint(99)}).
		Return(nil)

	payload := PayloadFromMap(map[string]any{"userId": float64(5), "bookingId": map[string]any{"id": float64(99)}})
	require.NoError(t, exec.Run(context.Background(), testHook, models.HookAction{Type: models.ActionRequestFeedback}, payload))
}

func TestActionExecutor_RecipientUnavailableIsNotAnError(t *testing.T) {
	mailer := &recordingMailer{}
	sms := &recordingSMS{}
	exec := NewActionExecutor(ExecutorDeps{Mailer: mailer, SMS: sms}, quietLogger())
	payload := PayloadFromMap(map[string]any{"userId": float64(1)})

	require.NoError(t, exec.Run(context.Background(), testHook, models.HookAction{
		Type: models.ActionSendEmail, Config: map[string]any{"to": "{{customer.email}}"},
	}, payload))
	require.NoError(t, exec.Run(context.Background(), testHook, models.HookAction{Type: models.ActionSendSMS}, payload))
	assert.Empty(t, mailer.sent())
	assert.Empty(t, sms.to)
}

func TestActionExecutor_SMS(t *testing.T) {
	sms := &recordingSMS{}
	exec := NewActionExecutor(ExecutorDeps{SMS: sms}, quietLogger())
	payload := PayloadFromMap(map[string]any{
		"bookingNumber": "BK-9",
		"userId":        map[string]any{"phone": "+91 99999 00000"},
	})

	require.NoError(t, exec.Run(context.Background(), testHook, models.HookAction{
		Type: models.ActionSendSMS, Config: map[string]any{"message": "Booking {{bookingNumber}} confirmed"},
	}, payload))
	assert.Equal(t, "+91 99999 00000", sms.to)
	assert.Equal(t, "Booking BK-9 confirmed", sms.body)
}

func TestActionExecutor_NoOps(t *testing.T) {
	store := &savingEntityStore{}
	exec := NewActionExecutor(ExecutorDeps{Entities: store}, quietLogger())
	payment, err := NewPayload(&models.Payment{ID: 1, BookingID: 2})
	require.NoError(t, err)

	tests := []struct {
		name   string
		action models.HookAction
	}{
		{"unknown type", models.HookAction{Type: "fax_customer"}},
		{"update_status on payment", models.HookAction{Type: models.ActionUpdateStatus, Config: map[string]any{"status": "Completed"}}},
		{"assign_technician on payment", models.HookAction{Type: models.ActionAssignTechnician}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, exec.Run(context.Background(), testHook, tt.action, payment))
		})
	}
	assert.Empty(t, store.saved)
}

func TestActionExecutor_UpdateStatusRejectsUnknownStatus(t *testing.T) {
	store := &savingEntityStore{}
	exec := NewActionExecutor(ExecutorDeps{Entities: store}, quietLogger())
	payload, err := NewPayload(&models.Booking{ID: 1, Status: models.BookingPending})
	require.NoError(t, err)

	err = exec.Run(context.Background(), testHook, models.HookAction{
		Type: models.ActionUpdateStatus, Config: map[string]any{"status": "Done-ish"},
	}, payload)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Empty(t, store.saved)

	require.NoError(t, exec.Run(context.Background(), testHook, models.HookAction{
		Type: models.ActionUpdateStatus, Config: map[string]any{"status": models.BookingConfirmed, "note": "paid"},
	}, payload))
	require.Len(t, store.saved, 1)
	assert.Equal(t, models.BookingConfirmed, payload.Data()["status"])
}

func TestTechnicianAssigner_Strategies(t *testing.T) {
	candidates := []models.User{
		{ID: 1, Name: "A", Rating: 4.1},
		{ID: 2, Name: "B", Rating: 4.9},
		{ID: 3, Name: "C", Rating: 4.9},
	}
	tests := []struct {
		name     string
		strategy string
		counts   map[uint]int64
		want     uint
	}{
		{"least busy", StrategyLeastBusy, map[uint]int64{1: 3, 2: 1, 3: 1}, 2},
		{"least busy with idle technician", StrategyLeastBusy, map[uint]int64{1: 2, 2: 2}, 3},
		{"highest rated keeps first on tie", StrategyHighestRated, nil, 2},
		{"random", StrategyRandom, nil, 3},
		{"unknown strategy falls back to first", "nearest", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			users := NewMockUserDirectory(ctrl)
			store := &savingEntityStore{}
			a := NewTechnicianAssigner(users, store, quietLogger())
			a.pick = func(n int) int { return n - 1 }
			fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			a.now = func() time.Time { return fixed }

			criteria := map[string]any{"isApproved": true}
			users.EXPECT().
				FindTechnicians(gomock.Any(), TechnicianFilter{City: "Pune", Criteria: criteria}).
				Return(candidates, nil)
			if tt.strategy == StrategyLeastBusy {
				users.EXPECT().ActiveBookingCounts(gomock.Any(), []uint{1, 2, 3}).Return(tt.counts, nil)
			}

			booking := &models.Booking{ID: 10, AddressID: 4, Address: &models.Address{ID: 4, City: "Pune"}, Status: models.BookingConfirmed}
			assigned, err := a.Assign(context.Background(), "unit", booking, tt.strategy, criteria)
			require.NoError(t, err)
			require.True(t, assigned)
			require.NotNil(t, booking.TechnicianID)
			assert.Equal(t, tt.want, *booking.TechnicianID)
			assert.Equal(t, models.BookingAssigned, booking.Status)
			assert.Equal(t, fixed, *booking.AssignedAt)
			assert.Len(t, store.saved, 1)
		})
	}
}

func TestTechnicianAssigner_NoCity(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := NewTechnicianAssigner(NewMockUserDirectory(ctrl), &savingEntityStore{}, quietLogger())
	assigned, err := a.Assign(context.Background(), "unit", &models.Booking{ID: 1}, StrategyRandom, nil)
	require.NoError(t, err)
	assert.False(t, assigned)
}

func TestGormUserDirectory_Technicians(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db, "Pune")
	t1 := f.technician(t, "Pune", 4.0)
	t2 := f.technician(t, "Pune", 3.0)
	f.technician(t, "Delhi", 5.0)
	unapproved := &models.User{Name: "U", Email: "u@x.com", Role: models.RoleTechnician, City: "Pune"}
	require.NoError(t, db.Create(unapproved).Error)

	dir := NewGormUserDirectory(db)
	ctx := context.Background()
	techs, err := dir.FindTechnicians(ctx, TechnicianFilter{City: "Pune"})
	require.NoError(t, err)
	require.Len(t, techs, 2)
	assert.Equal(t, t1.ID, techs[0].ID)

	techs, err = dir.FindTechnicians(ctx, TechnicianFilter{City: "Pune", Criteria: map[string]any{"rating": 3.0}})
	require.NoError(t, err)
	require.Len(t, techs, 1)
	assert.Equal(t, t2.ID, techs[0].ID)

	_, err = dir.FindTechnicians(ctx, TechnicianFilter{City: "Pune", Criteria: map[string]any{"password": "x"}})
	assert.Error(t, err)

	tid := t1.ID
	require.NoError(t, db.Model(f.booking).Updates(map[string]any{"technician_id": tid, "status": models.BookingAssigned}).Error)
	counts, err := dir.ActiveBookingCounts(ctx, []uint{t1.ID, t2.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[t1.ID])
	assert.Zero(t, counts[t2.ID])

	missing, err := dir.FindByID(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

type countingMailer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *countingMailer) SendMail(ctx context.Context, mail Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func TestBreakerMailer_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &countingMailer{err: errors.New("smtp 421")}
	cfg := config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2, ResetTimeout: time.Minute}
	m := NewBreakerMailer(inner, cfg, quietLogger())

	for i := 0; i < 2; i++ {
		assert.EqualError(t, m.SendMail(context.Background(), Mail{To: "a@x.com"}), "smtp 421")
	}
	err := m.SendMail(context.Background(), Mail{To: "a@x.com"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, gobreaker.StateOpen, m.(*BreakerMailer).State())
}

func TestBreakerMailer_DisabledPassesThrough(t *testing.T) {
	inner := &countingMailer{}
	m := NewBreakerMailer(inner, config.CircuitBreakerConfig{}, quietLogger())
	assert.Same(t, inner, m)
}

type failingPusher struct{ err error }

func (p failingPusher) SendToToken(ctx context.Context, token, title, body string, data map[string]any) error {
	return p.err
}

func TestBreakerPusher_DeliveryErrorsDoNotTrip(t *testing.T) {
	cfg := config.CircuitBreakerConfig{Enabled: true, MaxFailures: 1, ResetTimeout: time.Minute}
	p := NewBreakerPusher(failingPusher{err: &pushgw.DeliveryError{Reason: "NotRegistered"}}, cfg, quietLogger())
	for i := 0; i < 3; i++ {
		require.Error(t, p.SendToToken(context.Background(), "tok", "t", "b", nil))
	}
	assert.Equal(t, gobreaker.StateClosed, p.(*BreakerPusher).State())
}

func TestLocalInvoiceLock(t *testing.T) {
	l := NewLocalInvoiceLock()
	ctx := context.Background()
	release, ok, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = l.Acquire(ctx, 2)
	assert.True(t, ok)

	release()
	_, ok, _ = l.Acquire(ctx, 1)
	assert.True(t, ok)
}

func TestInvoiceGenerator_LockHeldElsewhere(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db, "Mumbai")
	lock := NewLocalInvoiceLock()
	_, ok, _ := lock.Acquire(context.Background(), f.booking.ID)
	require.True(t, ok)

	g := NewInvoiceGenerator(NewGormInvoiceStore(db), NewGormEntityStore(db), lock, nil, InvoiceSettings{}, quietLogger())
	payload, err := NewPayload(f.freshBooking(t))
	require.NoError(t, err)
	inv, created, err := g.Generate(context.Background(), "unit", payload, nil)
	require.NoError(t, err)
	assert.Nil(t, inv)
	assert.False(t, created)
}

func TestInvoiceGenerator_FromPayment(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db, "Mumbai")
	g := NewInvoiceGenerator(NewGormInvoiceStore(db), NewGormEntityStore(db), nil, nil, InvoiceSettings{}, quietLogger())
	payload, err := NewPayload(&models.Payment{ID: 1, BookingID: f.booking.ID})
	require.NoError(t, err)

	inv, created, err := g.Generate(context.Background(), "unit", payload, nil)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, float64(18), inv.TaxRate)
	assert.Equal(t, 216.0, inv.TaxAmount)
	assert.True(t, strings.HasPrefix(inv.InvoiceNumber, "INV-"))

	again, created, err := g.Generate(context.Background(), "unit", payload, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inv.ID, again.ID)
}

func TestInvoiceGenerator_ZeroTaxRateIsKept(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db, "Mumbai")
	zero := 0.0
	g := NewInvoiceGenerator(NewGormInvoiceStore(db), NewGormEntityStore(db), nil, nil, InvoiceSettings{TaxRate: &zero}, quietLogger())
	payload, err := NewPayload(f.freshBooking(t))
	require.NoError(t, err)

	inv, created, err := g.Generate(context.Background(), "unit", payload, nil)
	require.NoError(t, err)
	require.True(t, created)
	assert.Zero(t, inv.TaxRate)
	assert.Zero(t, inv.TaxAmount)
	assert.Positive(t, inv.Subtotal)

	negative := -1.0
	g = NewInvoiceGenerator(NewGormInvoiceStore(db), NewGormEntityStore(db), nil, nil, InvoiceSettings{TaxRate: &negative}, quietLogger())
	assert.Equal(t, 18.0, g.taxRate)
}

func TestSMTPMailer_BuildsMessage(t *testing.T) {
	m := NewSMTPMailer(config.MailConfig{Host: "smtp.local", Port: 25, From: "noreply@homeservice.local"})
	var got []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.local:25", addr)
		assert.Equal(t, []string{"a@x.com"}, to)
		got = msg
		return nil
	}
	require.NoError(t, m.SendMail(context.Background(), Mail{To: "a@x.com", Subject: "Hi", HTML: "<p>ok</p>"}))
	assert.Contains(t, string(got), "Subject: Hi\r\n")
	assert.True(t, strings.HasSuffix(string(got), "<p>ok</p>"))

	assert.Error(t, m.SendMail(context.Background(), Mail{To: "a@x.com\r\nBcc: evil@x.com"}))
}
