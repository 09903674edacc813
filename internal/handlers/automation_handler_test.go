package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"homeservice/internal/config"
	"homeservice/internal/models"
	"homeservice/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newHandlerDB(t *testing.T) *gorm.DB {
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

func setupAutomationRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerDB(t)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := config.GetDefaultConfig().Automation
	svc := services.NewAutomationService(db, cfg, services.AutomationDeps{
		Mailer: services.NewLogMailer(log),
		Pusher: services.NewLogPusher(log),
	}, log)

	r := gin.New()
	RegisterAutomationRoutes(r.Group("/api"), NewAutomationHandler(svc, nil, log))
	return r, db
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAutomationHandler_CRUD(t *testing.T) {
	r, _ := setupAutomationRouter(t)

	w := doJSON(r, http.MethodPost, "/api/automations", map[string]interface{}{
		"name":         "Confirm email",
		"triggerEvent": "booking.created",
		"actions":      []map[string]interface{}{{"type": "send_email"}},
		"priority":     5,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data models.AutomationHook `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Data.ID
	require.NotZero(t, id)
	assert.True(t, created.Data.IsActive)

	w = doJSON(r, http.MethodGet, "/api/automations?event=booking.created&page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 10, page.PageSize)
	assert.Equal(t, 1, page.Pages)

	w = doJSON(r, http.MethodPatch, "/api/automations/"+itoa(id)+"/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/automations?active=true", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Zero(t, page.Total)

	w = doJSON(r, http.MethodGet, "/api/automations/"+itoa(id)+"/logs", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodDelete, "/api/automations/"+itoa(id), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/automations/"+itoa(id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_Errors(t *testing.T) {
	r, _ := setupAutomationRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"bad id", http.MethodGet, "/api/automations/abc", nil, http.StatusBadRequest},
		{"missing hook", http.MethodGet, "/api/automations/42", nil, http.StatusNotFound},
		{"bad active filter", http.MethodGet, "/api/automations?active=maybe", nil, http.StatusBadRequest},
		{"bad event filter", http.MethodGet, "/api/automations?event=booking.lost", nil, http.StatusBadRequest},
		{"invalid hook", http.MethodPost, "/api/automations", map[string]interface{}{
			"name": "x", "triggerEvent": "booking.created", "actions": []map[string]interface{}{{"type": "fax"}},
		}, http.StatusBadRequest},
		{"bad pending status", http.MethodGet, "/api/automations/pending?status=lost", nil, http.StatusBadRequest},
		{"trigger unknown event", http.MethodPost, "/api/automations/trigger", map[string]interface{}{
			"event": "booking.lost", "entityKind": "booking", "entityId": 1,
		}, http.StatusBadRequest},
		{"trigger missing entity", http.MethodPost, "/api/automations/trigger", map[string]interface{}{
			"event": "booking.created", "entityKind": "booking", "entityId": 999,
		}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestAutomationHandler_TriggerDryRun(t *testing.T) {
	r, db := setupAutomationRouter(t)
	payment := &models.Payment{BookingID: 7, Amount: 500, Method: "upi", Status: "paid"}
	require.NoError(t, db.Create(payment).Error)

	w := doJSON(r, http.MethodPost, "/api/automations/trigger", map[string]interface{}{
		"event": "payment.received", "entityKind": "payment", "entityId": payment.ID, "dryRun": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data services.TriggerReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.DryRun)
	assert.Equal(t, models.EventPaymentReceived, resp.Data.Event)
	assert.Empty(t, resp.Data.Hooks)

	w = doJSON(r, http.MethodGet, "/api/automations/pending", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func itoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
