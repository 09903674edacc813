//go:build integration

package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"homeservice/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newPostgresDB(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func TestGormHookRepository_Postgres(t *testing.T) {
	db := newPostgresDB(t)
	ctx := context.Background()
	repo := NewGormHookRepository(db, 10)

	hook := &models.AutomationHook{
		Name:         "pg",
		TriggerEvent: models.EventBookingCreated,
		IsActive:     true,
		Actions:      emailAction(),
	}
	require.NoError(t, repo.Create(ctx, hook))

	t.Run("concurrent records keep exact counts", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				data := models.LogData{Event: models.EventBookingCreated, Kind: models.KindBooking, EntityID: uint(i + 1)}
				if i%4 == 0 {
					_, err := repo.RecordFailure(ctx, hook.ID, data, "boom")
					assert.NoError(t, err)
					return
				}
				_, err := repo.RecordSuccess(ctx, hook.ID, data)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := repo.Get(ctx, hook.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(30), got.ExecutionCount)
		assert.Equal(t, int64(10), got.FailureCount)
	})

	t.Run("a sequential record trims to the cap", func(t *testing.T) {
		_, err := repo.RecordSuccess(ctx, hook.ID, models.LogData{Event: models.EventBookingCreated, Kind: models.KindBooking, EntityID: 999})
		require.NoError(t, err)

		var n int64
		require.NoError(t, db.Model(&models.ExecutionLog{}).Where("hook_id = ?", hook.ID).Count(&n).Error)
		assert.Equal(t, int64(10), n)

		logs, err := repo.ListLogs(ctx, hook.ID, 0)
		require.NoError(t, err)
		require.NotEmpty(t, logs)
		assert.Equal(t, uint(999), logs[0].Data.EntityID)
	})

	t.Run("active hooks come back in priority order", func(t *testing.T) {
		second := &models.AutomationHook{Name: "pg-high", TriggerEvent: models.EventBookingCreated, IsActive: true, Priority: 90, Actions: emailAction()}
		require.NoError(t, repo.Create(ctx, second))
		hooks, err := repo.FindActiveHooksForEvent(ctx, models.EventBookingCreated)
		require.NoError(t, err)
		require.Len(t, hooks, 2)
		assert.Equal(t, second.ID, hooks[0].ID)
	})
}
