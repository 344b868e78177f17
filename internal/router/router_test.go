package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"listing_sync_v1_202610/internal/controller"
	"listing_sync_v1_202610/internal/metrics"
	"listing_sync_v1_202610/internal/middleware"
	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/repository"
	"listing_sync_v1_202610/internal/task"
)

type stubRunner struct{}

func (stubRunner) Trigger(accounts []string) error       { return nil }
func (stubRunner) IsKnown(account string) bool           { return account == "TOYS" }
func (stubRunner) Running() bool                         { return false }
func (stubRunner) Status() map[string]task.AccountReport { return nil }
func (stubRunner) LastReport() *task.RunReport           { return nil }

func setupTestRouter(t *testing.T, opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	return SetupRouter(
		controller.NewSyncController(stubRunner{}),
		controller.NewListingController(repository.NewListingRepository(db), "ML"),
		opts,
	)
}

func serve(r http.Handler, method, path, auth string) int {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRoutes(t *testing.T) {
	metrics.Register()
	r := setupTestRouter(t, Options{Cooldown: time.Minute})

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/healthz", ""))
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/metrics", ""))
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/api/v1/sync/status", ""))
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/api/v1/listings/TOYS", ""))

	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/api/v1/sync/TOYS", ""))
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodPost, "/api/v1/sync/TOYS", ""))
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/api/v1/sync/GHOST", ""))
	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/api/v1/sync", ""))
}

func TestRoutes_RequireOperatorToken(t *testing.T) {
	const secret = "router-secret"
	r := setupTestRouter(t, Options{JWTSecret: secret})

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/api/v1/sync", ""))
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/api/v1/sync/status", ""), "状态查询不需要令牌")

	token, err := middleware.GenerateOperatorToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/api/v1/sync", token))
}
