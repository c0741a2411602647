package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/bookshelf/internal/audit"
	"github.com/yourusername/bookshelf/internal/auth"
	"github.com/yourusername/bookshelf/internal/config"
)

func newActivityRouter(manager *audit.Manager, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/auth/activity", func(c *gin.Context) {
		if userID > 0 {
			c.Set(auth.ContextUserKey, userID)
		}
		c.Next()
	}, activityHandler(manager))
	return router
}

func newTestAudit(t *testing.T) *audit.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		RedisURL:       "redis://" + mr.Addr(),
		AuditRetention: time.Hour,
		AuditMaxEvents: 10,
	}
	manager, err := setupAudit(cfg, rdb, logr.Discard())
	if err != nil {
		t.Fatalf("setupAudit returned error: %v", err)
	}
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	store := audit.NewStore(rdb, time.Hour, 10)
	for _, kind := range []audit.Kind{audit.KindLoginSucceeded, audit.KindLogout} {
		ev := audit.NewEvent(kind, 42)
		if err := store.Append(context.Background(), &ev); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}
	return manager
}

func TestActivityHandler(t *testing.T) {
	router := newActivityRouter(newTestAudit(t), 42)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/activity?limit=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		UserID int64         `json:"userId"`
		Events []audit.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.UserID != 42 || len(body.Events) != 1 || body.Events[0].Kind != audit.KindLogout {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestActivityHandlerInvalidLimit(t *testing.T) {
	router := newActivityRouter(newTestAudit(t), 42)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/activity?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestActivityHandlerDisabled(t *testing.T) {
	router := newActivityRouter(nil, 42)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/activity", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestActivityHandlerRequiresUser(t *testing.T) {
	router := newActivityRouter(newTestAudit(t), 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/activity", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
