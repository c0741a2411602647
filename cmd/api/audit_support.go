package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/bookshelf/internal/audit"
	"github.com/yourusername/bookshelf/internal/auth"
	"github.com/yourusername/bookshelf/internal/config"
)

const defaultActivityLimit = 20

func setupAudit(cfg *config.Config, rdb redis.UniversalClient, logger logr.Logger) (*audit.Manager, error) {
	store := audit.NewStore(rdb, cfg.AuditRetention, cfg.AuditMaxEvents)
	return audit.NewManager(cfg.RedisURL, store, logger)
}

// activityHandler はログイン中のユーザーの最近の監査イベントを返します。
func activityHandler(manager *audit.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if manager == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "AUDIT_DISABLED",
				"message": "監査ログは有効になっていません。",
			})
			return
		}

		userID, ok := auth.UserIDFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}

		limit := defaultActivityLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "limit には正の整数を指定してください。",
				})
				return
			}
			limit = n
		}

		events, err := manager.Recent(c.Request.Context(), userID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "監査ログの取得に失敗しました。",
			})
			return
		}

		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{
			"userId": userID,
			"events": events,
		})
	}
}
