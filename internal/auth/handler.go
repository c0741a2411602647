// Package auth は認証・認可機能を提供します。
//
// - ログイン処理（パスワード検証、ログイン試行回数の制限）
// - ログアウト処理（Cookie の削除指示）
// - セッションCookieの発行（Secure, HttpOnly, SameSite）
// - CSRFトークンの検証（ダブルサブミット方式）
package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/yourusername/bookshelf/internal/audit"
	"github.com/yourusername/bookshelf/internal/metrics"
	"github.com/yourusername/bookshelf/internal/session"
)

const (
	// ContextUserKey は、ハンドラー間でログイン済みユーザーIDを共有するためのキーです。
	ContextUserKey = "auth.user"
	// ContextSessionKey は検証済みセッションを共有するためのキーです。
	ContextSessionKey = "auth.session"

	defaultCSRFHeader = "X-CSRF-Token"
)

// Authenticator はメールアドレスとパスワードを検証します。Service が実装します。
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (int64, error)
}

// AuditRecorder は監査イベントを記録します。audit.Manager が実装します。
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Event) {}

// CookieOptions はセッションCookieの属性です。
type CookieOptions struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// Options は Handler の設定です。
type Options struct {
	Cookie     CookieOptions
	CSRFHeader string
	Limiter    Limiter
	Audit      AuditRecorder
	Logger     logr.Logger
}

// Handler は認証まわりの HTTP ハンドラーとミドルウェアをまとめた構造体です。
type Handler struct {
	auth       Authenticator
	sessions   *session.Manager
	limiter    Limiter
	audit      AuditRecorder
	cookie     CookieOptions
	csrfHeader string
	log        logr.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(authenticator Authenticator, sessions *session.Manager, opts Options) (*Handler, error) {
	if authenticator == nil {
		return nil, errors.New("authenticator is nil")
	}
	if sessions == nil {
		return nil, errors.New("session manager is nil")
	}

	h := &Handler{
		auth:       authenticator,
		sessions:   sessions,
		limiter:    opts.Limiter,
		audit:      opts.Audit,
		cookie:     opts.Cookie,
		csrfHeader: opts.CSRFHeader,
		log:        opts.Logger,
	}
	if h.limiter == nil {
		h.limiter = NewMemoryLimiter(DefaultLimiterConfig())
	}
	if h.audit == nil {
		h.audit = nopRecorder{}
	}
	if h.cookie.Path == "" {
		h.cookie.Path = "/"
	}
	if h.cookie.SameSite == 0 {
		h.cookie.SameSite = http.SameSiteStrictMode
	}
	if h.csrfHeader == "" {
		h.csrfHeader = defaultCSRFHeader
	}
	return h, nil
}

// CSRFHeader は CSRF トークンをやり取りするヘッダー名を返します。
func (h *Handler) CSRFHeader() string {
	return h.csrfHeader
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /auth/login のハンドラーです。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "email と password を JSON で送ってください",
		})
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()

	retryAfter, err := h.limiter.Check(ctx, ip)
	if err != nil {
		h.log.Error(err, "login limiter unavailable")
		respondUnavailable(c)
		return
	}
	if retryAfter > 0 {
		metrics.LoginsTotal.WithLabelValues(metrics.OutcomeLocked).Inc()
		h.record(c, audit.KindLoginLocked, 0, "")
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Round(time.Second)/time.Second), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	userID, err := h.auth.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			remaining, lerr := h.limiter.Failure(ctx, ip)
			if lerr != nil {
				h.log.Error(lerr, "failed to record login failure")
			}
			h.record(c, audit.KindLoginFailed, 0, "")
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":              "INVALID_CREDENTIALS",
				"message":           "メールアドレスまたはパスワードが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}
		respondUnavailable(c)
		return
	}

	if err := h.limiter.Reset(ctx, ip); err != nil {
		h.log.Error(err, "failed to reset login attempts")
	}

	issued, err := h.sessions.Issue(userID)
	if err != nil {
		h.log.Error(err, "failed to issue session", "userId", userID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_ISSUE_FAILED",
			"message": "セッションの発行に失敗しました",
		})
		return
	}

	h.setSessionCookie(c, issued.Cookie, int(h.sessions.Lifetime()/time.Second))
	h.record(c, audit.KindLoginSucceeded, userID, issued.Session.ID)
	h.log.V(1).Info("session issued", "session", issued.Session)

	c.Header(h.csrfHeader, issued.CSRFToken)
	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"csrfToken": issued.CSRFToken,
	})
}

// Logout は /auth/logout のハンドラーです。
// サーバー側に失効リストはないため、Cookie の削除をクライアントに指示するだけです。
func (h *Handler) Logout(c *gin.Context) {
	if s, ok := SessionFrom(c); ok {
		h.record(c, audit.KindLogout, s.UserID, s.ID)
	}
	h.clearSessionCookie(c)
	c.Status(http.StatusNoContent)
}

// Session は /auth/session のハンドラーです。
// CSRF トークンを失ったクライアントが再取得するために使います。
func (h *Handler) Session(c *gin.Context) {
	s, ok := SessionFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header(h.csrfHeader, s.CSRFToken)
	c.JSON(http.StatusOK, gin.H{
		"userId":    s.UserID,
		"sessionId": s.ID,
		"issuedAt":  s.IssuedAt,
	})
}

// setSessionCookie は Codec の出力をそのまま Cookie に設定します。
// gin の c.SetCookie は値を QueryEscape するため（パディングの = が %3D になる）使わない。
func (h *Handler) setSessionCookie(c *gin.Context, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    value,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   maxAge,
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: h.cookie.SameSite,
	})
}

func (h *Handler) clearSessionCookie(c *gin.Context) {
	cl := h.sessions.Logout()
	h.setSessionCookie(c, "", cl.MaxAge)
}

func (h *Handler) record(c *gin.Context, kind audit.Kind, userID int64, sessionID string) {
	event := audit.NewEvent(kind, userID)
	event.SessionID = sessionID
	event.IP = c.ClientIP()
	event.UserAgent = c.Request.UserAgent()
	h.audit.Record(c.Request.Context(), event)
}

func respondUnavailable(c *gin.Context) {
	c.Header("Retry-After", "5")
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"code":    "SERVICE_UNAVAILABLE",
		"message": "一時的に認証できません。しばらくしてから再度お試しください",
	})
}
