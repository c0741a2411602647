package session

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/yourusername/bookshelf/internal/token"
)

// 発行時刻がこれ以上未来を指す Cookie は信用しない
const clockSkew = time.Minute

// TokenSource はセッションIDと CSRF トークンを生成します。
type TokenSource interface {
	SessionID() (string, error)
	CSRFToken() (string, error)
}

// Issued はログイン成功時に発行されたセッションです。
type Issued struct {
	Session   *Session
	Cookie    string // Cookie にそのまま設定する値
	CSRFToken string // レスポンスでクライアントに返すトークン
}

// Clear はログアウト時に呼び出し元が行うべき Cookie 操作を表します。
type Clear struct {
	CookieName string
	MaxAge     int // 常に -1（即時削除）
}

// Manager はセッションの発行と、リクエストごとの検証を担います。
type Manager struct {
	codec    *Codec
	tokens   TokenSource
	lifetime time.Duration
	now      func() time.Time
}

// NewManager は Manager を作成します。lifetime はセッションの絶対的な有効期限です。
func NewManager(codec *Codec, tokens TokenSource, lifetime time.Duration) (*Manager, error) {
	if codec == nil {
		return nil, errors.New("session: codec is nil")
	}
	if tokens == nil {
		tokens = token.NewGenerator()
	}
	if lifetime <= 0 {
		return nil, errors.New("session: lifetime must be positive")
	}
	return &Manager{
		codec:    codec,
		tokens:   tokens,
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// Lifetime はセッションの有効期限を返します。
func (m *Manager) Lifetime() time.Duration {
	return m.lifetime
}

// CookieName は Codec に設定された Cookie 名を返します。
func (m *Manager) CookieName() string {
	return m.codec.name
}

// Issue は認証済みユーザーに新しいセッションを発行します。
// 既存のセッションを更新することはなく、ログインのたびに新しいトークンを作ります。
func (m *Manager) Issue(userID int64) (*Issued, error) {
	if userID <= 0 {
		return nil, errors.New("session: user id must be positive")
	}
	id, err := m.tokens.SessionID()
	if err != nil {
		return nil, err
	}
	csrfToken, err := m.tokens.CSRFToken()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        id,
		UserID:    userID,
		CSRFToken: csrfToken,
		IssuedAt:  m.now().UTC().Truncate(time.Second),
	}
	cookie, err := m.codec.Encode(s)
	if err != nil {
		return nil, err
	}
	return &Issued{Session: s, Cookie: cookie, CSRFToken: csrfToken}, nil
}

// Resolve は Cookie 値からセッションを復元します。
// 復号に失敗した Cookie は未ログインとして扱い、部分的にも信用しません。
func (m *Manager) Resolve(cookie string) (*Session, State) {
	if cookie == "" {
		return nil, StateAnonymous
	}
	s, err := m.codec.Decode(cookie)
	if err != nil {
		return nil, StateAnonymous
	}

	now := m.now()
	if s.IssuedAt.After(now.Add(clockSkew)) {
		return nil, StateAnonymous
	}
	if now.Sub(s.IssuedAt) > m.lifetime {
		return nil, StateExpired
	}
	return s, StateAuthenticated
}

// ValidateCSRF はセッションのトークンと送られたトークンを定数時間で比較します。
func (m *Manager) ValidateCSRF(s *Session, supplied string) bool {
	if s == nil || s.CSRFToken == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.CSRFToken), []byte(supplied)) == 1
}

// Authorize はリクエストメソッドに応じて CSRF トークンを検証します。
// 安全なメソッドは Cookie だけで許可し、それ以外はトークンの一致が必要です。
func (m *Manager) Authorize(s *Session, method, supplied string) error {
	if IsSafeMethod(method) {
		return nil
	}
	if !m.ValidateCSRF(s, supplied) {
		return ErrCSRFMismatch
	}
	return nil
}

// Logout は Cookie の削除指示を返します。
// 発行済みの Cookie はクライアントが破棄するまで暗号学的には有効なままです。
func (m *Manager) Logout() Clear {
	return Clear{CookieName: m.codec.name, MaxAge: -1}
}

// IsSafeMethod は状態を変更しない HTTP メソッドかどうかを返します。
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
