// Package session はログインセッションの発行・暗号化Cookieへの符号化・
// CSRF トークン（ダブルサブミット方式）の検証を提供します。
//
// サーバー側にセッションストアは持たず、Cookie の値そのものが唯一の状態です。
// そのため Codec の改ざん検知がセッションの完全性をそのまま保証します。
//
// ログアウトはクライアントに Cookie の削除を指示するだけで、発行済みの Cookie を
// サーバー側で失効させる仕組みはありません。
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedSession は Cookie の復号・検証に失敗したことを表します。
	// 失敗の理由は呼び出し元に伝えません。
	ErrMalformedSession = errors.New("session: malformed session")

	// ErrCSRFMismatch は状態を変更するリクエストで CSRF トークンが一致しないことを表します。
	ErrCSRFMismatch = errors.New("session: csrf token mismatch")
)

// Session はログイン1回ごとに発行されるセッションです。発行後は変更しません。
type Session struct {
	ID        string
	UserID    int64
	CSRFToken string
	IssuedAt  time.Time
}

// String はログ向けの表現を返します。CSRF トークンは出力しません。
func (s Session) String() string {
	return fmt.Sprintf("Session{ID:%s, UserID:%d, CSRFToken:[REDACTED], IssuedAt:%s}",
		s.ID, s.UserID, s.IssuedAt.Format(time.RFC3339))
}

// GoString は %#v 用の表現を返します。
func (s Session) GoString() string {
	return s.String()
}

// MarshalLog は logr.Marshaler を実装します。
func (s Session) MarshalLog() interface{} {
	return map[string]interface{}{
		"id":        s.ID,
		"userId":    s.UserID,
		"csrfToken": "[REDACTED]",
		"issuedAt":  s.IssuedAt.Format(time.RFC3339),
	}
}

// State はリクエスト時点のセッション状態です。
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateExpired
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "anonymous"
	}
}
