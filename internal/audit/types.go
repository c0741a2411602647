package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind はイベントの種別を表します。
type Kind string

const (
	KindLoginSucceeded Kind = "login_succeeded"
	KindLoginFailed    Kind = "login_failed"
	KindLoginLocked    Kind = "login_locked"
	KindLogout         Kind = "logout"
	KindCSRFRejected   Kind = "csrf_rejected"
)

// Event は監査ログの1件です。
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	UserID    int64     `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent は ID と時刻を埋めたイベントを作成します。
func NewEvent(kind Kind, userID int64) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		UserID: userID,
		At:     time.Now().UTC(),
	}
}
