package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCredentialNotFound は該当する認証情報がないことを表します。
	ErrCredentialNotFound = errors.New("auth: credential not found")
	// ErrAmbiguousCredential は同じメールアドレスに複数の認証情報があることを表します。
	ErrAmbiguousCredential = errors.New("auth: ambiguous credential")
)

// Credential は認証に使うユーザーの行です。読み取り専用で扱います。
type Credential struct {
	UserID       int64
	Email        string
	PasswordHash []byte
}

// String はログ向けの表現を返します。パスワードハッシュは出力しません。
func (c Credential) String() string {
	return fmt.Sprintf("Credential{UserID:%d, Email:%s, PasswordHash:[REDACTED]}", c.UserID, c.Email)
}

// GoString は %#v 用の表現を返します。
func (c Credential) GoString() string {
	return c.String()
}

// MarshalLog は logr.Marshaler を実装します。
func (c Credential) MarshalLog() interface{} {
	return map[string]interface{}{
		"userId":       c.UserID,
		"email":        c.Email,
		"passwordHash": "[REDACTED]",
	}
}

// CredentialRepository はメールアドレスから認証情報を検索します。
// 0件なら ErrCredentialNotFound、複数件なら ErrAmbiguousCredential を返します。
type CredentialRepository interface {
	FindByEmail(ctx context.Context, email string) (*Credential, error)
}

// MemoryRepository は設定ファイルなどから渡された固定の認証情報を保持します。
// 開発用の単一アカウントやテストで使います。
type MemoryRepository struct {
	credentials []Credential
}

// NewMemoryRepository は MemoryRepository を作成します。
func NewMemoryRepository(credentials ...Credential) *MemoryRepository {
	copied := make([]Credential, len(credentials))
	copy(copied, credentials)
	return &MemoryRepository{credentials: copied}
}

// FindByEmail はメールアドレスが一致する認証情報を返します。
func (r *MemoryRepository) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found *Credential
	for i := range r.credentials {
		if normalizeEmail(r.credentials[i].Email) != email {
			continue
		}
		if found != nil {
			return nil, ErrAmbiguousCredential
		}
		c := r.credentials[i]
		found = &c
	}
	if found == nil {
		return nil, ErrCredentialNotFound
	}
	return found, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
