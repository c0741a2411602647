package auth

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/yourusername/bookshelf/internal/metrics"
)

var (
	// ErrInvalidCredentials はメールアドレスまたはパスワードが誤っていることを表します。
	// どちらが誤っているかは区別しません。
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrServiceUnavailable は認証情報の検索が一時的に失敗したことを表します。再試行できます。
	ErrServiceUnavailable = errors.New("auth: service unavailable")
)

const defaultLookupTimeout = 3 * time.Second

// PasswordVerifier はパスワード検証を行います。password.Hasher が実装します。
type PasswordVerifier interface {
	Verify(plaintext, stored string) bool
	VerifyDummy(plaintext string)
	NeedsRehash(stored string) bool
}

// Service はメールアドレスとパスワードでユーザーを認証します。
type Service struct {
	repo    CredentialRepository
	hasher  PasswordVerifier
	timeout time.Duration
	log     logr.Logger
}

// NewService は Service を作成します。timeout は認証情報検索の上限時間です。
func NewService(repo CredentialRepository, hasher PasswordVerifier, timeout time.Duration, log logr.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("auth: repository is nil")
	}
	if hasher == nil {
		return nil, errors.New("auth: hasher is nil")
	}
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Service{
		repo:    repo,
		hasher:  hasher,
		timeout: timeout,
		log:     log,
	}, nil
}

// Authenticate は認証に成功したユーザーIDを返します。
//
// 未登録のメールアドレスと誤ったパスワードはどちらも ErrInvalidCredentials になり、
// 未登録の場合もダミーの検証を行って処理時間を揃えます。
// 検索の失敗（タイムアウトやキャンセルを含む）は ErrServiceUnavailable になります。
func (s *Service) Authenticate(ctx context.Context, email, plaintext string) (userID int64, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveLogin(outcomeOf(err), time.Since(start))
	}()

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.repo.FindByEmail(lookupCtx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) || errors.Is(err, ErrAmbiguousCredential) {
			if errors.Is(err, ErrAmbiguousCredential) {
				s.log.Info("credential lookup returned multiple rows")
			}
			s.hasher.VerifyDummy(plaintext)
			return 0, ErrInvalidCredentials
		}
		s.log.Error(err, "credential lookup failed")
		return 0, ErrServiceUnavailable
	}

	stored := string(cred.PasswordHash)
	if !s.hasher.Verify(plaintext, stored) {
		return 0, ErrInvalidCredentials
	}
	if cred.UserID <= 0 {
		s.log.Info("credential has invalid user id", "credential", cred)
		return 0, ErrInvalidCredentials
	}

	if s.hasher.NeedsRehash(stored) {
		metrics.PasswordRehashNeeded.Inc()
		s.log.Info("password hash uses outdated parameters", "userId", cred.UserID)
	}
	return cred.UserID, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrInvalidCredentials):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeUnavailable
	}
}
