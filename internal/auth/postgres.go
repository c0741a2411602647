package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LIMIT 2 で複数件の存在だけを検出する
const findByEmailSQL = `SELECT id, email, password_hash FROM users
	WHERE lower(email) = $1
	LIMIT 2`

// Querier は pgxpool.Pool と pgx.Conn が満たすクエリ実行インターフェースです。
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository は users テーブルから認証情報を検索します。
type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository は PostgresRepository を作成します。
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres は接続プールを作成し、疎通を確認します。
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

// FindByEmail はメールアドレスで認証情報を1件検索します。
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	rows, err := r.db.Query(ctx, findByEmailSQL, email)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	credentials, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Credential, error) {
		var c Credential
		err := row.Scan(&c.UserID, &c.Email, &c.PasswordHash)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("error reading credential rows: %w", err)
	}

	switch len(credentials) {
	case 0:
		return nil, ErrCredentialNotFound
	case 1:
		return &credentials[0], nil
	default:
		return nil, ErrAmbiguousCredential
	}
}
