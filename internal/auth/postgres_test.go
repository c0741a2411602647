package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeRows は pgx.Rows をメモリ上の行で実装します。
type fakeRows struct {
	rows   [][]any
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = []byte(v.(string))
		default:
			return fmt.Errorf("unsupported destination %T", dest[i])
		}
	}
	return nil
}

type fakeQuerier struct {
	rows    *fakeRows
	err     error
	gotSQL  string
	gotArgs []any
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.gotSQL = sql
	q.gotArgs = args
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func TestPostgresRepositoryFindByEmail(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{rows: [][]any{{int64(42), "a@b.com", "$2a$04$hash"}}}}
	repo := NewPostgresRepository(q)

	cred, err := repo.FindByEmail(context.Background(), "a@b.com")
	require.NoError(t, err)
	require.Equal(t, int64(42), cred.UserID)
	require.Equal(t, "a@b.com", cred.Email)
	require.Equal(t, []byte("$2a$04$hash"), cred.PasswordHash)
	require.Equal(t, []any{"a@b.com"}, q.gotArgs)
	require.Contains(t, q.gotSQL, "LIMIT 2")
	require.True(t, q.rows.closed)
}

func TestPostgresRepositoryNotFound(t *testing.T) {
	repo := NewPostgresRepository(&fakeQuerier{rows: &fakeRows{}})
	_, err := repo.FindByEmail(context.Background(), "nobody@x.com")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestPostgresRepositoryAmbiguous(t *testing.T) {
	repo := NewPostgresRepository(&fakeQuerier{rows: &fakeRows{rows: [][]any{
		{int64(1), "dup@x.com", "h1"},
		{int64(2), "dup@x.com", "h2"},
	}}})
	_, err := repo.FindByEmail(context.Background(), "dup@x.com")
	require.ErrorIs(t, err, ErrAmbiguousCredential)
}

func TestPostgresRepositoryQueryError(t *testing.T) {
	queryErr := errors.New("connection refused")
	repo := NewPostgresRepository(&fakeQuerier{err: queryErr})
	_, err := repo.FindByEmail(context.Background(), "a@b.com")
	require.ErrorIs(t, err, queryErr)
	require.False(t, errors.Is(err, ErrCredentialNotFound))
}

func TestPostgresRepositoryRowsError(t *testing.T) {
	rowsErr := errors.New("unexpected EOF")
	repo := NewPostgresRepository(&fakeQuerier{rows: &fakeRows{err: rowsErr}})
	_, err := repo.FindByEmail(context.Background(), "a@b.com")
	require.ErrorIs(t, err, rowsErr)
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository(
		Credential{UserID: 1, Email: "One@Example.com", PasswordHash: []byte("h1")},
		Credential{UserID: 2, Email: "two@example.com", PasswordHash: []byte("h2")},
	)
	ctx := context.Background()

	cred, err := repo.FindByEmail(ctx, "one@example.com")
	require.NoError(t, err)
	require.Equal(t, int64(1), cred.UserID)

	// 返り値を書き換えても保持している値は変わらない
	cred.UserID = 99
	cred, _ = repo.FindByEmail(ctx, "one@example.com")
	require.Equal(t, int64(1), cred.UserID)

	_, err = repo.FindByEmail(ctx, "three@example.com")
	require.ErrorIs(t, err, ErrCredentialNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = repo.FindByEmail(cancelled, "one@example.com")
	require.ErrorIs(t, err, context.Canceled)
}
