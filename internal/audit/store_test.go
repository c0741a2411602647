package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxEvents int) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Hour, maxEvents), mr
}

func TestStoreAppendAndRecent(t *testing.T) {
	store, mr := newTestStore(t, 3)
	ctx := context.Background()

	for _, kind := range []Kind{KindLoginSucceeded, KindCSRFRejected, KindLogout, KindLoginSucceeded} {
		ev := NewEvent(kind, 7)
		require.NoError(t, store.Append(ctx, &ev))
	}

	events, err := store.Recent(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, KindLoginSucceeded, events[0].Kind)
	require.Equal(t, KindLogout, events[1].Kind)
	require.Equal(t, KindCSRFRejected, events[2].Kind)

	require.True(t, mr.Exists("audit:user:7"))
	require.Equal(t, time.Hour, mr.TTL("audit:user:7"))
}

func TestStoreKeepsAnonymousEventsSeparate(t *testing.T) {
	store, mr := newTestStore(t, 10)
	ctx := context.Background()

	ev := NewEvent(KindLoginFailed, 0)
	ev.IP = "192.0.2.1"
	require.NoError(t, store.Append(ctx, &ev))

	require.True(t, mr.Exists("audit:anonymous"))
	_, err := store.Recent(ctx, 0, 10)
	require.Error(t, err)
}

func TestStoreRecentLimit(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev := NewEvent(KindLoginSucceeded, 3)
		require.NoError(t, store.Append(ctx, &ev))
	}

	events, err := store.Recent(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = store.Recent(ctx, 4, 2)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStoreAppendNil(t *testing.T) {
	store, _ := newTestStore(t, 10)
	require.Error(t, store.Append(context.Background(), nil))
}

func TestHandleRecordTask(t *testing.T) {
	store, mr := newTestStore(t, 10)
	m, err := NewManager("redis://"+mr.Addr(), store, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ev := NewEvent(KindLogout, 9)
	ev.SessionID = "sid"
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, m.handleRecordTask(context.Background(), asynq.NewTask(taskTypeRecord, body)))

	events, err := m.Recent(context.Background(), 9, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ev.ID, events[0].ID)
	require.Equal(t, "sid", events[0].SessionID)
}

func TestHandleRecordTaskSkipsRetryOnBadPayload(t *testing.T) {
	store, mr := newTestStore(t, 10)
	m, err := NewManager("redis://"+mr.Addr(), store, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	err = m.handleRecordTask(context.Background(), asynq.NewTask(taskTypeRecord, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	err = m.handleRecordTask(context.Background(), asynq.NewTask(taskTypeRecord, []byte(`{"userId":1}`)))
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestEnqueueRequiresKind(t *testing.T) {
	store, mr := newTestStore(t, 10)
	m, err := NewManager("redis://"+mr.Addr(), store, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	_, err = m.Enqueue(context.Background(), Event{})
	require.Error(t, err)
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager("redis://localhost:6379", nil, logr.Discard())
	require.Error(t, err)

	store, _ := newTestStore(t, 10)
	_, err = NewManager("http://not-redis", store, logr.Discard())
	require.Error(t, err)
}
