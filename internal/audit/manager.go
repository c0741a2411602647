package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/hibiken/asynq"
)

const (
	taskTypeRecord = "audit:record"
	queueName      = "audit"
)

// Manager は監査イベントのキュー投入とワーカーを担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	log    logr.Logger
}

// NewManager は Manager を初期化します。redisURL は Asynq が使う Redis の接続URLです。
func NewManager(redisURL string, store *Store, log logr.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: asynqLogger{log: log.WithName("asynq")},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		log:    log,
	}
	mux.HandleFunc(taskTypeRecord, manager.handleRecordTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.log.Error(err, "asynq server stopped with error")
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Record はイベントをキューに投入します。
// 監査ログの失敗でリクエストを失敗させないため、エラーはログに残すだけにします。
func (m *Manager) Record(ctx context.Context, event Event) {
	if _, err := m.Enqueue(ctx, event); err != nil {
		m.log.Error(err, "failed to enqueue audit event", "kind", event.Kind, "userId", event.UserID)
	}
}

// Enqueue はイベントをキューに投入し、タスクIDを返します。
func (m *Manager) Enqueue(ctx context.Context, event Event) (string, error) {
	if event.Kind == "" {
		return "", fmt.Errorf("event.Kind is required")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeRecord, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Recent はユーザーの最近のイベントを返します。
func (m *Manager) Recent(ctx context.Context, userID int64, limit int) ([]Event, error) {
	return m.store.Recent(ctx, userID, limit)
}

func (m *Manager) handleRecordTask(ctx context.Context, task *asynq.Task) error {
	var event Event
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		// 壊れたペイロードは再試行しても直らない
		return fmt.Errorf("invalid audit payload: %v: %w", err, asynq.SkipRetry)
	}
	if event.Kind == "" {
		return fmt.Errorf("missing kind in payload: %w", asynq.SkipRetry)
	}
	return m.store.Append(ctx, &event)
}

// asynqLogger は asynq.Logger を logr で実装します。
type asynqLogger struct {
	log logr.Logger
}

func (l asynqLogger) Debug(args ...interface{}) {
	l.log.V(1).Info(fmt.Sprint(args...))
}

func (l asynqLogger) Info(args ...interface{}) {
	l.log.Info(fmt.Sprint(args...))
}

func (l asynqLogger) Warn(args ...interface{}) {
	l.log.Info(fmt.Sprint(args...), "level", "warn")
}

func (l asynqLogger) Error(args ...interface{}) {
	l.log.Error(nil, fmt.Sprint(args...))
}

func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Error(nil, fmt.Sprint(args...), "level", "fatal")
	os.Exit(1)
}
