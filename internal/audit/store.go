package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix = "audit:user:"
	anonymousKey  = "audit:anonymous"
)

// Store は監査イベントを Redis に保存します。
type Store struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	maxEvents int
}

// NewStore は Store を作成します。
func NewStore(rdb redis.UniversalClient, ttl time.Duration, maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = 50
	}
	return &Store{
		rdb:       rdb,
		ttl:       ttl,
		maxEvents: maxEvents,
	}
}

// Append はイベントを先頭に追加し、古いものを切り詰めます。
func (s *Store) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	key := eventKey(event.UserID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(s.maxEvents-1))
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// Recent はユーザーの新しい順のイベントを最大 limit 件返します。
func (s *Store) Recent(ctx context.Context, userID int64, limit int) ([]Event, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("userID is required")
	}
	if limit <= 0 || limit > s.maxEvents {
		limit = s.maxEvents
	}

	items, err := s.rdb.LRange(ctx, eventKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(items))
	for _, item := range items {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func eventKey(userID int64) string {
	if userID <= 0 {
		return anonymousKey
	}
	return userKeyPrefix + strconv.FormatInt(userID, 10)
}
