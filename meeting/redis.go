package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on Redis. Every operation is single-key; no
// transaction spans keys or meetings.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(meetingID, field string) string {
	return fmt.Sprintf("meetings:%s:%s", meetingID, field)
}

func (s *RedisStore) StartMeeting(ctx context.Context, meetingID string, now time.Time) error {
	if err := s.client.Set(ctx, key(meetingID, "active"), "true", ActiveTTL).Err(); err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if err := s.client.Set(ctx, key(meetingID, "started_at"), now.UTC().Format(time.RFC3339), ActiveTTL).Err(); err != nil {
		return fmt.Errorf("set started_at: %w", err)
	}
	return nil
}

func (s *RedisStore) EndMeeting(ctx context.Context, meetingID string) error {
	keys := []string{
		key(meetingID, "active"),
		key(meetingID, "started_at"),
		key(meetingID, "rest_flag"),
		key(meetingID, "rest_started_at"),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete meeting keys: %w", err)
	}
	return nil
}

// getOrEmpty maps a missing key to the empty string; only transport-level
// failures are returned as errors.
func (s *RedisStore) getOrEmpty(ctx context.Context, k string) (string, error) {
	val, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Status(ctx context.Context, meetingID string) (Status, error) {
	status := Status{MeetingID: meetingID}

	active, err := s.getOrEmpty(ctx, key(meetingID, "active"))
	if err != nil {
		return status, fmt.Errorf("get active: %w", err)
	}
	restFlag, err := s.getOrEmpty(ctx, key(meetingID, "rest_flag"))
	if err != nil {
		return status, fmt.Errorf("get rest_flag: %w", err)
	}
	startedAt, err := s.getOrEmpty(ctx, key(meetingID, "started_at"))
	if err != nil {
		return status, fmt.Errorf("get started_at: %w", err)
	}
	restStartedAt, err := s.getOrEmpty(ctx, key(meetingID, "rest_started_at"))
	if err != nil {
		return status, fmt.Errorf("get rest_started_at: %w", err)
	}

	status.Active = active == "true"
	status.RestFlag = restFlag == "true"
	status.StartedAt = startedAt
	status.RestStartedAt = restStartedAt
	return status, nil
}

func (s *RedisStore) SetRestFlag(ctx context.Context, meetingID string, now time.Time) error {
	if err := s.client.Set(ctx, key(meetingID, "rest_flag"), "true", RestFlagTTL).Err(); err != nil {
		return fmt.Errorf("set rest_flag: %w", err)
	}
	if err := s.client.Set(ctx, key(meetingID, "rest_started_at"), now.UTC().Format(time.RFC3339), RestFlagTTL).Err(); err != nil {
		return fmt.Errorf("set rest_started_at: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrementRestRequests(ctx context.Context, meetingID string, now time.Time) (int64, error) {
	counterKey := key(meetingID, "rest_requests")
	count, err := s.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("increment rest_requests: %w", err)
	}

	// Arm the window only on the first request; later increments must not
	// extend it.
	if count == 1 {
		if err := s.client.Expire(ctx, counterKey, RestRequestTTL).Err(); err != nil {
			return count, fmt.Errorf("arm rest_requests window: %w", err)
		}
	}

	if err := s.client.Set(ctx, key(meetingID, "rest_request_last"), now.UTC().Format(time.RFC3339), RestRequestTTL).Err(); err != nil {
		return count, fmt.Errorf("set rest_request_last: %w", err)
	}
	return count, nil
}

func (s *RedisStore) RestRequests(ctx context.Context, meetingID string) (RestRequests, error) {
	result := RestRequests{MeetingID: meetingID}

	count, err := s.client.Get(ctx, key(meetingID, "rest_requests")).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return result, fmt.Errorf("get rest_requests: %w", err)
	}
	last, err := s.getOrEmpty(ctx, key(meetingID, "rest_request_last"))
	if err != nil {
		return result, fmt.Errorf("get rest_request_last: %w", err)
	}

	result.RequestCount = count
	result.LastRequestAt = last
	return result, nil
}

func (s *RedisStore) SetPageInfo(ctx context.Context, meetingID string, info PageInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal page info: %w", err)
	}
	if err := s.client.Set(ctx, key(meetingID, "page_info"), data, PageInfoTTL).Err(); err != nil {
		return fmt.Errorf("set page_info: %w", err)
	}
	return nil
}

func (s *RedisStore) PageInfo(ctx context.Context, meetingID string) (*PageInfo, error) {
	data, err := s.client.Get(ctx, key(meetingID, "page_info")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get page_info: %w", err)
	}

	var info PageInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("unmarshal page info: %w", err)
	}
	return &info, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
