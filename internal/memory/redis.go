package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const episodicKeyPrefix = "fiscus:episodic:"

// RedisEpisodic stores investigation histories as Redis lists so worker
// processes share one view. The key TTL is set when the list is created,
// which pins the expiry to the first write.
type RedisEpisodic struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEpisodic(client *redis.Client, ttl time.Duration) *RedisEpisodic {
	return &RedisEpisodic{client: client, ttl: ttl}
}

var _ Episodic = (*RedisEpisodic)(nil)

func (s *RedisEpisodic) Append(ctx context.Context, investigationID string, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal episodic record: %w", err)
	}
	key := episodicKeyPrefix + investigationID
	length, err := s.client.RPush(ctx, key, payload).Result()
	if err != nil {
		return fmt.Errorf("append episodic record: %w", err)
	}
	if length == 1 && s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("set episodic ttl: %w", err)
		}
	}
	return nil
}

func (s *RedisEpisodic) History(ctx context.Context, investigationID string) ([]Record, error) {
	vals, err := s.client.LRange(ctx, episodicKeyPrefix+investigationID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load episodic history: %w", err)
	}
	records := make([]Record, 0, len(vals))
	for _, v := range vals {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode episodic record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
