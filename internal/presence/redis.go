package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/redis/go-redis/v9"
)

// retention bounds how long an idle agent's record survives in Redis. Reads
// already report it offline long before that.
const retention = 7 * 24 * time.Hour

// RedisStore shares presence between server replicas. Each agent is a hash
// {status, last_seen}; a set indexes the known agents.
type RedisStore struct {
	rdb        redis.UniversalClient
	prefix     string
	staleAfter time.Duration
}

// NewRedisStore creates a store on rdb with keys under prefix
func NewRedisStore(rdb redis.UniversalClient, prefix string, staleAfter time.Duration) *RedisStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RedisStore{rdb: rdb, prefix: prefix, staleAfter: staleAfter}
}

func (s *RedisStore) agentKey(agentID string) string { return s.prefix + "presence:" + agentID }
func (s *RedisStore) indexKey() string               { return s.prefix + "presence:agents" }

func (s *RedisStore) SetStatus(ctx context.Context, agentID string, status models.PersonalStatus, at time.Time) (models.PersonalStatus, error) {
	prev := models.PersonalStatusOffline
	rec, ok, err := s.read(ctx, agentID)
	if err != nil {
		return prev, err
	}
	if ok {
		prev = Effective(rec, at, s.staleAfter).PersonalStatus
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.agentKey(agentID)
		pipe.HSet(ctx, key, "status", string(status), "last_seen", at.UTC().Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, retention)
		pipe.SAdd(ctx, s.indexKey(), agentID)
		return nil
	})
	if err != nil {
		return prev, fmt.Errorf("failed to store presence for %s: %w", agentID, err)
	}
	return prev, nil
}

func (s *RedisStore) Touch(ctx context.Context, agentID string, at time.Time) error {
	key := s.agentKey(agentID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "status", string(models.PersonalStatusOnline))
		pipe.HSet(ctx, key, "last_seen", at.UTC().Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, retention)
		pipe.SAdd(ctx, s.indexKey(), agentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to touch presence for %s: %w", agentID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, agentID string, now time.Time) (models.AgentPresence, bool, error) {
	rec, ok, err := s.read(ctx, agentID)
	if err != nil || !ok {
		return models.AgentPresence{}, false, err
	}
	return Effective(rec, now, s.staleAfter), true, nil
}

func (s *RedisStore) Roster(ctx context.Context, now time.Time) ([]models.AgentPresence, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.agentKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	out := make([]models.AgentPresence, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// expired; drop it from the index lazily
			s.rdb.SRem(ctx, s.indexKey(), id)
			continue
		}
		out = append(out, Effective(decode(id, fields), now, s.staleAfter))
	}
	sortRoster(out)
	return out, nil
}

func (s *RedisStore) read(ctx context.Context, agentID string) (models.AgentPresence, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.agentKey(agentID)).Result()
	if err != nil {
		return models.AgentPresence{}, false, fmt.Errorf("failed to read presence for %s: %w", agentID, err)
	}
	if len(fields) == 0 {
		return models.AgentPresence{}, false, nil
	}
	return decode(agentID, fields), true, nil
}

func decode(agentID string, fields map[string]string) models.AgentPresence {
	p := models.AgentPresence{
		AgentID:        agentID,
		PersonalStatus: models.PersonalStatus(fields["status"]),
	}
	if !p.PersonalStatus.Valid() {
		p.PersonalStatus = models.PersonalStatusOffline
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_seen"]); err == nil {
		p.LastSeenAt = ts
	}
	return p
}
