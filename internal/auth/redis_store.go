package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix         = "session:"
	accountSessionsPrefix = "account:sessions:"
)

// RedisStore keeps each session in a hash keyed by jti plus a per-account set
// of jtis, both expiring with the refresh token.
type RedisStore struct {
	cache *redis.Client
	ttl   time.Duration
}

// NewRedisStore builds a SessionStore on top of cache. ttl bounds the
// lifetime of the per-account index.
func NewRedisStore(cache *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: cache, ttl: ttl}
}

func (r *RedisStore) Add(ctx context.Context, s Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = r.ttl
	}
	_, err := r.cache.TxPipelined(ctx, func(p redis.Pipeliner) error {
		key := sessionPrefix + s.ID
		p.HSet(ctx, key,
			"account_id", s.AccountID,
			"token_hash", s.TokenHash,
			"expires_at", strconv.FormatInt(s.ExpiresAt.Unix(), 10),
		)
		p.Expire(ctx, key, ttl)
		p.SAdd(ctx, accountSessionsPrefix+s.AccountID, s.ID)
		p.Expire(ctx, accountSessionsPrefix+s.AccountID, r.ttl)
		return nil
	})
	return err
}

func (r *RedisStore) Find(ctx context.Context, id string) (Session, error) {
	fields, err := r.cache.HGetAll(ctx, sessionPrefix+id).Result()
	if err != nil {
		return Session{}, err
	}
	if len(fields) == 0 {
		return Session{}, ErrSessionNotFound
	}
	s := Session{ID: id, AccountID: fields["account_id"], TokenHash: fields["token_hash"]}
	if unix, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		s.ExpiresAt = time.Unix(unix, 0).UTC()
	}
	return s, nil
}

func (r *RedisStore) Remove(ctx context.Context, s Session) (bool, error) {
	var del *redis.IntCmd
	_, err := r.cache.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, sessionPrefix+s.ID)
		p.SRem(ctx, accountSessionsPrefix+s.AccountID, s.ID)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (r *RedisStore) RemoveAll(ctx context.Context, accountID string) error {
	setKey := accountSessionsPrefix + accountID
	ids, err := r.cache.SMembers(ctx, setKey).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionPrefix+id)
	}
	keys = append(keys, setKey)
	return r.cache.Del(ctx, keys...).Err()
}
