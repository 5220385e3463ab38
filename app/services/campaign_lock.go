package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCampaignLocker holds one SET NX key per campaign so only one instance dispatches it
type RedisCampaignLocker struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
}

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// NewRedisCampaignLocker creates a locker whose keys expire after ttl unless refreshed
func NewRedisCampaignLocker(rc *redis.Client, prefix string, ttl time.Duration) *RedisCampaignLocker {
	return &RedisCampaignLocker{rc: rc, prefix: prefix, ttl: ttl}
}

func (l *RedisCampaignLocker) key(campaignID uint) string {
	return fmt.Sprintf("%scampaigns:%d:lock", l.prefix, campaignID)
}

// Acquire takes the lock when nobody holds it; re-acquiring by the same owner succeeds
func (l *RedisCampaignLocker) Acquire(ctx context.Context, campaignID uint, owner string) (bool, error) {
	key := l.key(campaignID)
	ok, err := l.rc.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	return l.Refresh(ctx, campaignID, owner)
}

// Refresh extends the TTL if owner still holds the lock
func (l *RedisCampaignLocker) Refresh(ctx context.Context, campaignID uint, owner string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rc, []string{l.key(campaignID)}, owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh campaign lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if owner holds it
func (l *RedisCampaignLocker) Release(ctx context.Context, campaignID uint, owner string) error {
	if err := releaseScript.Run(ctx, l.rc, []string{l.key(campaignID)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release campaign lock: %w", err)
	}
	return nil
}

// MemoryCampaignLocker is the single-instance locker used when redis is disabled
type MemoryCampaignLocker struct {
	mu    sync.Mutex
	owner map[uint]string
}

// NewMemoryCampaignLocker creates an empty in-process locker
func NewMemoryCampaignLocker() *MemoryCampaignLocker {
	return &MemoryCampaignLocker{owner: make(map[uint]string)}
}

func (l *MemoryCampaignLocker) Acquire(_ context.Context, campaignID uint, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.owner[campaignID]; ok && held != owner {
		return false, nil
	}
	l.owner[campaignID] = owner
	return true, nil
}

func (l *MemoryCampaignLocker) Refresh(_ context.Context, campaignID uint, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner[campaignID] == owner, nil
}

func (l *MemoryCampaignLocker) Release(_ context.Context, campaignID uint, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[campaignID] == owner {
		delete(l.owner, campaignID)
	}
	return nil
}
