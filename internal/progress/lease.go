package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLease takes the cross-process rebuild lease for a shard. It returns
// false when another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, k tiles.ShardKey, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.leaseKey(k), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire rebuild lease for %s: %w", k, err)
	}
	return ok, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, k tiles.ShardKey, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(k)}, owner).Err(); err != nil {
		return fmt.Errorf("release rebuild lease for %s: %w", k, err)
	}
	return nil
}
