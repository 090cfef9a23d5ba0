package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thesis-rbk/Wassalha-sub003/models"
	"github.com/thesis-rbk/Wassalha-sub003/process"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Snapshot is the cached read model of GET /processes/:id.
type Snapshot struct {
	Process models.Process  `json:"process"`
	Payment *models.Payment `json:"payment,omitempty"`
}

// ProcessCache stores snapshots in Redis. The database stays the source of
// truth; every committed change rewrites or drops the cached entry.
type ProcessCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewProcessCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *ProcessCache {
	return &ProcessCache{rdb: rdb, ttl: ttl, logger: logger}
}

func processKey(id string) string {
	return fmt.Sprintf("process:%s", id)
}

func versionKey(id string) string {
	return fmt.Sprintf("process:%s:version", id)
}

// storeIfNewer writes the snapshot unless the cached version is newer, or,
// when ARGV[4] is "1", unless it is at least as new.
var storeIfNewer = redis.NewScript(`
local cached = tonumber(redis.call('GET', KEYS[2]) or '0')
local incoming = tonumber(ARGV[1])
if incoming < cached or (ARGV[4] == '1' and incoming == cached) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Get returns the cached snapshot; ok is false on a miss.
func (c *ProcessCache) Get(ctx context.Context, id string) (*Snapshot, bool, error) {
	data, err := c.rdb.Get(ctx, processKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached process %s: %w", id, err)
	}
	return &snap, true, nil
}

// Fill caches a snapshot read from the database unless one at least as
// fresh was written meanwhile.
func (c *ProcessCache) Fill(ctx context.Context, snap Snapshot) error {
	return c.store(ctx, snap, true)
}

// Set caches a committed snapshot unless a newer version is already cached.
func (c *ProcessCache) Set(ctx context.Context, snap Snapshot) error {
	return c.store(ctx, snap, false)
}

func (c *ProcessCache) store(ctx context.Context, snap Snapshot, fill bool) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	strict := "0"
	if fill {
		strict = "1"
	}
	id := snap.Process.ID
	return storeIfNewer.Run(ctx, c.rdb, []string{processKey(id), versionKey(id)},
		snap.Process.Version, data, c.ttl.Milliseconds(), strict).Err()
}

// Delete drops the snapshot. The version marker stays so that an older
// read cannot refill the entry.
func (c *ProcessCache) Delete(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, processKey(id)).Err()
}

// ProcessChanged keeps the cache in step with committed changes.
func (c *ProcessCache) ProcessChanged(ctx context.Context, change process.Change) {
	var err error
	if change.Payment != nil {
		err = c.Set(ctx, Snapshot{Process: change.Process, Payment: change.Payment})
	} else {
		err = c.Delete(ctx, change.Process.ID)
	}
	if err != nil {
		c.logger.Warn("Failed to refresh process cache",
			zap.String("process_id", change.Process.ID),
			zap.Error(err),
		)
	}
}
