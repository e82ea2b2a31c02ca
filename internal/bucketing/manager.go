package bucketing

import (
	"hash"
	"sync"
	"time"

	"risk-auth-service/internal/config"

	"github.com/spaolacci/murmur3"
)

const dateLayout = "2006-01-02"

// BucketingManager assigns stable murmur3 buckets to identities. Audit rows
// carry both buckets so ClickHouse consumers can shard per-identity streams
// without reading the identity itself.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

type BucketAssignment struct {
	UserBucket  int `json:"user_bucket"`
	EventBucket int `json:"event_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  max(cfg.Bucketing.UserBuckets, 1),
		eventBuckets: max(cfg.Bucketing.EventBuckets, 1),
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// UserBucket returns a bucket in [0, userBuckets).
func (bm *BucketingManager) UserBucket(identity string) int {
	return bm.getBucket(identity, bm.userBuckets)
}

// EventBucket returns a bucket in [0, eventBuckets).
func (bm *BucketingManager) EventBucket(identity string) int {
	return bm.getBucket(identity, bm.eventBuckets)
}

// DateBucket is the UTC day of t, used for daily audit indices.
func DateBucket(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func (bm *BucketingManager) Assign(identity string) BucketAssignment {
	return BucketAssignment{
		UserBucket:  bm.UserBucket(identity),
		EventBucket: bm.EventBucket(identity),
	}
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
