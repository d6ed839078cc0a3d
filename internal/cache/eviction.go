package cache

import (
	"container/heap"
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// entryRef 是淘汰候选：按最近访问时间排序，相同时先淘汰较小的条目。
type entryRef struct {
	key      string
	region   string
	accessed time.Time
	size     int64
}

type entryHeap []entryRef

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.accessed.Equal(b.accessed) {
		return a.accessed.Before(b.accessed)
	}
	if a.size != b.size {
		return a.size < b.size
	}
	if a.region != b.region {
		return a.region < b.region
	}
	return a.key < b.key
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entryRef)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ShrinkToSize 淘汰最久未访问的条目，直到缓存（region 为空时为全部 region）不超过 target 字节。
// 维护锁被占用时立即返回 (-1, ErrMaintenanceBusy)。返回值为收缩后的大小。
func (c *Cache) ShrinkToSize(ctx context.Context, target int64, region string) (int64, error) {
	if c.closed.Load() {
		return -1, ErrClosed
	}
	if err := validateRegion(region); err != nil {
		return -1, err
	}
	lock, err := c.sem.tryAcquire()
	if err != nil {
		c.metrics.observeMaintenance("shrink", err)
		return -1, err
	}

	logger := c.logger.WithFields(logrus.Fields{
		"action": "shrink",
		"run_id": uuid.NewString(),
		"region": region,
		"target": target,
	})
	result, removed, evicted, err := c.shrinkLocked(ctx, target, region)
	lock.release()
	c.metrics.observeMaintenance("shrink", err)
	if err != nil {
		logger.WithError(err).Warn("shrink aborted")
		return result, err
	}

	logger.WithFields(logrus.Fields{
		"size":          result,
		"removed_bytes": removed,
		"removed_items": evicted,
	}).Info("shrink completed")
	c.events.fireResized(SizeEvent{CurrentSize: result, MaxSize: c.opts.MaxCacheSize})
	return result, nil
}

func (c *Cache) shrinkLocked(ctx context.Context, target int64, region string) (int64, int64, int, error) {
	var (
		current int64
		err     error
	)
	if region == "" {
		current, err = c.size.Current(ctx)
	} else {
		current, err = c.walkSize(ctx, region)
	}
	if err != nil {
		return -1, 0, 0, err
	}
	if current <= target {
		return current, 0, 0, nil
	}

	h, err := c.collectEntries(ctx, region)
	if err != nil {
		return -1, 0, 0, err
	}

	need := current - target
	var removed int64
	evicted := 0
	for h.Len() > 0 && removed < need {
		if err := ctx.Err(); err != nil {
			return current - removed, removed, evicted, err
		}
		ref := heap.Pop(h).(entryRef)
		freed, err := c.evict(ctx, ref)
		if err != nil {
			c.logger.WithFields(logrus.Fields{"action": "shrink", "key": ref.key, "region": ref.region}).
				WithError(err).Warn("evict entry failed")
			continue
		}
		removed += freed
		evicted++
	}
	c.metrics.evictions.Add(float64(evicted))

	result := current - removed
	if result < 0 {
		result = 0
	}
	return result, removed, evicted, nil
}

func (c *Cache) evict(ctx context.Context, ref entryRef) (int64, error) {
	unlock := c.lockEntry(c.strategy.LockKey(ref.key, ref.region))
	defer unlock()
	loc, err := c.strategy.Locate(ctx, ref.key, ref.region)
	if err != nil {
		return 0, err
	}
	return c.removeLocked(ctx, ref.region, loc)
}

// collectEntries 为范围内的每个条目记录访问时间与大小，构建淘汰用的最小堆。
func (c *Cache) collectEntries(ctx context.Context, region string) (*entryHeap, error) {
	h := &entryHeap{}
	for _, r := range c.scopeRegions(region) {
		for key := range c.strategy.Keys(ctx, r) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			loc, err := c.strategy.Locate(ctx, key, r)
			if err != nil {
				return nil, err
			}
			ref := entryRef{key: key, region: r}
			if info, err := os.Stat(loc.DataPath); err == nil {
				ref.accessed = accessTime(info)
				ref.size += info.Size()
			} else if info, err := os.Stat(loc.PolicyPath); err == nil {
				ref.accessed = accessTime(info)
			} else {
				continue
			}
			ref.size += fileSize(loc.PolicyPath)
			*h = append(*h, ref)
		}
	}
	heap.Init(h)
	return h, nil
}

// scopeRegions 展开维护范围：空 region 代表所有 region。
func (c *Cache) scopeRegions(region string) []string {
	if region != "" {
		return []string{region}
	}
	var regions []string
	for r := range c.strategy.Regions() {
		if validateRegion(r) == nil {
			regions = append(regions, r)
		}
	}
	return regions
}
