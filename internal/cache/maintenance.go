package cache

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// CleanExpired 删除范围内所有已过期的条目并记录清理时间，返回释放的字节数。
// 维护锁被占用时返回 (0, ErrMaintenanceBusy)。
func (c *Cache) CleanExpired(ctx context.Context, region string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := validateRegion(region); err != nil {
		return 0, err
	}
	lock, err := c.sem.tryAcquire()
	if err != nil {
		c.metrics.observeMaintenance("clean", err)
		return 0, err
	}
	defer lock.release()

	logger := c.logger.WithFields(logrus.Fields{
		"action": "clean",
		"run_id": uuid.NewString(),
		"region": region,
	})
	started := c.now()
	var freed int64
	removed := 0
	for _, r := range c.scopeRegions(region) {
		// 先收集再删除：hashed 策略删除时会整理冲突链
		for _, key := range slices.Collect(c.strategy.Keys(ctx, r)) {
			if err := ctx.Err(); err != nil {
				c.metrics.observeMaintenance("clean", err)
				return freed, err
			}
			n, ok, err := c.cleanEntry(ctx, key, r)
			if err != nil {
				logger.WithField("key", key).WithError(err).Warn("clean entry failed")
				continue
			}
			if ok {
				freed += n
				removed++
			}
		}
	}

	if err := c.lastClean.writeTime(ctx, c.now()); err != nil {
		logger.WithError(err).Warn("record last clean time failed")
	}
	c.metrics.observeMaintenance("clean", nil)
	logger.WithFields(logrus.Fields{
		"removed_bytes": freed,
		"removed_items": removed,
		"elapsed_ms":    c.now().Sub(started).Milliseconds(),
	}).Info("clean completed")
	return freed, nil
}

func (c *Cache) cleanEntry(ctx context.Context, key, region string) (int64, bool, error) {
	unlock := c.lockEntry(c.strategy.LockKey(key, region))
	defer unlock()

	loc, err := c.strategy.Locate(ctx, key, region)
	if err != nil {
		return 0, false, err
	}
	policy, err := c.readPolicy(ctx, loc, key)
	if err != nil {
		if isHardError(err) {
			return 0, false, err
		}
		return 0, false, nil
	}
	if !c.expired(policy, c.now()) {
		return 0, false, nil
	}
	freed, err := c.removeLocked(ctx, region, loc)
	return freed, err == nil, err
}

// Flush 删除数据文件或元数据文件的访问时间早于 minAccess 的条目，以及没有元数据的残留数据文件，
// 最后通过完整遍历校准聚合大小。维护锁被占用时返回 ErrMaintenanceBusy。
func (c *Cache) Flush(ctx context.Context, minAccess time.Time, region string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := validateRegion(region); err != nil {
		return err
	}
	lock, err := c.sem.tryAcquire()
	if err != nil {
		c.metrics.observeMaintenance("flush", err)
		return err
	}
	defer lock.release()

	logger := c.logger.WithFields(logrus.Fields{
		"action":     "flush",
		"run_id":     uuid.NewString(),
		"region":     region,
		"min_access": minAccess.Format(time.RFC3339),
	})

	var errs error
	removed := 0
	for _, r := range c.scopeRegions(region) {
		for _, key := range slices.Collect(c.strategy.Keys(ctx, r)) {
			if err := ctx.Err(); err != nil {
				c.metrics.observeMaintenance("flush", err)
				return multierr.Append(errs, err)
			}
			ok, err := c.flushEntry(ctx, key, r, minAccess)
			errs = multierr.Append(errs, err)
			if ok {
				removed++
			}
		}
		errs = multierr.Append(errs, c.flushOrphans(r, minAccess))
		errs = multierr.Append(errs, c.flushOrphanPolicies(ctx, r, minAccess))
	}

	if _, err := c.size.Recompute(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	c.metrics.observeMaintenance("flush", errs)
	entry := logger.WithField("removed_items", removed)
	if errs != nil {
		entry.WithError(errs).Warn("flush completed with errors")
		return errs
	}
	entry.Info("flush completed")
	return nil
}

func (c *Cache) flushEntry(ctx context.Context, key, region string, minAccess time.Time) (bool, error) {
	unlock := c.lockEntry(c.strategy.LockKey(key, region))
	defer unlock()

	loc, err := c.strategy.Locate(ctx, key, region)
	if err != nil {
		return false, err
	}
	if !accessedBefore(loc.DataPath, minAccess) && !accessedBefore(loc.PolicyPath, minAccess) {
		return false, nil
	}
	_, err = c.removeLocked(ctx, region, loc)
	return err == nil, err
}

// flushOrphans 清理没有对应元数据的数据文件，这类文件对缓存不可见，只能靠 Flush 回收。
func (c *Cache) flushOrphans(region string, minAccess time.Time) error {
	dataDir, policyDir := c.layout.dataDir(region), c.layout.policyDir(region)
	var errs error
	for name := range orphanNames(dataDir, policyDir, dataExt, policyExt) {
		dataPath := filepath.Join(dataDir, name+dataExt)
		if !accessedBefore(dataPath, minAccess) {
			continue
		}
		c.size.begin()
		freed, err := removeFile(dataPath)
		c.size.commit(context.Background(), -freed)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// flushOrphanPolicies 清理数据文件已丢失的 policy。direct 策略按数据文件枚举 key，
// 这类 policy 不会经过 flushEntry，但仍被 Count 计入。
func (c *Cache) flushOrphanPolicies(ctx context.Context, region string, minAccess time.Time) error {
	dataDir, policyDir := c.layout.dataDir(region), c.layout.policyDir(region)
	var errs error
	for _, name := range slices.Collect(orphanNames(policyDir, dataDir, policyExt, dataExt)) {
		policyPath := filepath.Join(policyDir, name+policyExt)
		if !accessedBefore(policyPath, minAccess) {
			continue
		}
		key := name
		if data, err := c.files.readFile(ctx, policyPath); err == nil {
			if p, ok := decodePolicy(data); ok {
				key = p.Key
			}
		}
		errs = multierr.Append(errs, c.removeOrphanPolicy(ctx, key, region, policyPath))
	}
	return errs
}

func (c *Cache) removeOrphanPolicy(ctx context.Context, key, region, policyPath string) error {
	unlock := c.lockEntry(c.strategy.LockKey(key, region))
	defer unlock()

	loc, err := c.strategy.Locate(ctx, key, region)
	if err != nil {
		return err
	}
	// 只删除确实归属于该 key 且仍然没有数据文件的 policy
	if loc.PolicyPath != policyPath || fileExists(loc.DataPath) {
		return nil
	}
	_, err = c.removeLocked(ctx, region, loc)
	return err
}

// orphanNames 枚举 dir 中以 ext 结尾、在 otherDir 中没有对应 otherExt 文件的文件名（不含扩展名）。
func orphanNames(dir, otherDir, ext, otherExt string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for entry := range dirEntries(dir) {
			name := entry.Name()
			if !entry.Type().IsRegular() || !strings.HasSuffix(name, ext) {
				continue
			}
			base := strings.TrimSuffix(name, ext)
			if fileExists(filepath.Join(otherDir, base+otherExt)) {
				continue
			}
			if !yield(base) {
				return
			}
		}
	}
}

// CleanExpiredAsync 在后台执行 CleanExpired，错误只记录日志。
func (c *Cache) CleanExpiredAsync(region string) {
	c.goBackground("clean", func(ctx context.Context) error {
		_, err := c.CleanExpired(ctx, region)
		return err
	})
}

// FlushAsync 在后台执行 Flush，错误只记录日志。
func (c *Cache) FlushAsync(minAccess time.Time, region string) {
	c.goBackground("flush", func(ctx context.Context) error {
		return c.Flush(ctx, minAccess, region)
	})
}

// LastCleaned 返回最近一次 CleanExpired 完成的时间。
func (c *Cache) LastCleaned() (time.Time, bool) {
	return c.lastClean.readTime(context.Background())
}

func (c *Cache) shouldClean(ctx context.Context) bool {
	last, ok := c.lastClean.readTime(ctx)
	if !ok {
		return true
	}
	return c.now().Sub(last) >= c.opts.CleanInterval
}

func accessedBefore(path string, t time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return accessTime(info).Before(t)
}
