package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Cache 是磁盘缓存引擎，同一目录可被多个 Cache 实例（包括其它进程）同时使用。
type Cache struct {
	root      string
	opts      Options
	layout    layout
	strategy  Strategy
	payload   payloadCodec
	files     fileAccess
	size      *sizeTracker
	lastClean sysFile
	sem       semaphore
	events    notifier
	metrics   *metrics
	logger    logrus.FieldLogger
	now       func() time.Time

	// entryLock 避免同一条目在进程内被并发写入，跨进程由 flock 负责。
	mu    sync.Mutex
	locks map[string]*entryLock

	bgMu    sync.Mutex
	bg      sync.WaitGroup
	closed  atomic.Bool
	shrinks singleflight.Group
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// New 以 root 为根目录构建缓存，并在后台执行启动维护：距上次清理超过
// CleanInterval 时清理过期条目，否则在聚合大小未知时重新计算。
func New(root string, opts Options) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	for _, sub := range []string{cacheSubFolder, policySubFolder} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	if opts.CleanInterval <= 0 {
		opts.CleanInterval = DefaultCleanInterval
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}

	files := fileAccess{timeout: opts.AccessTimeout}
	strategy, err := newStrategy(abs, opts, files)
	if err != nil {
		return nil, err
	}
	payload, err := newPayloadCodec(opts)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		root:      abs,
		opts:      opts,
		layout:    layout{root: abs},
		strategy:  strategy,
		payload:   payload,
		files:     files,
		lastClean: newSysFile(abs, lastCleanedFileName, files),
		sem:       newSemaphore(abs),
		metrics:   newMetrics(opts.Registerer),
		logger:    logger.WithField("cache_dir", abs),
		now:       time.Now,
		locks:     make(map[string]*entryLock),
	}
	c.size = &sizeTracker{
		file: newSysFile(abs, sizeFileName, files),
		walk: func(ctx context.Context) (int64, error) {
			return c.walkSize(ctx, "")
		},
		onChange: func(v int64) { c.metrics.size.Set(float64(v)) },
	}

	c.startup()
	return c, nil
}

// Dir 返回缓存根目录的绝对路径。
func (c *Cache) Dir() string {
	return c.root
}

func (c *Cache) startup() {
	if c.shouldClean(context.Background()) {
		c.CleanExpiredAsync("")
		return
	}
	c.goBackground("size_recompute", func(ctx context.Context) error {
		_, err := c.size.Current(ctx)
		return err
	})
}

// Get 读取条目。已过期的条目会被同步删除；滑动过期的条目只重写 policy 文件完成续期。
func (c *Cache) Get(ctx context.Context, key, region string) (Item, error) {
	if err := c.check(ctx, region); err != nil {
		return Item{}, err
	}
	unlock := c.lockEntry(c.strategy.LockKey(key, region))
	defer unlock()

	loc, err := c.strategy.Locate(ctx, key, region)
	if err != nil {
		return Item{}, err
	}
	policy, err := c.readPolicy(ctx, loc, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.metrics.requests.WithLabelValues("miss").Inc()
		}
		return Item{}, err
	}

	if c.expired(policy, c.now()) {
		if _, err := c.removeLocked(ctx, region, loc); err != nil {
			c.logger.WithFields(logrus.Fields{"action": "expire", "key": key, "region": region}).
				WithError(err).Warn("remove expired entry failed")
		}
		c.metrics.requests.WithLabelValues("expired").Inc()
		return Item{}, ErrNotFound
	}

	value, err := c.payload.decode(ctx, c.files, loc.DataPath)
	if err != nil {
		if isHardError(err) {
			return Item{}, err
		}
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errCorruptPayload) {
			// 正文缺失或损坏时清理残留的 policy，对调用方表现为未命中
			_, _ = c.removeLocked(ctx, region, loc)
		}
		c.metrics.requests.WithLabelValues("miss").Inc()
		return Item{}, ErrNotFound
	}

	if policy.SlidingExpiration > 0 {
		policy = policy.renew(c.now())
		c.size.begin()
		delta, err := c.writePolicyLocked(ctx, loc, policy)
		c.size.commit(ctx, delta)
		if err != nil {
			return Item{}, err
		}
	}
	touch(loc.DataPath, c.now())

	c.metrics.requests.WithLabelValues("hit").Inc()
	return Item{Key: key, Region: region, Value: value, Policy: policy}, nil
}

// Set 写入正文与 policy，并把新旧文件的大小差计入聚合大小；超过 MaxCacheSize 时
// 触发通知并在后台收缩到上限的 75%，写入本身立即返回。
func (c *Cache) Set(ctx context.Context, key string, value any, policy Policy, region string) error {
	if err := c.check(ctx, region); err != nil {
		return err
	}
	if err := c.payload.validate(value); err != nil {
		return err
	}

	unlock := c.lockEntry(c.strategy.LockKey(key, region))
	c.size.begin()
	delta, err := c.writeLocked(ctx, key, value, policy, region)
	c.size.commit(ctx, delta)
	unlock()
	if err != nil {
		return err
	}

	c.metrics.writes.Inc()
	c.checkMaxSize(ctx)
	return nil
}

// Add 写入新值，并返回写入前仍然有效的旧值（若存在）。
func (c *Cache) Add(ctx context.Context, key string, value any, policy Policy, region string) (Item, bool, error) {
	previous, err := c.Get(ctx, key, region)
	replaced := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Item{}, false, err
	}
	if err := c.Set(ctx, key, value, policy, region); err != nil {
		return Item{}, false, err
	}
	return previous, replaced, nil
}

// Remove 删除条目的两个文件；文件已被并发删除时视为无操作。
func (c *Cache) Remove(ctx context.Context, key, region string) error {
	if err := c.check(ctx, region); err != nil {
		return err
	}
	unlock := c.lockEntry(c.strategy.LockKey(key, region))
	defer unlock()

	loc, err := c.strategy.Locate(ctx, key, region)
	if err != nil {
		return err
	}
	_, err = c.removeLocked(ctx, region, loc)
	return err
}

// Contains 仅检查数据文件是否存在，不判断过期。
func (c *Cache) Contains(ctx context.Context, key, region string) bool {
	if err := c.check(ctx, region); err != nil {
		return false
	}
	loc, err := c.strategy.Locate(ctx, key, region)
	if err != nil {
		return false
	}
	return fileExists(loc.DataPath)
}

// GetPolicy 返回条目当前的过期策略，不触发续期。
func (c *Cache) GetPolicy(ctx context.Context, key, region string) (Policy, error) {
	if err := c.check(ctx, region); err != nil {
		return Policy{}, err
	}
	unlock := c.lockEntry(c.strategy.LockKey(key, region))
	defer unlock()

	loc, err := c.strategy.Locate(ctx, key, region)
	if err != nil {
		return Policy{}, err
	}
	return c.readPolicy(ctx, loc, key)
}

// GetValues 批量读取，未命中的 key 不出现在结果中。
func (c *Cache) GetValues(ctx context.Context, keys []string, region string) (map[string]Item, error) {
	items := make(map[string]Item, len(keys))
	for _, key := range keys {
		item, err := c.Get(ctx, key, region)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return items, err
		}
		items[key] = item
	}
	return items, nil
}

// Keys 枚举 region 内的 key；direct 策略下为清洗后的文件名。
func (c *Cache) Keys(ctx context.Context, region string) iter.Seq[string] {
	if validateRegion(region) != nil {
		return func(func(string) bool) {}
	}
	return c.strategy.Keys(ctx, region)
}

// Regions 枚举所有 region，根 region 以 "" 表示。
func (c *Cache) Regions() iter.Seq[string] {
	return c.strategy.Regions()
}

// Count 返回 region 内的条目数（以元数据文件计）。
func (c *Cache) Count(region string) int {
	if validateRegion(region) != nil {
		return 0
	}
	return c.strategy.Count(region)
}

// Size 返回缓存大小：region 为空时使用聚合值（未知时遍历重算），否则对该 region 做一次全新遍历。
func (c *Cache) Size(ctx context.Context, region string) (int64, error) {
	if region == "" {
		return c.size.Current(ctx)
	}
	if err := validateRegion(region); err != nil {
		return 0, err
	}
	return c.walkSize(ctx, region)
}

// RecomputeSize 通过完整遍历校准聚合大小。
func (c *Cache) RecomputeSize(ctx context.Context) (int64, error) {
	return c.size.Recompute(ctx)
}

// Wait 阻塞直到所有后台任务完成。
func (c *Cache) Wait() {
	c.bg.Wait()
}

// Close 停止调度新的后台任务并等待已有任务完成，之后的读写返回 ErrClosed。
func (c *Cache) Close() error {
	c.bgMu.Lock()
	c.closed.Store(true)
	c.bgMu.Unlock()
	c.bg.Wait()
	return nil
}

func (c *Cache) check(ctx context.Context, region string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return validateRegion(region)
}

func (c *Cache) expired(p Policy, now time.Time) bool {
	var grace time.Duration
	if c.opts.PayloadMode == PayloadFileReference {
		grace = c.opts.FileGracePeriod
	}
	return p.Expired(now, grace)
}

// readPolicy 读取 policy；文件缺失或读取异常视为未命中，无法解码时退化为永不过期的默认策略。
func (c *Cache) readPolicy(ctx context.Context, loc Location, key string) (Policy, error) {
	data, err := c.files.readFile(ctx, loc.PolicyPath)
	if err != nil {
		if isHardError(err) {
			return Policy{}, err
		}
		return Policy{}, ErrNotFound
	}
	policy, _ := decodePolicy(data)
	policy.Key = key
	return policy, nil
}

func (c *Cache) writePolicyLocked(ctx context.Context, loc Location, policy Policy) (int64, error) {
	old := fileSize(loc.PolicyPath)
	err := c.files.writeBytes(ctx, loc.PolicyPath, encodePolicy(policy))
	return fileSize(loc.PolicyPath) - old, err
}

// writeLocked 返回本次写入造成的字节增量。写入中途失败时删除半成品，避免读到不一致的条目。
func (c *Cache) writeLocked(ctx context.Context, key string, value any, policy Policy, region string) (int64, error) {
	loc, err := c.strategy.LocateForWrite(ctx, key, region)
	if err != nil {
		return 0, err
	}
	oldData, oldPolicy := fileSize(loc.DataPath), fileSize(loc.PolicyPath)

	err = c.payload.encode(ctx, c.files, loc.DataPath, value)
	dataWritten := err == nil
	if err == nil {
		policy.Key = key
		err = c.files.writeBytes(ctx, loc.PolicyPath, encodePolicy(policy.renew(c.now())))
	}
	if err == nil {
		touch(loc.DataPath, c.now())
	}

	// 正文在加锁前失败（超时、取消、源文件不可读）时原条目未被改动，其余失败都可能留下半成品
	if err != nil && (dataWritten || !isUntouched(err)) {
		_, _ = removeFile(loc.PolicyPath)
		_, _ = removeFile(loc.DataPath)
	}

	delta := fileSize(loc.DataPath) - oldData + fileSize(loc.PolicyPath) - oldPolicy
	return delta, err
}

// removeLocked 先删除 policy 使条目立即不可见，再删除正文。
func (c *Cache) removeLocked(ctx context.Context, region string, loc Location) (int64, error) {
	c.size.begin()
	policyFreed, policyErr := removeFile(loc.PolicyPath)
	dataFreed, dataErr := removeFile(loc.DataPath)
	freed := policyFreed + dataFreed
	c.size.commit(ctx, -freed)

	if err := multierr.Combine(policyErr, dataErr); err != nil {
		return freed, err
	}
	c.strategy.Release(ctx, region, loc)
	return freed, nil
}

func (c *Cache) checkMaxSize(ctx context.Context) {
	limit := c.opts.MaxCacheSize
	if limit <= 0 {
		return
	}
	total, err := c.size.Current(ctx)
	if err != nil || total <= limit {
		return
	}
	ev := SizeEvent{CurrentSize: total, MaxSize: limit}
	c.logger.WithFields(logrus.Fields{
		"action":   "max_size_reached",
		"size":     total,
		"max_size": limit,
	}).Info("cache size exceeded")
	c.events.fireMaxReached(ev)
	c.scheduleShrink()
}

// scheduleShrink 在后台收缩到上限的 75%，为后续写入留出增长空间。同一进程内的并发触发会被合并。
func (c *Cache) scheduleShrink() {
	c.goBackground("auto_shrink", func(ctx context.Context) error {
		_, err, _ := c.shrinks.Do("shrink", func() (any, error) {
			return c.ShrinkToSize(ctx, c.opts.MaxCacheSize*3/4, "")
		})
		return err
	})
}

// goBackground 启动不阻塞调用方的后台任务，错误与 panic 只记录日志。
func (c *Cache) goBackground(action string, fn func(ctx context.Context) error) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fields := logrus.Fields{"action": action}
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(fields).Errorf("background task panic: %v", r)
			}
		}()
		if err := fn(context.Background()); err != nil {
			entry := c.logger.WithFields(fields).WithError(err)
			if errors.Is(err, ErrMaintenanceBusy) {
				entry.Debug("background task skipped")
				return
			}
			entry.Warn("background task failed")
		}
	}()
}

func (c *Cache) walkSize(ctx context.Context, region string) (int64, error) {
	policySize, err := dirSize(ctx, c.layout.policyDir(region))
	if err != nil {
		return 0, err
	}
	dataSize, err := dirSize(ctx, c.layout.dataDir(region))
	if err != nil {
		return 0, err
	}
	return policySize + dataSize, nil
}

func (c *Cache) lockEntry(key string) func() {
	c.mu.Lock()
	lock := c.locks[key]
	if lock == nil {
		lock = &entryLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

// isHardError 判断错误是否需要原样返回给调用方，而不是退化为未命中。
func isHardError(err error) bool {
	return errors.Is(err, ErrStorageBusy) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
