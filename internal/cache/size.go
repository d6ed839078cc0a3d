package cache

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
)

// sizeTracker 缓存整个缓存目录的聚合字节数并持久化到 cache.size。它只是派生值：
// 0 表示未知，需要通过目录遍历重新计算。
//
// 进程内的写入以 begin/commit 包裹。重新计算期间若有写入开始或结束，遍历结果只作为
// 近似值返回而不落盘，避免把已计入遍历的增量再加一次。
type sizeTracker struct {
	mu      sync.Mutex
	size    int64
	pending int
	gen     uint64

	file     sysFile
	walk     func(ctx context.Context) (int64, error)
	onChange func(int64)
}

func (t *sizeTracker) begin() {
	t.mu.Lock()
	t.pending++
	t.gen++
	t.mu.Unlock()
}

// commit 结束一次写入并应用增量；聚合值未知时保持未知，等待下次遍历。
func (t *sizeTracker) commit(ctx context.Context, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	t.gen++
	if delta == 0 {
		return
	}
	if t.size == 0 {
		t.loadLocked(ctx)
	}
	if t.size != 0 {
		t.setLocked(ctx, t.size+delta)
	}
}

// Current 返回聚合大小，未知时从 cache.size 读取，仍未知则遍历目录。
func (t *sizeTracker) Current(ctx context.Context) (int64, error) {
	t.mu.Lock()
	if t.size == 0 {
		t.loadLocked(ctx)
	}
	if t.size != 0 {
		size := t.size
		t.mu.Unlock()
		return size, nil
	}
	t.mu.Unlock()
	return t.Recompute(ctx)
}

// Recompute 强制遍历目录，并在没有并发写入干扰时保存结果。
func (t *sizeTracker) Recompute(ctx context.Context) (int64, error) {
	t.mu.Lock()
	gen, pending := t.gen, t.pending
	t.mu.Unlock()

	size, err := t.walk(ctx)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	if pending == 0 && t.pending == 0 && t.gen == gen {
		t.setLocked(ctx, size)
	}
	t.mu.Unlock()
	return size, nil
}

func (t *sizeTracker) loadLocked(ctx context.Context) {
	if v, ok := t.file.readInt(ctx); ok && v > 0 {
		t.size = v
		t.notify(v)
	}
}

func (t *sizeTracker) setLocked(ctx context.Context, v int64) {
	if v < 0 {
		v = 0
	}
	if v == t.size && v != 0 {
		return
	}
	t.size = v
	_ = t.file.writeInt(ctx, v)
	t.notify(v)
}

func (t *sizeTracker) notify(v int64) {
	if t.onChange != nil {
		t.onChange(v)
	}
}

// dirSize 递归累加目录下所有文件的长度，目录不存在时为 0。
func dirSize(ctx context.Context, dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// 遍历期间被并发删除
			return nil
		}
		size += info.Size()
		return nil
	})
	return size, err
}
