package cache

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Location 是条目在磁盘上的两个文件路径。Slot 仅对 hashed 策略有意义。
type Location struct {
	DataPath   string
	PolicyPath string
	Slot       int
}

// Strategy 负责把 (key, region) 映射为文件路径，并枚举 region 内的 key。
type Strategy interface {
	// Locate 返回条目路径，并按需创建所在目录。
	Locate(ctx context.Context, key, region string) (Location, error)
	// LocateForWrite 返回写入 key 时使用的路径，可以回收无法解码的槽位。
	LocateForWrite(ctx context.Context, key, region string) (Location, error)
	// LockKey 返回进程内写锁的粒度，可能写入同一组文件的 key 必须返回相同值。
	LockKey(key, region string) string
	Keys(ctx context.Context, region string) iter.Seq[string]
	// Regions 先返回根 region ""，再返回 cache/ 下的每个子目录。
	Regions() iter.Seq[string]
	// Count 返回 region 内元数据文件的数量。
	Count(region string) int
	// Release 在条目被删除后调用，允许策略整理自身的文件布局。
	Release(ctx context.Context, region string, loc Location)
}

// layout 描述 <root>/cache 与 <root>/policy 两棵子树。
type layout struct {
	root string
}

func (l layout) dataDir(region string) string {
	return filepath.Join(l.root, cacheSubFolder, region)
}

func (l layout) policyDir(region string) string {
	return filepath.Join(l.root, policySubFolder, region)
}

func (l layout) ensureDirs(region string) (string, string, error) {
	dataDir, policyDir := l.dataDir(region), l.policyDir(region)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(policyDir, 0o755); err != nil {
		return "", "", err
	}
	return dataDir, policyDir, nil
}

func (l layout) Regions() iter.Seq[string] {
	return func(yield func(string) bool) {
		dir := filepath.Join(l.root, cacheSubFolder)
		if _, err := os.Stat(dir); err != nil {
			return
		}
		if !yield("") {
			return
		}
		for entry := range dirEntries(dir) {
			if entry.IsDir() && !yield(entry.Name()) {
				return
			}
		}
	}
}

func (l layout) Count(region string) int {
	count := 0
	for entry := range dirEntries(l.policyDir(region)) {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), policyExt) {
			count++
		}
	}
	return count
}

// dirEntries 分批读取目录，避免一次性加载超大目录。
func dirEntries(dir string) iter.Seq[os.DirEntry] {
	return func(yield func(os.DirEntry) bool) {
		f, err := os.Open(dir)
		if err != nil {
			return
		}
		defer f.Close()
		for {
			batch, err := f.ReadDir(128)
			for _, entry := range batch {
				if !yield(entry) {
					return
				}
			}
			if err != nil {
				// io.EOF 或读取失败都结束枚举
				return
			}
		}
	}
}

// validateRegion 拒绝会逃逸出缓存目录的 region 名称。
func validateRegion(region string) error {
	if region == "" {
		return nil
	}
	if region == "." || region == ".." || strings.ContainsAny(region, `/\`) || strings.ContainsRune(region, 0) {
		return ErrInvalidRegion
	}
	return nil
}

func newStrategy(root string, opts Options, files fileAccess) (Strategy, error) {
	l := layout{root: root}
	switch opts.Strategy {
	case "", StrategyDirect:
		return directStrategy{layout: l}, nil
	case StrategyHashed:
		return newHashedStrategy(l, opts.Hasher, files), nil
	default:
		return nil, errors.New("unsupported storage strategy: " + string(opts.Strategy))
	}
}
