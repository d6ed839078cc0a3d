package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// hashedStrategy 将任意 key 映射为定长文件名 {hash}_{counter}。哈希冲突时按 counter
// 递增探测，通过 policy 文件中的 key 反向引用确认归属，因此手工删除 policy 文件会让
// 对应的数据文件对缓存不可见。
type hashedStrategy struct {
	layout
	hash  func(string) uint64
	files fileAccess
}

func newHashedStrategy(l layout, hash func(string) uint64, files fileAccess) *hashedStrategy {
	if hash == nil {
		hash = xxhash.Sum64String
	}
	return &hashedStrategy{layout: l, hash: hash, files: files}
}

func (s *hashedStrategy) baseName(key string) string {
	return fmt.Sprintf("%016x", s.hash(key))
}

func slotName(base string, slot int) string {
	return base + "_" + strconv.Itoa(slot)
}

func (s *hashedStrategy) slotLocation(region, base string, slot int) Location {
	name := slotName(base, slot)
	return Location{
		DataPath:   filepath.Join(s.dataDir(region), name+dataExt),
		PolicyPath: filepath.Join(s.policyDir(region), name+policyExt),
		Slot:       slot,
	}
}

// Locate 依次探测 counter=0,1,2…：policy 中 key 匹配即为该条目，遇到空位表示未命中。
// 无法按当前格式解码的槽位不属于任何 key，读取时跳过。
func (s *hashedStrategy) Locate(ctx context.Context, key, region string) (Location, error) {
	loc, _, err := s.probe(ctx, key, region)
	return loc, err
}

// LocateForWrite 与 Locate 相同，但在 key 尚无槽位时优先回收链上第一个无法解码的槽位，
// 其次才使用链尾的空位。
func (s *hashedStrategy) LocateForWrite(ctx context.Context, key, region string) (Location, error) {
	loc, reusable, err := s.probe(ctx, key, region)
	if err != nil {
		return Location{}, err
	}
	if reusable != nil {
		return *reusable, nil
	}
	return loc, nil
}

// probe 返回 key 所在的槽位，不存在时返回链尾空位；reusable 为途经的第一个无法解码的槽位。
func (s *hashedStrategy) probe(ctx context.Context, key, region string) (Location, *Location, error) {
	if _, _, err := s.ensureDirs(region); err != nil {
		return Location{}, nil, err
	}
	base := s.baseName(key)
	var reusable *Location
	for slot := 0; ; slot++ {
		loc := s.slotLocation(region, base, slot)
		data, err := s.files.readFile(ctx, loc.PolicyPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return loc, reusable, nil
			}
			return Location{}, nil, err
		}
		policy, ok := decodePolicy(data)
		if !ok {
			if reusable == nil {
				reusable = &loc
			}
			continue
		}
		if policy.Key == key {
			return loc, nil, nil
		}
	}
}

// LockKey 以哈希为粒度加锁，使冲突 key 的空位分配与整理在进程内串行。
func (s *hashedStrategy) LockKey(key, region string) string {
	return region + "::" + s.baseName(key)
}

func (s *hashedStrategy) Keys(ctx context.Context, region string) iter.Seq[string] {
	return func(yield func(string) bool) {
		dir := s.policyDir(region)
		for entry := range dirEntries(dir) {
			if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), policyExt) {
				continue
			}
			data, err := s.files.readFile(ctx, filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			policy, ok := decodePolicy(data)
			if !ok {
				continue
			}
			if !yield(policy.Key) {
				return
			}
		}
	}
}

// Release 把冲突链上最后一个槽位移动到刚被释放的槽位，保证探测不会停在空洞上。
func (s *hashedStrategy) Release(_ context.Context, region string, loc Location) {
	if fileExists(loc.PolicyPath) {
		return
	}
	name := strings.TrimSuffix(filepath.Base(loc.PolicyPath), policyExt)
	idx := strings.LastIndexByte(name, '_')
	if idx < 0 {
		return
	}
	base := name[:idx]

	last := loc.Slot
	for next := loc.Slot + 1; fileExists(s.slotLocation(region, base, next).PolicyPath); next++ {
		last = next
	}
	if last == loc.Slot {
		return
	}

	from := s.slotLocation(region, base, last)
	// 先移动数据再移动 policy：移动期间探测会在空位处未命中，而不会读到错误的数据。
	if err := os.Rename(from.DataPath, loc.DataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return
	}
	_ = os.Rename(from.PolicyPath, loc.PolicyPath)
}
