package cache

import (
	"context"
	"iter"
	"path/filepath"
	"strings"
)

// directStrategy 以清洗后的 key 作为文件名，简单但受文件系统字符集约束。
type directStrategy struct {
	layout
}

func (s directStrategy) Locate(_ context.Context, key, region string) (Location, error) {
	dataDir, policyDir, err := s.ensureDirs(region)
	if err != nil {
		return Location{}, err
	}
	name := sanitizeKey(key)
	return Location{
		DataPath:   filepath.Join(dataDir, name+dataExt),
		PolicyPath: filepath.Join(policyDir, name+policyExt),
	}, nil
}

func (s directStrategy) LocateForWrite(ctx context.Context, key, region string) (Location, error) {
	return s.Locate(ctx, key, region)
}

func (s directStrategy) LockKey(key, region string) string {
	return region + "::" + sanitizeKey(key)
}

// Keys 返回 region 内的文件名（即清洗后的 key）。
func (s directStrategy) Keys(_ context.Context, region string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for entry := range dirEntries(s.dataDir(region)) {
			name := entry.Name()
			if !entry.Type().IsRegular() || !strings.HasSuffix(name, dataExt) {
				continue
			}
			if !yield(strings.TrimSuffix(name, dataExt)) {
				return
			}
		}
	}
}

func (s directStrategy) Release(context.Context, string, Location) {}

var keyReplacer = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_", "\x00", "_",
)

// sanitizeKey 替换路径分隔符与常见文件系统保留字符，结果是幂等的。
func sanitizeKey(key string) string {
	name := keyReplacer.Replace(key)
	switch name {
	case "", ".", "..":
		return "_"
	}
	return name
}
