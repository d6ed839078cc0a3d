package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

var repoRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			repoRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func projectRoot(t *testing.T) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return repoRoot
}

func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(projectRoot(t), "internal", "config", "testdata", name)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// cacheConfig 生成指向临时缓存目录的配置，日志级别设为 error 以保持测试输出干净。
func cacheConfig(t *testing.T, payloadMode string, extra ...string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"

[Cache]
CacheDir = "%s"
PayloadMode = "%s"
%s
`, filepath.Join(t.TempDir(), "cache"), payloadMode, strings.Join(extra, "\n")))
}

// runArgs 按真实入口的方式解析参数并执行。
func runArgs(t *testing.T, args ...string) int {
	t.Helper()
	opts, err := parseCLIFlags(args)
	if err != nil {
		t.Fatalf("解析参数失败: %v", err)
	}
	return run(opts)
}

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲区，结束后恢复。
func useBufferWriters(t *testing.T) {
	t.Helper()
	prevIn, prevOut, prevErr := stdIn, stdOut, stdErr
	stdOut = &bytes.Buffer{}
	stdErr = &bytes.Buffer{}
	t.Cleanup(func() {
		stdIn, stdOut, stdErr = prevIn, prevOut, prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
