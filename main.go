package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/filecache/internal/cache"
	"github.com/any-hub/filecache/internal/config"
	"github.com/any-hub/filecache/internal/logging"
	"github.com/any-hub/filecache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	showMetrics bool

	region    string
	regionSet bool
	ttl       time.Duration
	sliding   time.Duration
	before    time.Duration

	command string
	args    []string
}

var (
	stdIn  io.Reader = os.Stdin
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// errUsage 表示命令行用法错误，对应退出码 2。
var errUsage = errors.New("usage")

const usageText = `用法: filecache [flags] <command> [args]

commands:
  get KEY               读取条目
  set KEY VALUE|-       写入条目（raw 模式下 - 表示从 stdin 读取）
  remove KEY            删除条目
  keys                  列出 region 内的 key
  regions               列出所有 region
  count                 统计 region 内的条目数
  size                  输出缓存大小（未指定 -region 时为整个缓存）
  shrink BYTES          收缩到指定大小，例如 512MiB
  clean                 删除已过期条目
  flush                 删除 -before 时长内未被访问的条目`

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		fmt.Fprintln(stdErr, usageText)
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_dir"] = cfg.Cache.CacheDir
		fields["strategy"] = cfg.Cache.Strategy
		fields["max_size"] = cfg.Cache.MaxCacheSize.String()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if opts.command == "" {
		fmt.Fprintln(stdErr, usageText)
		return 2
	}

	registry := prometheus.NewRegistry()
	cacheOpts, err := cfg.CacheOptions(logger, registry)
	if err != nil {
		fmt.Fprintf(stdErr, "解析缓存参数失败: %v\n", err)
		return 1
	}

	// CLI 遵循“配置 → 日志 → 磁盘缓存 → 单次命令”顺序，退出前等待后台维护结束。
	store, err := cache.New(cfg.Cache.CacheDir, cacheOpts)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	defer store.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	for k, v := range logging.CacheFields(store.Dir(), cfg.Cache.Strategy, cfg.Cache.PayloadMode, cfg.Cache.MaxCacheSize.Bytes()) {
		fields[k] = v
	}
	fields["version"] = version.Full()
	logger.WithFields(fields).Debug("缓存已打开")

	cmd := commandRunner{
		store:  store,
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		mode:   cacheOpts.PayloadMode,
	}
	code := cmd.run(context.Background())

	if opts.showMetrics {
		store.Wait()
		writeMetrics(registry)
	}
	return code
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("filecache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		opts       cliOptions
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 FILECACHE_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.showMetrics, "metrics", false, "命令结束后向 stderr 输出本次运行的指标")
	fs.StringVar(&opts.region, "region", "", "目标 region（默认使用配置中的 DefaultRegion）")
	fs.DurationVar(&opts.ttl, "ttl", 0, "set 时的绝对过期时长")
	fs.DurationVar(&opts.sliding, "sliding", 0, "set 时的滑动过期时长")
	fs.DurationVar(&opts.before, "before", 30*24*time.Hour, "flush 时删除该时长内未被访问的条目")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "region" {
			opts.regionSet = true
		}
	})
	if opts.ttl > 0 && opts.sliding > 0 {
		return cliOptions{}, errors.New("-ttl 与 -sliding 不能同时使用")
	}

	path := os.Getenv("FILECACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	if rest := fs.Args(); len(rest) > 0 {
		opts.command = strings.ToLower(rest[0])
		opts.args = rest[1:]
	}
	return opts, nil
}

// commandRunner 执行单条缓存命令。
type commandRunner struct {
	store  *cache.Cache
	cfg    *config.Config
	opts   cliOptions
	logger *logrus.Logger
	mode   cache.PayloadMode
}

func (r commandRunner) run(ctx context.Context) int {
	err := r.dispatch(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stdErr, err.Error())
		fmt.Fprintln(stdErr, usageText)
		return 2
	case errors.Is(err, cache.ErrNotFound):
		fmt.Fprintln(stdErr, "未命中")
		return 3
	case errors.Is(err, cache.ErrMaintenanceBusy):
		fmt.Fprintln(stdErr, "维护任务正在其它进程中运行，本次未执行")
		return 4
	default:
		r.logger.WithFields(logrus.Fields{"action": "command", "command": r.opts.command}).
			WithError(err).Error("命令执行失败")
		fmt.Fprintf(stdErr, "%s 失败: %v\n", r.opts.command, err)
		return 1
	}
}

// entryRegion 返回条目类命令使用的 region：未指定 -region 时回退到配置的 DefaultRegion。
func (r commandRunner) entryRegion() string {
	if r.opts.regionSet {
		return r.opts.region
	}
	return r.cfg.Cache.DefaultRegion
}

func (r commandRunner) dispatch(ctx context.Context) error {
	args := r.opts.args
	switch r.opts.command {
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: get KEY", errUsage)
		}
		return r.get(ctx, args[0])
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("%w: set KEY VALUE|-", errUsage)
		}
		return r.set(ctx, args[0], args[1])
	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("%w: remove KEY", errUsage)
		}
		return r.store.Remove(ctx, args[0], r.entryRegion())
	case "keys":
		for key := range r.store.Keys(ctx, r.entryRegion()) {
			fmt.Fprintln(stdOut, key)
		}
		return nil
	case "regions":
		for region := range r.store.Regions() {
			if region == "" {
				region = "(root)"
			}
			fmt.Fprintln(stdOut, region)
		}
		return nil
	case "count":
		fmt.Fprintln(stdOut, r.store.Count(r.entryRegion()))
		return nil
	case "size":
		size, err := r.store.Size(ctx, r.opts.region)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "%d\t%s\n", size, humanize.IBytes(uint64(size)))
		return nil
	case "shrink":
		if len(args) != 1 {
			return fmt.Errorf("%w: shrink BYTES", errUsage)
		}
		target, err := humanize.ParseBytes(args[0])
		if err != nil {
			return fmt.Errorf("%w: 无法解析容量 %s", errUsage, args[0])
		}
		size, err := r.store.ShrinkToSize(ctx, int64(target), r.opts.region)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "%d\t%s\n", size, humanize.IBytes(uint64(size)))
		return nil
	case "clean":
		freed, err := r.store.CleanExpired(ctx, r.opts.region)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "freed %s\n", humanize.IBytes(uint64(freed)))
		return nil
	case "flush":
		return r.store.Flush(ctx, time.Now().Add(-r.opts.before), r.opts.region)
	default:
		return fmt.Errorf("%w: 未知命令 %q", errUsage, r.opts.command)
	}
}

func (r commandRunner) get(ctx context.Context, key string) error {
	region := r.entryRegion()
	item, err := r.store.Get(ctx, key, region)
	r.logger.WithFields(logging.OperationFields("get", key, region, err == nil)).Debug("读取条目")
	if err != nil {
		return err
	}
	switch v := item.Value.(type) {
	case []byte:
		_, err = stdOut.Write(v)
		return err
	case string:
		_, err = fmt.Fprintln(stdOut, v)
		return err
	default:
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdOut, string(out))
		return err
	}
}

func (r commandRunner) set(ctx context.Context, key, raw string) error {
	policy := cache.NoExpiration()
	switch {
	case r.opts.ttl > 0:
		policy = cache.ExpiresAt(time.Now().Add(r.opts.ttl))
	case r.opts.sliding > 0:
		policy = cache.ExpiresAfterIdle(r.opts.sliding)
	}

	var value any = raw
	if r.mode == cache.PayloadRawBytes {
		if raw == "-" {
			value = stdIn
		} else {
			value = []byte(raw)
		}
	}

	region := r.entryRegion()
	err := r.store.Set(ctx, key, value, policy, region)
	r.logger.WithFields(logging.OperationFields("set", key, region, false)).Debug("写入条目")
	return err
}

func writeMetrics(registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		fmt.Fprintf(stdErr, "采集指标失败: %v\n", err)
		return
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(stdErr, mf); err != nil {
			fmt.Fprintf(stdErr, "输出指标失败: %v\n", err)
			return
		}
	}
}
