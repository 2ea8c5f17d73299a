package keeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const cacheProbeTimeout = 2 * time.Second

// newCron 创建并启动定时任务管理器
// 每次调用都会返回一个新的实例，关闭由引擎在退出阶段负责
func newCron(logger *slog.Logger) *cron.Cron {
	slogLogger := slogCronLogger{logger: logger}
	c := cron.New(
		cron.WithSeconds(),            // 表达式带秒字段
		cron.WithLocation(time.Local), // 按本地时区调度
		cron.WithLogger(slogLogger),
		cron.WithChain(
			cron.Recover(slogLogger),            // 任务 panic 只记录日志，不影响后续调度
			cron.SkipIfStillRunning(slogLogger), // 上一次尚未结束时跳过本次
		),
	)
	c.Start()
	return c
}

// slogCronLogger 将 slog.Logger 适配为 cron.Logger
type slogCronLogger struct {
	logger *slog.Logger
}

// Info cron 的调度日志较为频繁，降为 Debug 输出
func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	kv := append([]any{"error", err}, keysAndValues...)
	l.logger.Error(msg, kv...)
}

// AvailabilityProbe 可探测可用性的组件，RedisCache 即满足该接口
type AvailabilityProbe interface {
	Available(ctx context.Context) bool
}

// CacheProbeJob 定期探测缓存可用性，只在状态变化时记录日志
// 缓存不可用期间令牌吊销检查按放行处理，这里的日志是唯一的提示
type CacheProbeJob struct {
	probe     AvailabilityProbe
	logger    *slog.Logger
	available atomic.Bool
}

func NewCacheProbeJob(probe AvailabilityProbe, logger *slog.Logger) *CacheProbeJob {
	j := &CacheProbeJob{probe: probe, logger: logger}
	j.available.Store(true)
	return j
}

func (j *CacheProbeJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheProbeTimeout)
	defer cancel()

	ok := j.probe.Available(ctx)
	// 状态未变化时不重复记录
	if j.available.Swap(ok) == ok {
		return
	}
	if ok {
		j.logger.Info("缓存已恢复可用")
	} else {
		j.logger.Warn("缓存不可用，令牌吊销检查已降级")
	}
}

// Available 最近一次探测结果
func (j *CacheProbeJob) Available() bool {
	return j.available.Load()
}
