package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TopicPrincipalChanged 用户的角色或角色的权限发生变化
const TopicPrincipalChanged = "principal.changed"

// PrincipalChanged 主体快照失效事件，UserIDs 为受影响的用户
type PrincipalChanged struct {
	UserIDs []uint `json:"userIds"`
	Reason  string `json:"reason"`
}

// EventBus 进程内事件总线
type EventBus interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
	Subscribe(ctx context.Context, topic string, handler func(context.Context, *message.Message) error, opts ...SubscribeOption) (*Subscription, error)
	Close() error
}

// PublishEvent 以 JSON 编码发布事件
func PublishEvent[T any](ctx context.Context, bus EventBus, topic string, event T) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件 %s 失败: %w", topic, err)
	}
	return bus.Publish(ctx, topic, message.NewMessage(watermill.NewUUID(), payload))
}

// SubscribeEvent 订阅并以 JSON 解码事件
func SubscribeEvent[T any](ctx context.Context, bus EventBus, topic string, handler func(context.Context, T) error, opts ...SubscribeOption) (*Subscription, error) {
	return bus.Subscribe(ctx, topic, func(ctx context.Context, msg *message.Message) error {
		var event T
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("解码事件 %s 失败: %w", topic, err)
		}
		return handler(ctx, event)
	}, opts...)
}

// Subscription 一次订阅，Unsubscribe 会等待处理协程退出
type Subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	concurrency int
}

// WithConcurrency 处理协程数，默认 1
func WithConcurrency(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// goChannelBus 基于 watermill GoChannel 的实现
type goChannelBus struct {
	ps     *gochannel.GoChannel
	logger *slog.Logger
}

func newGoChannelBus(logger *slog.Logger) *goChannelBus {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, newSlogLoggerAdapter(logger))
	return &goChannelBus{ps: ps, logger: logger}
}

// Publish GoChannel 不使用 ctx
func (b *goChannelBus) Publish(_ context.Context, topic string, msg *message.Message) error {
	return b.ps.Publish(topic, msg)
}

func (b *goChannelBus) Subscribe(ctx context.Context, topic string, handler func(context.Context, *message.Message) error, opts ...SubscribeOption) (*Subscription, error) {
	cfg := &subscribeConfig{concurrency: 1}
	for _, o := range opts {
		o(cfg)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := b.ps.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{cancel: cancel}
	for range cfg.concurrency {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-subCtx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if err := handler(subCtx, msg); err != nil {
						b.logger.Warn("事件处理失败", "topic", topic, "message_id", msg.UUID, "error", err)
						msg.Nack()
						continue
					}
					msg.Ack()
				}
			}
		}()
	}
	return s, nil
}

func (b *goChannelBus) Close() error {
	return b.ps.Close()
}

// subscribePrincipalEviction 收到 principal.changed 后删除相关用户的主体快照
// 处理失败时只记录日志并确认消息，快照会在 TTL 到期后自然失效
func subscribePrincipalEviction(ctx context.Context, bus EventBus, validator *CredentialValidator, logger *slog.Logger) (*Subscription, error) {
	return SubscribeEvent(ctx, bus, TopicPrincipalChanged, func(ctx context.Context, ev PrincipalChanged) error {
		if err := validator.EvictPrincipals(ctx, ev.UserIDs...); err != nil {
			logger.Warn("清理主体缓存失败", "users", ev.UserIDs, "reason", ev.Reason, "error", err)
			return nil
		}
		logger.Debug("已清理主体缓存", "users", ev.UserIDs, "reason", ev.Reason)
		return nil
	})
}

// slogAdapter 将 slog.Logger 适配为 watermill.LoggerAdapter
type slogAdapter struct {
	base   *slog.Logger
	fields watermill.LogFields
}

func newSlogLoggerAdapter(base *slog.Logger) watermill.LoggerAdapter {
	if base == nil {
		base = slog.Default()
	}
	return &slogAdapter{base: base}
}

func (l *slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &slogAdapter{base: l.base, fields: l.fields.Add(fields)}
}

// Trace slog 没有 Trace 级别，按 Debug 输出
func (l *slogAdapter) Trace(msg string, fields watermill.LogFields) {
	l.log(slog.LevelDebug, msg, nil, fields)
}

func (l *slogAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log(slog.LevelDebug, msg, nil, fields)
}

func (l *slogAdapter) Info(msg string, fields watermill.LogFields) {
	l.log(slog.LevelInfo, msg, nil, fields)
}

func (l *slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.log(slog.LevelError, msg, err, fields)
}

func (l *slogAdapter) log(level slog.Level, msg string, err error, fields watermill.LogFields) {
	all := l.fields.Add(fields)
	args := make([]any, 0, len(all)*2+2)
	for k, v := range all {
		args = append(args, k, v)
	}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.base.Log(context.Background(), level, msg, args...)
}
