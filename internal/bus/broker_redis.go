package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBroker rides redis pub/sub. Channel names are the topic strings
// unchanged, which keeps them greppable in redis-cli MONITOR.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ps := b.rdb.Subscribe(ctx, topics...)
	// 确认订阅建立，避免丢掉最早的消息
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Message, 8192)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				default:
					// 慢消费者直接丢，订阅端靠快照重建
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error { return nil }
