package bus

import (
	"context"

	"github.com/nats-io/nats.go"
)

type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topicToSubject(topic), payload)
}

// Subscribe funnels every subject into ONE shared channel via
// ChanSubscribe. Channel subscriptions are fed straight from the
// connection read loop, so events for a symbol arrive in publish order
// even though order/trade/book travel on different subjects. Separate
// async subscriptions would each get their own dispatch goroutine and
// could interleave.
func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	inbox := make(chan *nats.Msg, 8192)
	subs := make([]*nats.Subscription, 0, len(topics))

	for _, t := range topics {
		sub, err := b.nc.ChanSubscribe(topicToSubject(t), inbox)
		if err != nil {
			for _, ss := range subs {
				_ = ss.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	out := make(chan Message, 8192)
	go func() {
		defer close(out)
		defer func() {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-inbox:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: subjectToTopic(m.Subject), Payload: m.Data}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
	return nil
}
