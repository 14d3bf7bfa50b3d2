package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaBroker puts every event kind for a symbol on ONE kafka topic
// (coinx.events.{sym}), keyed by symbol so they share a partition. One
// reader per stream then yields events in publish order; independent
// per-kind kafka topics would give no cross-kind ordering. The logical
// topic rides in a message header.
type KafkaBroker struct {
	brokers []string
	writer  *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
}

const topicHeader = "topic"

// streamTopic maps "trade_executions:BTC-USD" to "coinx.events.BTC-USD".
func streamTopic(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return "coinx.events." + topic[i+1:]
	}
	return "coinx.events." + topic
}

func NewKafkaBroker(brokers []string) *KafkaBroker {
	return &KafkaBroker{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   streamTopic(topic),
		Key:     []byte(streamTopic(topic)),
		Value:   payload,
		Headers: []kafka.Header{{Key: topicHeader, Value: []byte(topic)}},
	})
}

func (b *KafkaBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	wanted := make(map[string]bool, len(topics))
	streams := make([]string, 0, len(topics))
	for _, t := range topics {
		wanted[t] = true
		st := streamTopic(t)
		seen := false
		for _, s := range streams {
			if s == st {
				seen = true
				break
			}
		}
		if !seen {
			streams = append(streams, st)
		}
	}

	out := make(chan Message, 8192)
	// 每个订阅者独立 group，广播语义
	group := "coinx-sub-" + uuid.NewString()

	var wg sync.WaitGroup
	for _, st := range streams {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers: b.brokers,
			GroupID: group,
			Topic:   st,
		})
		b.mu.Lock()
		b.readers = append(b.readers, r)
		b.mu.Unlock()

		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			for {
				m, err := r.ReadMessage(ctx)
				if err != nil {
					return
				}
				var topic string
				for _, h := range m.Headers {
					if h.Key == topicHeader {
						topic = string(h.Value)
						break
					}
				}
				if !wanted[topic] {
					continue
				}
				select {
				case out <- Message{Topic: topic, Payload: m.Value}:
				case <-ctx.Done():
					return
				}
			}
		}(r)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.readers {
		_ = r.Close()
	}
	return b.writer.Close()
}
