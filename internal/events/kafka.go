package events

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

const batchTimeout = 5 * time.Millisecond

// KafkaPublisher writes job events keyed by job id, so every event of one job
// lands on the same partition in commit order.
type KafkaPublisher struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kgo.Writer{
			Addr:         kgo.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kgo.Hash{},
			RequiredAcks: kgo.RequireOne,
			// WriteMessages blocks until the batch flushes; the library default is 1s
			BatchTimeout: batchTimeout,
		},
		timeout: 3 * time.Second,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(ev.JobID.String()),
		Value: b,
		Time:  ev.At,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
