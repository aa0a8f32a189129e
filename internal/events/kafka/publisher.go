package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/punchamoorthee/tipledger/internal/domain"
	"github.com/punchamoorthee/tipledger/internal/events"
)

const Topic = "tip_ledger_events"

type Publisher struct {
	writer *kafka.Writer
}

var _ events.Publisher = (*Publisher)(nil)

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    Topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish writes one message per event, keyed by account so per-account
// ordering survives partitioning.
func (p *Publisher) Publish(ctx context.Context, evts []domain.Event) error {
	msgs := make([]kafka.Message, 0, len(evts))
	for _, evt := range evts {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(evt.Account),
			Value: data,
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
