package sink

import (
	"context"
	"encoding/json"

	pkgerrors "github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/pawsense/feeder/pkg/records"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka appends intake records to a topic, keyed by device serial number so
// one feeder's events stay ordered within a partition.
type Kafka struct {
	w     kafkaWriter
	topic string
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

func (k *Kafka) Publish(ctx context.Context, rec records.Intake) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal intake record")
	}

	msg := kafka.Message{
		Key:   []byte(rec.SerialNumber),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(rec.Type)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return pkgerrors.Wrapf(err, "failed to write to kafka topic %s", k.topic)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}

func (k *Kafka) Name() string { return "kafka" }
