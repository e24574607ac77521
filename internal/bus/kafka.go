package bus

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/metamx/sherlock/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes report batches to a topic keyed by job ID.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishReports(ctx context.Context, jobID int, reports []model.AnomalyReport) error {
	data, err := encodeReports(jobID, reports, time.Now())
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(jobID)),
		Value: data,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type Publisher interface {
	PublishReports(ctx context.Context, jobID int, reports []model.AnomalyReport) error
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) PublishReports(ctx context.Context, jobID int, reports []model.AnomalyReport) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishReports(ctx, jobID, reports); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
