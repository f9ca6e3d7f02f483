package bus

import (
	"context"
	"io"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/pkg/exception"
)

const headerAttempt = "attempt"

// KafkaConfig defines the kafka backed channel.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"tickers"`
	GroupID string   `env:"GROUP_ID" envDefault:"tickerflow-aggregator"`
	// DrainTimeout bounds each fetch once the channel is closed; an idle fetch ends the drain.
	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT" envDefault:"2s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// Validate checks the configuration is usable.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 || c.Topic == "" || c.GroupID == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "kafka brokers, topic and group id are required")
	}
	return nil
}

// Kafka is a Channel on a kafka topic. Records are keyed by symbol so a
// symbol keeps its order within one partition. Ack commits the offset; Nack
// republishes the record with a bumped attempt and commits the original.
type Kafka struct {
	cfg     KafkaConfig
	writer  *kafka.Writer
	reader  *kafka.Reader
	metrics *obs.Metrics

	closed     atomic.Bool
	subscribed atomic.Bool
	inflight   sync.WaitGroup
}

// NewKafka creates the writer and the consumer group reader.
func NewKafka(cfg KafkaConfig, metrics *obs.Metrics) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Kafka{
		cfg:     cfg,
		writer:  writer,
		reader:  reader,
		metrics: metrics,
	}, nil
}

// Publish writes rec and waits for every in-sync replica to acknowledge it.
func (k *Kafka) Publish(ctx context.Context, rec model.TickerRecord) error {
	if k.closed.Load() {
		return exception.ErrChannelClosed
	}
	if err := k.write(ctx, rec, 1); err != nil {
		return err
	}
	k.metrics.IncPublished()
	return nil
}

func (k *Kafka) write(ctx context.Context, rec model.TickerRecord, attempt int) error {
	msg, err := encodeMessage(rec, attempt)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(exception.ErrChannelRetry, err.Error())
	}
	return nil
}

// Subscribe fetches from the consumer group. After Close it keeps fetching
// until a fetch idles for DrainTimeout, waits for outstanding deliveries to
// settle, then closes the reader.
func (k *Kafka) Subscribe(ctx context.Context) iter.Seq2[Delivery, error] {
	return func(yield func(Delivery, error) bool) {
		if !k.subscribed.CompareAndSwap(false, true) {
			yield(Delivery{}, errors.New("kafka channel: already subscribed"))
			return
		}
		defer k.closeReader(ctx)

		for {
			msg, err := k.fetch(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				if k.closed.Load() && errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !yield(Delivery{}, errors.Wrap(exception.ErrChannelRetry, err.Error())) {
					return
				}
				continue
			}

			rec, attempt, err := decodeMessage(msg)
			if err != nil {
				logs.Errorf("kafka channel: drop undecodable message at offset %d, err: %+v", msg.Offset, err)
				if err := k.reader.CommitMessages(ctx, msg); err != nil {
					logs.Errorf("kafka channel: commit offset %d, err: %+v", msg.Offset, err)
				}
				continue
			}

			k.inflight.Add(1)
			if !yield(newDelivery(rec, attempt, k.settler(ctx, msg, rec, attempt)), nil) {
				return
			}
		}
	}
}

func (k *Kafka) fetch(ctx context.Context) (kafka.Message, error) {
	if !k.closed.Load() {
		return k.reader.FetchMessage(ctx)
	}
	drainCtx, cancel := context.WithTimeout(ctx, k.cfg.DrainTimeout)
	defer cancel()
	return k.reader.FetchMessage(drainCtx)
}

func (k *Kafka) settler(ctx context.Context, msg kafka.Message, rec model.TickerRecord, attempt int) func(ack bool) error {
	return func(ack bool) error {
		defer k.inflight.Done()
		// settle even when the subscriber context is already gone
		ctx := context.WithoutCancel(ctx)
		if !ack {
			if err := k.write(ctx, rec, attempt+1); err != nil {
				return err
			}
			k.metrics.IncRedelivered()
		}
		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(exception.ErrChannelRetry, err.Error())
		}
		return nil
	}
}

func (k *Kafka) closeReader(ctx context.Context) {
	settled := make(chan struct{})
	go func() {
		k.inflight.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
	}
	if err := k.reader.Close(); err != nil {
		logs.Errorf("kafka channel: close reader, err: %+v", err)
	}
}

// Close stops publishing and flushes the writer. The reader is closed by the
// subscriber once drained, or here when nothing ever subscribed.
func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := k.writer.Close()
	if k.subscribed.CompareAndSwap(false, true) {
		if rerr := k.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

func encodeMessage(rec model.TickerRecord, attempt int) (kafka.Message, error) {
	value, err := sonic.ConfigFastest.Marshal(rec)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal ticker record")
	}
	return kafka.Message{
		Key:   []byte(rec.Symbol),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerAttempt, Value: strconv.AppendInt(nil, int64(attempt), 10)},
		},
	}, nil
}

func decodeMessage(msg kafka.Message) (model.TickerRecord, int, error) {
	var rec model.TickerRecord
	if err := sonic.ConfigFastest.Unmarshal(msg.Value, &rec); err != nil {
		return model.TickerRecord{}, 0, errors.Wrap(exception.ErrInvalidPayload, err.Error())
	}
	if rec.Symbol == "" {
		return model.TickerRecord{}, 0, exception.ErrMissingField
	}
	attempt := 1
	for _, h := range msg.Headers {
		if h.Key != headerAttempt {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			attempt = n
		}
	}
	return rec, attempt, nil
}
