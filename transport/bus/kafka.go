package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/mvccoord/cfg"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/transport"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
	kafkaReadBackoff       = 500 * time.Millisecond
)

func init() {
	transport.Register(string(cfg.TransportKafka), func(opts transport.Options) (transport.Transport, error) {
		return NewKafkaTransport(DefaultKafkaConfig(opts.Config.Transport.Kafka), opts)
	})
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	GroupPrefix  string
	BatchBytes   int64
	RequiredAcks kafka.RequiredAcks
}

// DefaultKafkaConfig fills a KafkaConfig from the transport configuration.
func DefaultKafkaConfig(c cfg.KafkaConfiguration) KafkaConfig {
	return KafkaConfig{
		Brokers:      c.Brokers,
		TopicPrefix:  c.TopicPrefix,
		GroupPrefix:  c.GroupPrefix,
		BatchBytes:   DefaultKafkaBatchBytes,
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaTopic returns the topic node id consumes.
func KafkaTopic(prefix string, id mvcc.NodeID) string {
	return prefix + "-" + strconv.FormatUint(uint64(id), 10)
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func newKafkaReader(c kafka.ReaderConfig) kafkaReader {
	return kafka.NewReader(c)
}

// KafkaTransport writes frames to per-node topics. The message key is the
// sender ID, so one sender always lands on one partition and stays ordered.
type KafkaTransport struct {
	config   KafkaConfig
	localID  mvcc.NodeID
	resolver transport.Resolver
	writer   kafkaWriter
	dial     func(kafka.ReaderConfig) kafkaReader

	mu     sync.Mutex
	reader kafkaReader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaTransport creates the writer. The reader starts with Start.
func NewKafkaTransport(config KafkaConfig, opts transport.Options) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "mvccoord"
	}
	if config.GroupPrefix == "" {
		config.GroupPrefix = config.TopicPrefix
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &KafkaTransport{
		config:   config,
		localID:  opts.LocalID,
		resolver: opts.Resolver,
		writer:   writer,
		dial:     newKafkaReader,
	}, nil
}

// Start consumes the local node's topic.
func (t *KafkaTransport) Start(handler transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reader != nil {
		return fmt.Errorf("kafka transport already started")
	}

	topic := KafkaTopic(t.config.TopicPrefix, t.localID)
	t.reader = t.dial(kafka.ReaderConfig{
		Brokers:  t.config.Brokers,
		Topic:    topic,
		GroupID:  KafkaTopic(t.config.GroupPrefix, t.localID),
		MinBytes: 1,
		MaxBytes: int(t.config.BatchBytes),
		MaxWait:  100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.readLoop(ctx, t.reader, handler)

	log.Info().Str("topic", topic).Msg("Kafka transport consuming")
	return nil
}

func (t *KafkaTransport) readLoop(ctx context.Context, reader kafkaReader, handler transport.Handler) {
	defer t.wg.Done()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Kafka read failed")
			select {
			case <-time.After(kafkaReadBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		from, err := parseNodeID(string(msg.Key))
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("Dropping Kafka message without sender")
			continue
		}
		handler(from, msg.Value)
	}
}

// Send writes data to the target's topic.
func (t *KafkaTransport) Send(ctx context.Context, to mvcc.NodeID, data []byte) error {
	if t.resolver != nil {
		if _, ok := t.resolver.Address(to); !ok {
			return fmt.Errorf("node %d: %w", to, protocol.ErrNodeLeft)
		}
	}

	msg := kafka.Message{
		Topic: KafkaTopic(t.config.TopicPrefix, to),
		Key:   []byte(strconv.FormatUint(uint64(t.localID), 10)),
		Value: data,
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close stops the reader and flushes the writer.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	reader := t.reader
	cancel := t.cancel
	t.reader = nil
	t.cancel = nil
	t.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if reader != nil {
		errs = append(errs, reader.Close())
	}
	if t.writer != nil {
		errs = append(errs, t.writer.Close())
	}
	return errors.Join(errs...)
}
