package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second

	kafkaRestTopic        = "meeting-rest"
	kafkaRestRequestTopic = "meeting-rest-request"
)

// kafkaEnvelope wraps an event payload with its logical channel name, since
// Kafka topics are coarser than the per-meeting Redis channels.
type kafkaEnvelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// KafkaBroker implements Broker using Apache Kafka. Rest events for every
// meeting share two topics, keyed by meeting id; each subscription runs its
// own consumer group so every subscriber observes every event.
type KafkaBroker struct {
	brokers  []string
	groupID  string
	producer sarama.SyncProducer
	config   *sarama.Config
	log      *slog.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewKafkaBroker creates a new Kafka message broker.
func NewKafkaBroker(brokers []string, groupID string, log *slog.Logger) (*KafkaBroker, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaBroker{
		brokers:  brokers,
		groupID:  groupID,
		producer: producer,
		config:   config,
		log:      log,
	}, nil
}

func (b *KafkaBroker) Type() string { return "kafka" }

func channelTopic(channel string) (string, error) {
	_, name, err := ParseChannel(channel)
	if err != nil {
		return "", err
	}
	if name == EventRestRequestUpdated {
		return kafkaRestRequestTopic, nil
	}
	return kafkaRestTopic, nil
}

// Publish sends a message to the topic backing the channel, with retry.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.RUnlock()

	topic, err := channelTopic(channel)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data, err := json.Marshal(kafkaEnvelope{Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(event.MeetingID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		b.log.Warn("retrying Kafka publish", "channel", channel, "error", err, "next_attempt_in", d)
	})
}

// Subscribe consumes the topics backing the given channels, filtered down
// to exact channel matches.
func (b *KafkaBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	topics := make([]string, 0, len(channels))
	accept := make(map[string]bool, len(channels))
	for _, ch := range channels {
		topic, err := channelTopic(ch)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
		accept[ch] = true
	}
	return b.consume(ctx, topics, accept)
}

// PSubscribe consumes both topics without a channel filter; the meeting-rest
// patterns cover every meeting, which is exactly what the topics hold.
func (b *KafkaBroker) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	topics := make([]string, 0, len(patterns))
	for _, p := range patterns {
		switch p {
		case RestPattern:
			topics = append(topics, kafkaRestTopic)
		case RestRequestPattern:
			topics = append(topics, kafkaRestRequestTopic)
		default:
			return nil, fmt.Errorf("broker: unsupported pattern %q for kafka", p)
		}
	}
	return b.consume(ctx, topics, nil)
}

func (b *KafkaBroker) consume(ctx context.Context, topics []string, accept map[string]bool) (Subscription, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("broker is closed")
	}
	b.mu.RUnlock()

	// A fresh group per subscription gives every subscriber its own cursor.
	groupID := fmt.Sprintf("%s-%s", b.groupID, uuid.New().String())
	group, err := sarama.NewConsumerGroup(b.brokers, groupID, b.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages := make(chan Message, 16)
	handler := &consumerGroupHandler{
		messages: messages,
		accept:   accept,
		ready:    make(chan bool),
		log:      b.log,
	}

	go func() {
		defer close(messages)
		for {
			select {
			case <-subCtx.Done():
				return
			default:
				// Consume must be called in a loop: it returns on rebalance.
				if err := group.Consume(subCtx, topics, handler); err != nil {
					b.log.Error("kafka consumer group error", "error", err)
					return
				}
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			b.log.Error("kafka consumer error", "error", err)
		}
	}()

	select {
	case <-handler.ready:
	case <-subCtx.Done():
		cancel()
		group.Close()
		return nil, subCtx.Err()
	case <-time.After(10 * time.Second):
		cancel()
		group.Close()
		return nil, fmt.Errorf("timeout waiting for Kafka consumer to be ready")
	}

	return &kafkaSubscription{group: group, cancel: cancel, out: messages}, nil
}

// Close shuts the producer down. Open subscriptions own their consumer
// groups and are closed individually.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

type kafkaSubscription struct {
	group     sarama.ConsumerGroup
	cancel    context.CancelFunc
	out       chan Message
	closeOnce sync.Once
}

func (s *kafkaSubscription) Events() <-chan Message { return s.out }

func (s *kafkaSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.group.Close()
	})
	return err
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	messages chan<- Message
	accept   map[string]bool // nil means accept every channel
	ready    chan bool
	once     sync.Once
	log      *slog.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case kafkaMsg := <-claim.Messages():
			if kafkaMsg == nil {
				return nil
			}

			var env kafkaEnvelope
			if err := json.Unmarshal(kafkaMsg.Value, &env); err != nil {
				h.log.Warn("dropping undecodable kafka message", "error", err)
				session.MarkMessage(kafkaMsg, "")
				continue
			}

			if h.accept != nil && !h.accept[env.Channel] {
				session.MarkMessage(kafkaMsg, "")
				continue
			}

			select {
			case h.messages <- Message{Channel: env.Channel, Payload: env.Payload}:
			case <-session.Context().Done():
				return nil
			}

			session.MarkMessage(kafkaMsg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
