package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/foodorders/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "FOOD_KAFKA_BROKERS"

	headerReplayed = "x-replayed"
)

type options struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	event       string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayProducer: подмножество *kafka.Producer, нужное для переотправки.
type replayProducer interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type saramaConsumer struct {
	consumer sarama.Consumer
}

func (c saramaConsumer) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := c.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (c saramaConsumer) Close() error {
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Close()
}

// replayMessage: восстановленное уведомление, готовое к отправке в целевой топик.
type replayMessage struct {
	key     string
	value   []byte
	headers map[string]string
}

type replayer struct {
	opts     options
	client   offsetClient
	consumer partitionConsumerSource
	producer replayProducer
	logger   *log.Entry
	now      func() time.Time
}

type partitionStats struct {
	processed int
	replayed  int
	skipped   int
}

var openDependencies = func(opts options, logger *log.Entry) (offsetClient, partitionConsumerSource, replayProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "foodorders-dlq-reprocess"
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if !opts.execute {
		return client, saramaConsumer{consumer: consumer}, nil, nil
	}

	producer, err := kafka.NewProducer(opts.brokers, cfg.ClientID, logger.WithField("component", "kafka-producer"))
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, saramaConsumer{consumer: consumer}, producer, nil
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var (
		opts       options
		brokersRaw string
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetter, "dead-letter topic to scan")
	fs.StringVar(&opts.targetTopic, "target-topic", kafka.TopicOrderNotifications, "notification topic to replay into")
	fs.StringVar(&opts.event, "event", "", "replay only notifications of this event type")
	fs.IntVar(&opts.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish replayed notifications; default is dry-run")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the latest messages first (bounded by limit)")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv(envKafkaBrokers)
	}
	opts.brokers = parseBrokers(brokersRaw)
	opts.sourceTopic = strings.TrimSpace(opts.sourceTopic)
	opts.targetTopic = strings.TrimSpace(opts.targetTopic)
	opts.event = strings.TrimSpace(opts.event)

	switch {
	case len(opts.brokers) == 0:
		return options{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case opts.sourceTopic == "":
		return options{}, errors.New("source-topic is required")
	case opts.targetTopic == "":
		return options{}, errors.New("target-topic is required")
	case opts.sourceTopic == opts.targetTopic:
		return options{}, errors.New("source-topic and target-topic must differ")
	case opts.limit <= 0:
		return options{}, errors.New("limit must be > 0")
	case opts.idleTimeout <= 0:
		return options{}, errors.New("idle-timeout must be > 0")
	}
	return opts, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, args []string, getenv func(string) string, logger *log.Entry) error {
	opts, err := parseOptions(args, getenv)
	if err != nil {
		return err
	}

	client, consumer, producer, err := openDependencies(opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	r := &replayer{
		opts:     opts,
		client:   client,
		consumer: consumer,
		producer: producer,
		logger:   logger,
		now:      time.Now,
	}
	_, err = r.Run(ctx)
	return err
}

// Run обходит партиции dead-letter топика по возрастанию номера, пока не исчерпан limit.
func (r *replayer) Run(ctx context.Context) (partitionStats, error) {
	var total partitionStats
	if r.client == nil || r.consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.opts.execute && r.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	r.logger.WithFields(log.Fields{
		"source_topic": r.opts.sourceTopic,
		"target_topic": r.opts.targetTopic,
		"event":        r.opts.event,
		"limit":        r.opts.limit,
		"execute":      r.opts.execute,
	}).Info("starting dead letter replay")

	partitions, err := r.client.Partitions(r.opts.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.opts.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", r.opts.sourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		remaining := r.opts.limit - total.processed
		if remaining <= 0 {
			break
		}
		stats, err := r.replayPartition(ctx, partition, remaining)
		total.processed += stats.processed
		total.replayed += stats.replayed
		total.skipped += stats.skipped
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if r.opts.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dead letter replay finished")
	return total, nil
}

func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (partitionStats, error) {
	var stats partitionStats

	oldest, err := r.client.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.opts.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.opts.fromNewest {
		start = max(oldest, newest-int64(limit))
	}

	pc, err := r.consumer.ConsumePartition(r.opts.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.opts.idleTimeout)
			stats.processed++

			logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			replay, err := r.decode(msg.Value)
			if err != nil {
				stats.skipped++
				logger.WithError(err).Warn("skip unsupported dead letter message")
				continue
			}
			if r.opts.event != "" && replay.headers[kafka.HeaderEventType] != r.opts.event {
				stats.skipped++
				continue
			}

			if r.opts.execute {
				if err := r.producer.Send(ctx, r.opts.targetTopic, replay.key, replay.value, replay.headers); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
			} else {
				logger.WithFields(log.Fields{
					"target_topic": r.opts.targetTopic,
					"key":          replay.key,
					"event":        replay.headers[kafka.HeaderEventType],
				}).Info("dead letter replay candidate")
			}
			stats.replayed++

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// decode разворачивает конверт dead-letter топика обратно в исходное уведомление.
func (r *replayer) decode(raw []byte) (replayMessage, error) {
	var outer kafka.Envelope
	if err := json.Unmarshal(raw, &outer); err != nil {
		return replayMessage{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(outer.Payload) == 0 {
		return replayMessage{}, errors.New("envelope has no payload")
	}

	var dead outbox.DeadLetter
	if err := json.Unmarshal(outer.Payload, &dead); err != nil {
		return replayMessage{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if len(dead.Payload) == 0 || string(dead.Payload) == "null" {
		return replayMessage{}, errors.New("dead letter does not carry the original payload")
	}

	restored := kafka.Envelope{
		ID:          firstNonEmpty(dead.OutboxID, outer.ID),
		Event:       firstNonEmpty(dead.Event, outer.Event),
		OrderID:     firstNonEmpty(dead.OrderID, outer.OrderID),
		Payload:     dead.Payload,
		PublishedAt: r.now().UTC(),
	}
	if restored.Event == "" {
		return replayMessage{}, errors.New("dead letter has no event type")
	}
	body, err := json.Marshal(restored)
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayMessage{
		key:   firstNonEmpty(restored.OrderID, restored.ID),
		value: body,
		headers: map[string]string{
			kafka.HeaderEventType:   restored.Event,
			kafka.HeaderOutboxID:    restored.ID,
			kafka.HeaderAggregateID: restored.OrderID,
			headerReplayed:          "true",
		},
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, log.WithField("component", "dlq-reprocess")); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "dlq replay failed: %v\n", err)
		stop()
		os.Exit(1)
	}
}
