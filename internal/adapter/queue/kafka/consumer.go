package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/observability"
)

// Handler processes one dequeued job payload. A non-nil error keeps the
// record uncommitted for redelivery; handlers that record terminal failure
// in the job store return nil.
type Handler func(ctx context.Context, payload domain.JobPayload) error

// Consumer pulls inference jobs with read-committed isolation and fans them
// out to a fixed worker pool.
type Consumer struct {
	session *kgo.GroupTransactSession
	handler Handler
	topic   string
	groupID string
	workers int
	records chan *kgo.Record
}

// NewConsumer constructs a Consumer on the default topic.
func NewConsumer(brokers []string, groupID, transactionalID string, workers int, handler Handler) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, transactionalID, workers, TopicInference, handler)
}

// NewConsumerWithTopic constructs a Consumer on a specific topic.
func NewConsumerWithTopic(brokers []string, groupID, transactionalID string, workers int, topic string, handler Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=kafka.NewConsumer: missing group id")
	}
	if workers <= 0 {
		workers = 4
	}

	// Topic bootstrap through a short-lived plain client; the transactional
	// session cannot issue admin requests before group assignment.
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewConsumer: temp client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 8, 1); err != nil {
		slog.Warn("topic bootstrap failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	tempClient.Close()

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewConsumer: transactional session: %w", err)
	}

	return &Consumer{
		session: session,
		handler: handler,
		topic:   topic,
		groupID: groupID,
		workers: workers,
		records: make(chan *kgo.Record, workers*2),
	}, nil
}

// Start consumes until ctx is done. It blocks.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("job consumer starting",
		slog.String("topic", c.topic),
		slog.String("group_id", c.groupID),
		slog.Int("workers", c.workers))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}

	for ctx.Err() == nil {
		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					continue
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			// Transient broker trouble; back off briefly rather than spin.
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.records <- record:
			case <-ctx.Done():
			}
		})
	}

	close(c.records)
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for record := range c.records {
		if err := c.processRecord(ctx, record); err != nil {
			slog.Error("job processing failed",
				slog.Int("worker_id", id),
				slog.Int64("offset", record.Offset),
				slog.Any("error", err))
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessInferenceJob")
	defer span.End()

	var payload domain.JobPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		// Poison record; log and move on rather than redeliver forever.
		slog.Error("skipping malformed job payload",
			slog.Int64("offset", record.Offset), slog.Any("error", err))
		return nil
	}

	if payload.Request.ID != "" {
		ctx = observability.ContextWithRequestID(ctx, payload.Request.ID)
	}
	ctx = observability.ContextWithTenantID(ctx, payload.Request.TenantID)
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", payload.JobID),
		slog.String("tenant_id", payload.Request.TenantID),
		slog.String("model", payload.Request.Model),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	lg.Info("processing inference job")
	if err := c.handler(ctx, payload); err != nil {
		return fmt.Errorf("op=kafka.process: %w", err)
	}
	lg.Info("inference job processed")
	return nil
}

// Close releases the session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}
