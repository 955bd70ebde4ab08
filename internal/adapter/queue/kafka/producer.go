// Package kafka provides the job queue: the server enqueues inference jobs,
// the worker consumes them with read-committed, exactly-once semantics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// TopicInference is the topic carrying queued inference jobs.
const TopicInference = "inference-jobs"

// Producer implements domain.JobQueue over a transactional Kafka producer.
type Producer struct {
	client *kgo.Client
	topic  string
	// txLock serializes transactions; franz-go allows one per client.
	txLock chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics and ensures
// the topic exists.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	return NewProducerWithTopic(brokers, transactionalID, TopicInference)
}

// NewProducerWithTopic constructs a Producer against a specific topic. Tests
// use unique topics for isolation.
func NewProducerWithTopic(brokers []string, transactionalID, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewProducer: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 8, 1); err != nil {
		slog.Warn("topic bootstrap failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{
		client: client,
		topic:  topic,
		txLock: make(chan struct{}, 1),
	}, nil
}

// EnqueueInference publishes one job payload, keyed by job id so the
// per-job ordering holds across partitions.
func (p *Producer) EnqueueInference(ctx domain.Context, payload domain.JobPayload) error {
	select {
	case p.txLock <- struct{}{}:
		defer func() { <-p.txLock }()
	case <-ctx.Done():
		return ctx.Err()
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=kafka.enqueue: marshal: %w", err)
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=kafka.enqueue: begin transaction: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(payload.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(payload.JobID)},
			{Key: "tenant_id", Value: []byte(payload.Request.TenantID)},
		},
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=kafka.enqueue: produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=kafka.enqueue: commit transaction: %w", err)
	}

	slog.Info("inference job enqueued",
		slog.String("job_id", payload.JobID),
		slog.String("tenant_id", payload.Request.TenantID),
		slog.String("topic", p.topic))
	return nil
}

// Client exposes the underlying kgo client for readiness probes.
func (p *Producer) Client() *kgo.Client { return p.client }

// Close releases the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
