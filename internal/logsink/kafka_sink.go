package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

// KafkaSink publishes records to a log topic for downstream consumers.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafka connects a franz-go client and ensures the topic exists.
func NewKafka(ctx context.Context, brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=logsink.kafka: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=logsink.kafka: %w", err)
	}
	if err := createTopicIfNotExists(ctx, client, topic); err != nil {
		slog.Warn("failed to create log topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

// Append publishes one record keyed by its subscription-agnostic log id.
func (s *KafkaSink) Append(ctx context.Context, rec domain.LogRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=logsink.kafka append id=%s: %w", rec.ID, err)
	}
	record := &kgo.Record{Topic: s.topic, Key: []byte(rec.ID), Value: payload}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=logsink.kafka append id=%s: %w", rec.ID, err)
	}
	return nil
}

// Ping reports broker reachability for readiness checks.
func (s *KafkaSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *KafkaSink) Close(_ context.Context) error {
	s.client.Close()
	return nil
}

// createTopicIfNotExists issues a CreateTopics request and tolerates
// TOPIC_ALREADY_EXISTS.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = 1
	topicReq.ReplicationFactor = 1
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range createResp.Topics {
		// 36 = TOPIC_ALREADY_EXISTS
		if tr.ErrorCode != 0 && tr.ErrorCode != 36 {
			return fmt.Errorf("create topic %s: error code %d", tr.Topic, tr.ErrorCode)
		}
	}
	return nil
}
