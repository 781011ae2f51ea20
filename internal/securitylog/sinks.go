package securitylog

import (
	"context"
	"fmt"

	"security-monitor/internal/models"
)

type eventPublisher interface {
	PublishEvent(ctx context.Context, event *models.SecurityEvent) error
}

type eventInserter interface {
	InsertEvents(ctx context.Context, events []*models.SecurityEvent) error
}

// KafkaSink forwards each event to the events topic.
type KafkaSink struct {
	publisher eventPublisher
}

func NewKafkaSink(p eventPublisher) *KafkaSink {
	return &KafkaSink{publisher: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, events []*models.SecurityEvent) error {
	failed := 0
	var lastErr error
	for _, ev := range events {
		if err := s.publisher.PublishEvent(ctx, ev); err != nil {
			failed++
			lastErr = err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events not published: %w", failed, len(events), lastErr)
	}
	return nil
}

// ClickHouseSink batch-inserts events for long-range queries.
type ClickHouseSink struct {
	inserter eventInserter
}

func NewClickHouseSink(i eventInserter) *ClickHouseSink {
	return &ClickHouseSink{inserter: i}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Publish(ctx context.Context, events []*models.SecurityEvent) error {
	return s.inserter.InsertEvents(ctx, events)
}
