// Package ingest turns inbound rule-engine events into queue entries.
package ingest

import (
	"context"
	"log/slog"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/priority"
	"github.com/bissquit/alarm-relay/internal/queue"
	"github.com/bissquit/alarm-relay/internal/tenant"
)

// Result describes an enqueued event.
type Result struct {
	QueueID        string          `json:"queueId"`
	Priority       domain.Priority `json:"priority"`
	PrioritySource priority.Source `json:"prioritySource"`
}

// Service runs the ingestion pipeline: normalize, resolve, enqueue.
type Service struct {
	queue    *queue.Queue
	resolver *priority.Resolver
	configs  tenant.Provider
	logger   *slog.Logger
}

// NewService creates an ingestion service.
func NewService(q *queue.Queue, resolver *priority.Resolver, configs tenant.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		queue:    q,
		resolver: resolver,
		configs:  configs,
		logger:   logger,
	}
}

// Ingest enqueues one event. Only storage errors fail ingestion.
func (s *Service) Ingest(ctx context.Context, raw domain.RawEvent, ectx domain.EventContext) (*Result, error) {
	entry := s.queue.Normalize(raw, ectx)

	res := s.resolver.Resolve(ctx, entry.CustomerID, entry.DeviceID, entry.DeviceProfile)
	entry.Priority = res.Priority

	// Resolver already logged config errors; entries keep the default here.
	if cfg, err := s.configs.Get(ctx, entry.CustomerID); err == nil && cfg != nil {
		entry.MaxRetries = cfg.RateControl.Resolve(domain.RateControl{MaxRetries: entry.MaxRetries}).MaxRetries
	}

	id, err := s.queue.Enqueue(ctx, entry)
	if err != nil {
		return nil, err
	}

	return &Result{
		QueueID:        id,
		Priority:       res.Priority,
		PrioritySource: res.Source,
	}, nil
}
