// Package worker provides async location-fix processing. The HTTP layer
// publishes each ingested fix to the fanout and the worker drains it into
// the evaluator, keeping request latency independent of evaluation cost.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/evaluator"
)

// Worker consumes ingested location fixes from the fanout and runs them
// through the anomaly evaluator.
type Worker struct {
	hub       domain.EventFanout
	evaluator *evaluator.AnomalyEvaluator

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(hub domain.EventFanout, eval *evaluator.AnomalyEvaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		hub:       hub,
		evaluator: eval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the location-ingested topic.
func (w *Worker) Start() error {
	sub, err := w.hub.Subscribe(w.ctx, domain.TopicLocationIngested, w.handleEvent)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicLocationIngested)
	return nil
}

// handleEvent runs one delivered fix through the evaluator.
func (w *Worker) handleEvent(ctx context.Context, ev *domain.Event) error {
	if ev.Kind != domain.EventLocationFix || ev.Location == nil {
		slog.Debug("ignoring non-fix event", "kind", ev.Kind)
		return nil
	}

	start := time.Now()

	alerts, err := w.evaluator.OnLocationUpdate(ctx, ev.Location)
	if err != nil {
		slog.Error("fix evaluation failed",
			"tourist_id", ev.Location.TouristID,
			"error", err,
		)
		return err
	}

	slog.Debug("fix processed",
		"tourist_id", ev.Location.TouristID,
		"alerts", len(alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
