package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

var _ events.DomainEventPublisher = (*RetryingPublisher)(nil)

// RetryPolicy bounds retries of critical events.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy retries for up to thirty seconds.
var DefaultRetryPolicy = RetryPolicy{InitialInterval: 200 * time.Millisecond, MaxElapsedTime: 30 * time.Second}

// RetryingPublisher retries critical events with exponential backoff and
// publishes everything else once.
type RetryingPublisher struct {
	next   events.DomainEventPublisher
	policy RetryPolicy

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRetryingPublisher wraps next.
func NewRetryingPublisher(next events.DomainEventPublisher, policy RetryPolicy, log *logger.Logger, tracer trace.Tracer) *RetryingPublisher {
	return &RetryingPublisher{
		next:   next,
		policy: policy,
		logger: log.With("component", "retrying_publisher"),
		tracer: tracer,
	}
}

func (p *RetryingPublisher) PublishDomainEvent(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	if !IsCriticalEvent(evt) {
		return p.next.PublishDomainEvent(ctx, evt, opts...)
	}

	ctx, span := p.tracer.Start(ctx, "retrying_publisher.publish_critical",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("event_id", evt.ID.String()),
		))
	defer span.End()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.policy.InitialInterval
	expBackoff.MaxElapsedTime = p.policy.MaxElapsedTime

	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := p.next.PublishDomainEvent(ctx, evt, opts...)
		if err != nil {
			p.logger.Warn(ctx, "Critical event publication failed, will retry",
				"event_type", evt.Type, "event_id", evt.ID, "attempt", attempts, "err", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "critical event not published")
		return fmt.Errorf("publishing %s after %d attempts: %w", evt.Type, attempts, err)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	return nil
}
