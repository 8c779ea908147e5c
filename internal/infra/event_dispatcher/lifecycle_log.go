package eventdispatcher

import (
	"context"
	"sort"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// RegisterLifecycleLog registers a handler for every lifecycle event type
// that writes the event to log. It gives deployments without a broker a
// record of scan outcomes.
func RegisterLifecycleLog(ctx context.Context, d *Dispatcher, log *logger.Logger) error {
	log = log.With("component", "lifecycle_log")
	handler := func(ctx context.Context, evt events.DomainEvent) error {
		log.Info(ctx, "Lifecycle event", eventArgs(evt)...)
		return nil
	}

	for _, t := range []events.EventType{
		events.EventTypeScanStatusChanged,
		events.EventTypeScannerJobFinished,
		events.EventTypeScanAdminAllowed,
	} {
		if err := d.RegisterHandler(ctx, t, handler); err != nil {
			return err
		}
	}
	return nil
}

func eventArgs(evt events.DomainEvent) []any {
	args := []any{"event_type", evt.Type, "event_id", evt.ID.String(), "key", evt.Key}
	if evt.Payload == nil {
		return args
	}

	fields := evt.Payload.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}
