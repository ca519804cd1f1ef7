package broadcast

import (
	"context"
	"log"

	"soundgate/internal/gateway"
	"soundgate/internal/metrics"
	"soundgate/pkg/protocol"
)

// DeliveryReport is the per-device outcome of one fan-out.
type DeliveryReport = gateway.DeliveryReport

// Dispatcher fans a named event out to a set of device identities through the
// connection registry. Delivery is best-effort: callers that need stronger
// guarantees inspect the returned report; the dispatcher itself never fails a
// broadcast because one participant is slow or gone.
type Dispatcher struct {
	registry *gateway.Registry
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *gateway.Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: m}
}

// Broadcast sends {type: "event", event, data} to every connection of every
// listed device. An empty target list is a logged no-op, not an error.
// Re-sending the same event with unchanged data is safe for receivers, so
// callers may retry.
func (d *Dispatcher) Broadcast(ctx context.Context, deviceIDs []string, event string, data map[string]any) DeliveryReport {
	if len(deviceIDs) == 0 {
		log.Printf("broadcast: no targets for event=%s", event)
		return DeliveryReport{PerDevice: map[string]int{}}
	}
	if err := ctx.Err(); err != nil {
		log.Printf("broadcast: context cancelled for event=%s: %v", event, err)
		return DeliveryReport{PerDevice: map[string]int{}}
	}

	if d.metrics != nil {
		d.metrics.BroadcastsTotal.Inc()
	}

	report := d.registry.SendToDevices(deviceIDs, protocol.NewEvent(event, data))
	if report.Failed > 0 {
		log.Printf("broadcast: event=%s devices=%d delivered=%d failed=%d",
			event, len(deviceIDs), report.Delivered, report.Failed)
	}
	return report
}
