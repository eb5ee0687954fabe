package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MegaGrindStone/browser-mcp/pkg/session"

type instruments struct {
	created   metric.Int64Counter
	destroyed metric.Int64Counter
	live      metric.Int64UpDownCounter
}

func newInstruments(provider metric.MeterProvider) (instruments, error) {
	meter := provider.Meter(meterName)

	created, err := meter.Int64Counter("browsermcp.sessions.created",
		metric.WithDescription("Number of sessions created or imported"))
	if err != nil {
		return instruments{}, err
	}
	destroyed, err := meter.Int64Counter("browsermcp.sessions.destroyed",
		metric.WithDescription("Number of sessions removed, by reason"))
	if err != nil {
		return instruments{}, err
	}
	live, err := meter.Int64UpDownCounter("browsermcp.sessions.live",
		metric.WithDescription("Number of sessions currently held"))
	if err != nil {
		return instruments{}, err
	}

	return instruments{created: created, destroyed: destroyed, live: live}, nil
}

func (i instruments) recordCreated() {
	i.created.Add(context.Background(), 1)
	i.live.Add(context.Background(), 1)
}

func (i instruments) recordDestroyed(reason DestroyReason) {
	i.destroyed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", string(reason))))
	i.live.Add(context.Background(), -1)
}
