package progress

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MegaGrindStone/browser-mcp/pkg/progress"

type outcome string

const (
	outcomeStarted   outcome = "started"
	outcomeCompleted outcome = "completed"
	outcomeFailed    outcome = "failed"
)

type instruments struct {
	operations metric.Int64Counter
}

func newInstruments(provider metric.MeterProvider) (instruments, error) {
	operations, err := provider.Meter(meterName).Int64Counter("browsermcp.progress.operations",
		metric.WithDescription("Number of tracked operations, by outcome"))
	if err != nil {
		return instruments{}, err
	}
	return instruments{operations: operations}, nil
}

func (i instruments) record(o outcome) {
	i.operations.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", string(o))))
}
