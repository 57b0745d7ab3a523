package otel

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/Switchyard/internal/config"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m.TaskSubmitted(ctx)
	m.RouteChosen(ctx, "direct")
	m.TaskFinished(ctx, true, "direct", "", time.Second)
	m.TaskFinished(ctx, false, "repair", "agent_error", time.Second)
	m.RepairFinished(ctx, "approved", 2, 0.01)
	m.TaskLost(ctx)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TaskSubmitted(ctx)
	m.TaskFinished(ctx, true, "direct", "", 0)
	m.RouteChosen(ctx, "help")
	m.RepairFinished(ctx, "approved", 1, 0)
	m.TaskLost(ctx)
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{ServiceName: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
