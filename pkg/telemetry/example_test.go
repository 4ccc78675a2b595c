package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/reshard/pkg/telemetry"
)

// Example_events demonstrates subscribing to plan lifecycle events.
func Example_events() {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:     true,
		BufferSize:  16,
		EnableAsync: false,
	})
	if err != nil {
		panic(err)
	}
	defer publisher.Shutdown(context.Background())

	publisher.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.PlanID, e.Phase)
	}, telemetry.FilterByType(telemetry.EventTypePlanHeld))

	_ = publisher.PublishPhaseStarted("plan-1", "check_shard")
	_ = publisher.PublishPlanHeld("plan-1", "check_shard", "shard missing")

	// Output:
	// plan.held plan-1 check_shard
}
