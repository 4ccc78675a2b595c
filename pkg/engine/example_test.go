package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/stores"
)

// Example shows a two-phase plan running to completion against an
// in-memory store.
func Example() {
	ctx := context.Background()

	registry, err := engine.NewRegistry(
		[]string{"check_plan", "copy_data"},
		map[string]engine.Phase{
			"check_plan": func(ctl *engine.Control) { ctl.Finish() },
			"copy_data": func(ctl *engine.Control) {
				if ctl.Pausing(nil) {
					return
				}
				if err := ctl.PropPut("copied", ctl.Tunable("batch_size", 100)); err != nil {
					ctl.Hold(err)
					return
				}
				ctl.Finish()
			},
		},
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	ex, err := engine.NewExecutor(engine.Options{
		Store:    stores.NewMemoryStore(),
		Registry: registry,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	_ = ex.Start()
	defer func() { _ = ex.Stop(ctx) }()

	plan, err := ex.CreatePlan(ctx, engine.CreateOptions{
		Shard:      "1.moray",
		SplitCount: 2,
		ServerList: []string{"8d5e6a32-7a9b-4c59-9d6e-0c3b1b2c4d5e"},
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	for i := 0; i < 500; i++ {
		v, err := ex.GetPlan(ctx, plan.ID)
		if err == nil && v.Completed && !v.Running {
			fmt.Println(v.PhaseName(), v.Props["copied"])
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Println("timed out")

	// Output:
	// copy_data 100
}
