package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/reshard/pkg/stores"
)

func Example() {
	ctx := context.Background()

	store, err := stores.New(stores.Config{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	rec := &stores.PlanRecord{ID: "plan-1", Shard: "shard-a", Active: true, Document: []byte(`{}`)}
	etag, err := store.PutPlan(ctx, rec, nil)
	if err != nil {
		log.Fatal(err)
	}

	// Writing with a stale etag fails.
	if _, err := store.PutPlan(ctx, rec, stores.String("stale")); err != nil {
		fmt.Println("stale write rejected")
	}

	if _, err := store.PutPlan(ctx, rec, &etag); err == nil {
		fmt.Println("conditional write accepted")
	}

	// Output:
	// stale write rejected
	// conditional write accepted
}
