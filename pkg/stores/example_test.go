package stores_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/registry"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/stores"
)

func ExampleOpen() {
	dir, err := os.MkdirTemp("", "shipyard")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: filepath.Join(dir, "shipyard.db")})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("healthy:", store.HealthCheck(ctx) == nil)
	// Output: healthy: true
}

// ExampleSQLiteStore_Save demonstrates compare-and-swap writes of deployment state.
func ExampleSQLiteStore_Save() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	key := state.KeyFor("demo", "demo-api")
	st := state.New(key, descriptor.EnvironmentDev)

	// Zero means "no state exists yet".
	if err := store.Save(ctx, key, st, 0); err != nil {
		log.Fatal(err)
	}
	fmt.Println("serial:", st.Serial)

	// A second writer that read nothing loses.
	err = store.Save(ctx, key, state.New(key, descriptor.EnvironmentDev), 0)
	fmt.Println("stale:", errors.Is(err, state.ErrStaleState))
	// Output:
	// serial: 1
	// stale: true
}

// ExampleSQLiteStore_AcquireLease demonstrates per-application leases.
func ExampleSQLiteStore_AcquireLease() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	key := state.KeyFor("demo", "demo-api")
	lease, err := store.AcquireLease(ctx, key, "ci-runner-1", time.Minute)
	if err != nil {
		log.Fatal(err)
	}

	_, err = store.AcquireLease(ctx, key, "ci-runner-2", time.Minute)
	fmt.Println("busy:", errors.Is(err, state.ErrLeaseBusy))

	_ = store.Release(ctx, lease)
	_, err = store.AcquireLease(ctx, key, "ci-runner-2", time.Minute)
	fmt.Println("acquired after release:", err == nil)
	// Output:
	// busy: true
	// acquired after release: true
}

// ExampleSQLiteStore_Upsert demonstrates registering an application.
func ExampleSQLiteStore_Upsert() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	entry := &registry.Entry{
		Name:   "demo-api",
		Team:   "demo",
		Path:   "apps/demo/demo-api",
		Status: registry.StatusActive,
	}
	if err := store.Upsert(ctx, entry); err != nil {
		log.Fatal(err)
	}

	active, _ := store.ListActive(ctx)
	for _, e := range active {
		fmt.Printf("%s (%s) v%d\n", e.Name, e.Team, e.Version)
	}
	// Output: demo-api (demo) v1
}
