// Package statetest provides a behavioral test suite that every state.Store
// implementation must pass.
package statetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/state"
)

// Factory returns a fresh, empty store. Advance moves the store's notion of
// time forward; it may be nil for stores without an injectable clock, in which
// case expiry is exercised with real sleeps.
type Factory func(t *testing.T) (store state.Store, advance func(time.Duration))

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LoadMissing", func(t *testing.T) {
		store, _ := newStore(t)
		_, err := store.Load(context.Background(), state.KeyFor("team", "missing"))
		if !errors.Is(err, state.ErrNotFound) {
			t.Errorf("Load() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SaveCompareAndSwap", func(t *testing.T) {
		store, _ := newStore(t)
		ctx := context.Background()
		key := state.KeyFor("team", "app")

		st := state.New(key, descriptor.EnvironmentDev)
		st.InfrastructureState = []byte(`{"resources":{}}`)
		if err := store.Save(ctx, key, st, 0); err != nil {
			t.Fatalf("first Save() error = %v", err)
		}
		if st.Serial != 1 {
			t.Errorf("Serial after first save = %d, want 1", st.Serial)
		}

		loaded, err := store.Load(ctx, key)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if loaded.Serial != 1 || string(loaded.InfrastructureState) != `{"resources":{}}` {
			t.Errorf("Load() = %+v, want serial 1 with blob preserved", loaded)
		}

		loaded.Phase = state.PhasePhase1Planned
		if err := store.Save(ctx, key, loaded, 1); err != nil {
			t.Fatalf("second Save() error = %v", err)
		}

		// A writer still holding serial 1 must not overwrite.
		stale := st.Clone()
		stale.Phase = state.PhaseFailed
		if err := store.Save(ctx, key, stale, 1); !errors.Is(err, state.ErrStaleState) {
			t.Errorf("stale Save() error = %v, want ErrStaleState", err)
		}

		// Creating over an existing state is also stale.
		if err := store.Save(ctx, key, state.New(key, descriptor.EnvironmentDev), 0); !errors.Is(err, state.ErrStaleState) {
			t.Errorf("create-over-existing Save() error = %v, want ErrStaleState", err)
		}

		final, _ := store.Load(ctx, key)
		if final.Phase != state.PhasePhase1Planned || final.Serial != 2 {
			t.Errorf("final state = %s serial %d, want Phase1Planned serial 2", final.Phase, final.Serial)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store, _ := newStore(t)
		ctx := context.Background()
		key := state.KeyFor("team", "gone")

		st := state.New(key, descriptor.EnvironmentDev)
		if err := store.Save(ctx, key, st, 0); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if err := store.Delete(ctx, key, 0); !errors.Is(err, state.ErrStaleState) {
			t.Errorf("Delete() with wrong serial error = %v, want ErrStaleState", err)
		}
		if err := store.Delete(ctx, key, 1); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := store.Load(ctx, key); !errors.Is(err, state.ErrNotFound) {
			t.Errorf("Load() after delete error = %v, want ErrNotFound", err)
		}
	})

	t.Run("KeysArePartitioned", func(t *testing.T) {
		store, _ := newStore(t)
		ctx := context.Background()
		keys := []state.Key{state.KeyFor("alpha", "app"), state.KeyFor("beta", "app"), state.KeyFor("alpha", "other")}

		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(key state.Key) {
				defer wg.Done()
				st := state.New(key, descriptor.EnvironmentDev)
				st.Revision = string(key)
				for serial := int64(0); serial < 5; serial++ {
					if err := store.Save(ctx, key, st, serial); err != nil {
						t.Errorf("Save(%s, %d) error = %v", key, serial, err)
						return
					}
				}
			}(key)
		}
		wg.Wait()

		for _, key := range keys {
			st, err := store.Load(ctx, key)
			if err != nil {
				t.Fatalf("Load(%s) error = %v", key, err)
			}
			if st.Revision != string(key) || st.Serial != 5 {
				t.Errorf("Load(%s) = revision %q serial %d, want own revision at serial 5", key, st.Revision, st.Serial)
			}
		}
	})

	t.Run("LeaseExclusion", func(t *testing.T) {
		store, advance := newStore(t)
		ctx := context.Background()
		key := state.KeyFor("team", "leased")

		ttl := 50 * time.Millisecond
		first, err := store.AcquireLease(ctx, key, "worker-1", ttl)
		if err != nil {
			t.Fatalf("AcquireLease() error = %v", err)
		}
		if _, err := store.AcquireLease(ctx, key, "worker-2", ttl); !errors.Is(err, state.ErrLeaseBusy) {
			t.Errorf("second AcquireLease() error = %v, want ErrLeaseBusy", err)
		}

		// Other keys are unaffected.
		other, err := store.AcquireLease(ctx, state.KeyFor("team", "free"), "worker-2", ttl)
		if err != nil {
			t.Fatalf("AcquireLease(other key) error = %v", err)
		}
		_ = store.Release(ctx, other)

		if err := store.Release(ctx, first); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		second, err := store.AcquireLease(ctx, key, "worker-2", ttl)
		if err != nil {
			t.Fatalf("AcquireLease() after release error = %v", err)
		}

		// An unrenewed lease lapses and may be taken over.
		if advance != nil {
			advance(2 * ttl)
		} else {
			time.Sleep(2 * ttl)
		}
		third, err := store.AcquireLease(ctx, key, "worker-3", ttl)
		if err != nil {
			t.Fatalf("AcquireLease() after expiry error = %v", err)
		}
		if err := store.RenewLease(ctx, second, ttl); !errors.Is(err, state.ErrLeaseLost) {
			t.Errorf("RenewLease() of lost lease error = %v, want ErrLeaseLost", err)
		}
		if err := store.Release(ctx, second); err != nil {
			t.Errorf("Release() of lost lease error = %v, want nil", err)
		}
		if err := store.RenewLease(ctx, third, time.Minute); err != nil {
			t.Errorf("RenewLease() error = %v", err)
		}
		if _, err := store.AcquireLease(ctx, key, "worker-4", ttl); !errors.Is(err, state.ErrLeaseBusy) {
			t.Errorf("AcquireLease() on renewed lease error = %v, want ErrLeaseBusy", err)
		}
	})
}
