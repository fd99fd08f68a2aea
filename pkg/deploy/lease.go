package deploy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/state"
)

// leaseKeeper renews one run's lease. Renewals from the phase loop and from
// the background ticker are serialized because the store updates the lease
// in place.
type leaseKeeper struct {
	mu     sync.Mutex
	store  state.Store
	lease  *state.Lease
	ttl    time.Duration
	logger zerolog.Logger
}

func (k *leaseKeeper) renew(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.store.RenewLease(ctx, k.lease, k.ttl)
}

// keepAlive renews the lease every interval until the returned stop function
// is called. A renewal that fails for any reason other than a lost lease is
// logged and tried again on the next tick. stop reports ErrLeaseLost if the
// lease was taken over while the phase ran.
func (k *leaseKeeper) keepAlive(ctx context.Context, every time.Duration) (stop func() error) {
	done := make(chan struct{})
	var (
		wg   sync.WaitGroup
		lost error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := k.renew(ctx)
			if err == nil {
				k.logger.Debug().Msg("Lease renewed")
				continue
			}
			if errors.Is(err, state.ErrLeaseLost) {
				k.logger.Error().Err(err).Msg("Lease lost while phase was running")
				lost = err
				return
			}
			k.logger.Warn().Err(err).Msg("Lease renewal failed, will retry")
		}
	}()

	return func() error {
		close(done)
		wg.Wait()
		return lost
	}
}
