package broadcast

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// secondaryTimeout bounds each remote sink call.
	secondaryTimeout = 2 * time.Second
	// secondaryBuffer is how many deltas may wait for the remote sinks.
	secondaryBuffer = 1024
)

// Fanout delivers to the primary publisher inline and queues the delta for
// every secondary sink. Run drains the queue in publish order, so a slow
// broker never holds up the caller. Only the primary's error is returned;
// secondary failures are logged.
type Fanout struct {
	primary     Publisher
	secondaries []Publisher
	queue       chan LedgerDelta
}

func NewFanout(primary Publisher, secondaries ...Publisher) *Fanout {
	f := &Fanout{primary: primary, queue: make(chan LedgerDelta, secondaryBuffer)}
	for _, s := range secondaries {
		if s != nil {
			f.secondaries = append(f.secondaries, s)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, d LedgerDelta) error {
	if err := f.primary.Publish(ctx, d); err != nil {
		return err
	}
	if len(f.secondaries) == 0 {
		return nil
	}
	select {
	case f.queue <- d:
	default:
		log.Warn().Str("kind", string(d.Kind)).Str("venue_id", d.VenueID.String()).Msg("broadcast: secondary queue full, delta not exported")
	}
	return nil
}

// Run delivers queued deltas to the secondary sinks until ctx is done.
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-f.queue:
			f.deliver(ctx, d)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, d LedgerDelta) {
	for _, s := range f.secondaries {
		sctx, cancel := context.WithTimeout(ctx, secondaryTimeout)
		if err := s.Publish(sctx, d); err != nil {
			log.Warn().Err(err).Str("kind", string(d.Kind)).Str("venue_id", d.VenueID.String()).Msg("broadcast: secondary sink failed")
		}
		cancel()
	}
}
