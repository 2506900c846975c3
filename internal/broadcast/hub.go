package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// HubConfig holds the subscriber contract parameters.
type HubConfig struct {
	BufferSize        int           // per-subscriber queue; a full queue drops the subscriber
	HeartbeatInterval time.Duration // how often heartbeats are sent
	MaxMissed         int           // unacked heartbeats before a subscriber is dropped
}

func (c HubConfig) withDefaults() HubConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = 3
	}
	return c
}

// Subscription is one terminal attached to one venue. Deltas arrive on C in
// publish order. C is closed when the subscription is dropped or removed.
type Subscription struct {
	VenueID uuid.UUID
	C       <-chan LedgerDelta

	ch     chan LedgerDelta
	missed atomic.Int32
	closed bool // guarded by Hub.mu
}

// Ack tells the hub the transport delivered the last heartbeat.
func (s *Subscription) Ack() { s.missed.Store(0) }

type venueSubs struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// Hub is the in-process, venue-scoped delivery point. Publish assigns the
// venue sequence and delivers under one lock, so concurrent publishers can
// never reorder a venue's deltas.
type Hub struct {
	cfg    HubConfig
	mu     sync.Mutex
	venues map[uuid.UUID]*venueSubs
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{cfg: cfg.withDefaults(), venues: make(map[uuid.UUID]*venueSubs)}
}

func (h *Hub) venue(id uuid.UUID) *venueSubs {
	v, ok := h.venues[id]
	if !ok {
		v = &venueSubs{subs: make(map[*Subscription]struct{})}
		h.venues[id] = v
	}
	return v
}

// Subscribe attaches a new subscriber to venueID.
func (h *Hub) Subscribe(venueID uuid.UUID) *Subscription {
	ch := make(chan LedgerDelta, h.cfg.BufferSize)
	sub := &Subscription{VenueID: venueID, C: ch, ch: ch}

	h.mu.Lock()
	h.venue(venueID).subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(sub, "")
}

// drop must be called with h.mu held.
func (h *Hub) drop(sub *Subscription, reason string) {
	if sub.closed {
		return
	}
	sub.closed = true
	if v, ok := h.venues[sub.VenueID]; ok {
		delete(v.subs, sub)
	}
	close(sub.ch)
	if reason != "" {
		log.Warn().Str("venue_id", sub.VenueID.String()).Str("reason", reason).Msg("broadcast: subscriber dropped")
	}
}

// Publish assigns the next venue seq to d and delivers it to every subscriber
// of the venue. It never blocks on a slow subscriber.
func (h *Hub) Publish(_ context.Context, d LedgerDelta) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := h.venue(d.VenueID)
	v.seq++
	d.Seq = v.seq
	for sub := range v.subs {
		select {
		case sub.ch <- d:
		default:
			h.drop(sub, "buffer full")
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers of a venue.
func (h *Hub) Subscribers(venueID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.venues[venueID]; ok {
		return len(v.subs)
	}
	return 0
}

// Run sends heartbeats until ctx is cancelled. Heartbeats carry the current
// venue seq without advancing it, so a terminal can detect a gap.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", h.cfg.HeartbeatInterval).Int("max_missed", h.cfg.MaxMissed).Msg("broadcast: heartbeat started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Heartbeat runs one heartbeat round.
func (h *Hub) Heartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	for venueID, v := range h.venues {
		for sub := range v.subs {
			if int(sub.missed.Load()) >= h.cfg.MaxMissed {
				h.drop(sub, "missed heartbeats")
				continue
			}
			sub.missed.Add(1)
			select {
			case sub.ch <- LedgerDelta{Kind: KindHeartbeat, VenueID: venueID, Seq: v.seq, At: now}:
			default:
				h.drop(sub, "buffer full")
			}
		}
		if len(v.subs) == 0 && v.seq == 0 {
			delete(h.venues, venueID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.venues {
		for sub := range v.subs {
			h.drop(sub, "")
		}
	}
}
