package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []LedgerDelta {
	var out []LedgerDelta
	for {
		select {
		case d, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, d)
		default:
			return out
		}
	}
}

func closed(sub *Subscription) bool {
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

func TestHub_DeliversInPublishOrderWithVenueSeq(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 16})
	venue := uuid.New()
	a, b := hub.Subscribe(venue), hub.Subscribe(venue)

	for _, k := range []Kind{KindStockMovement, KindTabMovement, KindSaleCommitted} {
		require.NoError(t, hub.Publish(context.Background(), LedgerDelta{Kind: k, VenueID: venue}))
	}

	for _, sub := range []*Subscription{a, b} {
		got := drain(sub)
		require.Len(t, got, 3)
		for i, d := range got {
			assert.Equal(t, uint64(i+1), d.Seq)
		}
		assert.Equal(t, KindSaleCommitted, got[2].Kind)
	}
}

func TestHub_VenuesAreIsolated(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 4})
	v1, v2 := uuid.New(), uuid.New()
	s1, s2 := hub.Subscribe(v1), hub.Subscribe(v2)

	_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: v1})
	_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: v1})
	_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: v2})

	assert.Len(t, drain(s1), 2)
	got := drain(s2)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq, "each venue has its own sequence")
}

func TestHub_ConcurrentPublishersKeepSeqOrder(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 512})
	venue := uuid.New()
	sub := hub.Subscribe(venue)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: venue})
			}
		}()
	}
	wg.Wait()

	got := drain(sub)
	require.Len(t, got, 400)
	for i, d := range got {
		assert.Equal(t, uint64(i+1), d.Seq)
	}
}

func TestHub_FullBufferDropsSubscriber(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 2})
	venue := uuid.New()
	slow := hub.Subscribe(venue)
	fast := hub.Subscribe(venue)

	for i := 0; i < 3; i++ {
		_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: venue})
		drain(fast)
	}

	assert.Len(t, drain(slow), 2)
	assert.True(t, closed(slow))
	assert.False(t, closed(fast))
	assert.Equal(t, 1, hub.Subscribers(venue))
}

func TestHub_UnackedHeartbeatsDropSubscriber(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 8, MaxMissed: 2})
	venue := uuid.New()
	silent := hub.Subscribe(venue)
	live := hub.Subscribe(venue)

	for i := 0; i < 3; i++ {
		hub.Heartbeat()
		for _, d := range drain(live) {
			assert.Equal(t, KindHeartbeat, d.Kind)
			live.Ack()
		}
	}

	assert.True(t, closed(silent))
	assert.False(t, closed(live))
	assert.Equal(t, 1, hub.Subscribers(venue))
}

func TestHub_HeartbeatCarriesCurrentSeq(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 8})
	venue := uuid.New()
	sub := hub.Subscribe(venue)
	_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: venue})
	_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: venue})

	hub.Heartbeat()

	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, KindHeartbeat, got[2].Kind)
	assert.Equal(t, uint64(2), got[2].Seq)

	_ = hub.Publish(context.Background(), LedgerDelta{Kind: KindStockMovement, VenueID: venue})
	assert.Equal(t, uint64(3), drain(sub)[0].Seq, "heartbeats do not advance the sequence")
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(HubConfig{})
	sub := hub.Subscribe(uuid.New())

	hub.Unsubscribe(sub)
	assert.NotPanics(t, func() { hub.Unsubscribe(sub) })
	assert.True(t, closed(sub))
}

func TestHub_RunClosesSubscribersOnShutdown(t *testing.T) {
	hub := NewHub(HubConfig{HeartbeatInterval: time.Hour})
	sub := hub.Subscribe(uuid.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.True(t, closed(sub))
}

// ── Fanout ────────────────────────────────────────────────────────────────────

type stubPublisher struct {
	mu  sync.Mutex
	err error
	got []LedgerDelta
}

func (p *stubPublisher) Publish(_ context.Context, d LedgerDelta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, d)
	return p.err
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

// blockingPublisher holds every call until release is closed.
type blockingPublisher struct {
	stubPublisher
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, d LedgerDelta) error {
	<-p.release
	return p.stubPublisher.Publish(ctx, d)
}

func TestFanout_SecondaryFailureDoesNotFailPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	primary := &stubPublisher{}
	broken := &stubPublisher{err: errors.New("broker down")}
	healthy := &stubPublisher{}
	f := NewFanout(primary, broken, nil, healthy)
	go f.Run(ctx)

	err := f.Publish(ctx, LedgerDelta{Kind: KindSaleCommitted, VenueID: uuid.New()})

	require.NoError(t, err)
	assert.Equal(t, 1, primary.count())
	require.Eventually(t, func() bool { return broken.count() == 1 && healthy.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFanout_PrimaryFailureStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	primary := &stubPublisher{err: errors.New("closed")}
	secondary := &stubPublisher{}
	f := NewFanout(primary, secondary)
	go f.Run(ctx)

	err := f.Publish(ctx, LedgerDelta{Kind: KindSaleCommitted, VenueID: uuid.New()})

	assert.Error(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, secondary.count())
}

func TestFanout_SlowSecondaryDoesNotBlockPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	primary := &stubPublisher{}
	slow := &blockingPublisher{release: make(chan struct{})}
	f := NewFanout(primary, slow)
	go f.Run(ctx)

	venue := uuid.New()
	done := make(chan struct{})
	go func() {
		for _, kind := range []Kind{KindStockMovement, KindTabMovement, KindSaleCommitted} {
			_ = f.Publish(ctx, LedgerDelta{Kind: kind, VenueID: venue})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish waited on the secondary sink")
	}
	assert.Equal(t, 3, primary.count())

	close(slow.release)
	require.Eventually(t, func() bool { return slow.count() == 3 }, time.Second, 5*time.Millisecond)
	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.Equal(t, []Kind{KindStockMovement, KindTabMovement, KindSaleCommitted},
		[]Kind{slow.got[0].Kind, slow.got[1].Kind, slow.got[2].Kind})
}

// ── Redis relay ───────────────────────────────────────────────────────────────

func TestRedisRelay_DeliversRemoteDeltasOnly(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 4})
	venue := uuid.New()
	sub := hub.Subscribe(venue)
	relay := &RedisRelay{hub: hub, origin: "replica-a"}

	message := func(origin string, channelVenue uuid.UUID) *redis.Message {
		body, err := json.Marshal(LedgerDelta{Kind: KindTabMovement, VenueID: venue, Seq: 41, Origin: origin})
		require.NoError(t, err)
		return &redis.Message{Channel: VenueChannel(channelVenue), Payload: string(body)}
	}

	relay.deliver(context.Background(), message("replica-a", venue))
	relay.deliver(context.Background(), message("replica-b", uuid.New()))
	relay.deliver(context.Background(), &redis.Message{Channel: VenueChannel(venue), Payload: "{"})
	relay.deliver(context.Background(), message("replica-b", venue))

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, KindTabMovement, got[0].Kind)
	assert.Equal(t, uint64(1), got[0].Seq, "the local hub assigns its own sequence")
}

// ── Deltas ────────────────────────────────────────────────────────────────────

func TestDeltaConstructors(t *testing.T) {
	venue := uuid.New()
	seq := int64(7)
	sale := &model.Sale{ID: uuid.New(), VenueID: venue, CashSessionID: uuid.New(), Total: decimal.RequireFromString("12.50"), CommitSeq: &seq}

	committed := SaleCommittedDelta(sale)
	assert.Equal(t, KindSaleCommitted, committed.Kind)
	assert.Equal(t, venue, committed.VenueID)
	var p SalePayload
	require.NoError(t, json.Unmarshal(committed.Payload, &p))
	assert.Equal(t, sale.ID, p.SaleID)
	assert.Equal(t, int64(7), p.CommitSeq)
	assert.True(t, p.Total.Equal(sale.Total))

	voided := SaleVoidedDelta(sale, "wrong table")
	require.NoError(t, json.Unmarshal(voided.Payload, &p))
	assert.Equal(t, KindSaleVoided, voided.Kind)
	assert.Equal(t, "wrong table", p.Reason)

	open := SessionDelta(&model.CashSession{ID: uuid.New(), VenueID: venue, Status: model.SessionOpen})
	shut := SessionDelta(&model.CashSession{ID: uuid.New(), VenueID: venue, Status: model.SessionClosed})
	assert.Equal(t, KindSessionOpened, open.Kind)
	assert.Equal(t, KindSessionClosed, shut.Kind)

	tab := TabDelta(&model.TabMovement{TabID: uuid.New(), VenueID: venue, Delta: decimal.NewFromInt(-3), ResultingBalance: decimal.NewFromInt(7)})
	var tp TabPayload
	require.NoError(t, json.Unmarshal(tab.Payload, &tp))
	assert.True(t, tp.ResultingBalance.Equal(decimal.NewFromInt(7)))
}
