package repository

import (
	"context"
	"encoding/json"
	"time"

	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const productCacheTTL = 5 * time.Minute

// cachedProductRepo is a Redis read-through cache in front of the catalog.
// Cache errors are never fatal: every miss or Redis failure falls back to the DB.
type cachedProductRepo struct {
	next ProductRepository
	rdb  *redis.Client
}

// NewCachedProductRepository wraps next with a Redis cache. A nil client
// returns next unchanged.
func NewCachedProductRepository(next ProductRepository, rdb *redis.Client) ProductRepository {
	if rdb == nil {
		return next
	}
	return &cachedProductRepo{next: next, rdb: rdb}
}

func productCacheKey(id uuid.UUID) string { return "product:" + id.String() }

func (r *cachedProductRepo) Create(ctx context.Context, p *model.Product) error {
	if err := r.next.Create(ctx, p); err != nil {
		return err
	}
	r.rdb.Del(ctx, productCacheKey(p.ID))
	return nil
}

func (r *cachedProductRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	if cached, err := r.rdb.Get(ctx, productCacheKey(id)).Bytes(); err == nil {
		var p model.Product
		if jsonErr := json.Unmarshal(cached, &p); jsonErr == nil {
			return &p, nil
		}
	}

	p, err := r.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(p)
	return p, nil
}

func (r *cachedProductRepo) FindByBarcode(ctx context.Context, barcode string) (*model.Product, error) {
	return r.next.FindByBarcode(ctx, barcode)
}

func (r *cachedProductRepo) FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Product, error) {
	out := make(map[uuid.UUID]*model.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = productCacheKey(id)
	}
	var missing []uuid.UUID
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		missing = ids
	} else {
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				missing = append(missing, ids[i])
				continue
			}
			var p model.Product
			if jsonErr := json.Unmarshal([]byte(s), &p); jsonErr != nil {
				missing = append(missing, ids[i])
				continue
			}
			out[ids[i]] = &p
		}
	}

	if len(missing) == 0 {
		return out, nil
	}
	found, err := r.next.FindByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, p := range found {
		out[id] = p
		r.store(p)
	}
	return out, nil
}

func (r *cachedProductRepo) ListByVenue(ctx context.Context, venueID uuid.UUID) ([]model.Product, error) {
	return r.next.ListByVenue(ctx, venueID)
}

// store populates the cache, best effort.
func (r *cachedProductRepo) store(p *model.Product) {
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.rdb.Set(context.Background(), productCacheKey(p.ID), b, productCacheTTL).Err(); err != nil {
		log.Debug().Err(err).Str("product_id", p.ID.String()).Msg("product cache: set failed")
	}
}
