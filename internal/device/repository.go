package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicsafe/backend/internal/cache"
)

// Cache TTLs for device lookups and derived scores.
const (
	deviceCacheTTL = time.Hour
	trustCacheTTL  = 5 * time.Minute
)

// conflictRetries caps the optimistic-write retry loop.
const conflictRetries = 3

// Repository fronts the document store with the device cache keys and the
// optimistic-write retry loop. Cache failures never fail a request; the
// store stays authoritative.
type Repository struct {
	store Store
	cache *cache.Facade
}

func NewRepository(store Store, c *cache.Facade) *Repository {
	return &Repository{store: store, cache: c}
}

func cacheKey(fingerprintID string) string      { return "device:" + fingerprintID }
func trustKey(fingerprintID string) string      { return "device:" + fingerprintID + ":trust" }
func threatKey(fingerprintID string) string     { return "device:" + fingerprintID + ":threat" }
func correlationKey(fingerprintID string) string { return "device:" + fingerprintID + ":correlation" }

// FindByFingerprint returns the device, serving from cache when possible.
func (r *Repository) FindByFingerprint(ctx context.Context, fingerprintID string) (*Device, error) {
	var cached Device
	if r.cache.GetJSON(ctx, cacheKey(fingerprintID), &cached) {
		return &cached, nil
	}

	d, err := r.store.GetDevice(ctx, fingerprintID)
	if err != nil {
		return nil, err
	}
	r.cache.SetJSON(ctx, cacheKey(fingerprintID), d, deviceCacheTTL)
	return d, nil
}

// InvalidateCache drops the four named keys plus everything under the
// device's pattern.
func (r *Repository) InvalidateCache(ctx context.Context, fingerprintID string) {
	r.cache.Delete(ctx,
		cacheKey(fingerprintID),
		trustKey(fingerprintID),
		threatKey(fingerprintID),
		correlationKey(fingerprintID),
	)
	r.cache.DeletePattern(ctx, "device:"+fingerprintID+":*")
}

// CachedTrustScore returns the trust score, recomputing and caching it for
// five minutes on a miss.
func (r *Repository) CachedTrustScore(ctx context.Context, d *Device, now time.Time) int {
	var score int
	if r.cache.GetJSON(ctx, trustKey(d.FingerprintID), &score) {
		return score
	}
	score = d.TrustScore(now)
	r.cache.SetJSON(ctx, trustKey(d.FingerprintID), score, trustCacheTTL)
	return score
}

// Create persists a brand-new device after running the save hooks.
func (r *Repository) Create(ctx context.Context, d *Device, now time.Time) error {
	d.RunSaveHooks(SaveContext{Now: now, IsNew: true})
	if err := r.store.SaveDevice(ctx, d); err != nil {
		return fmt.Errorf("create device %s: %w", d.FingerprintID, err)
	}
	r.InvalidateCache(ctx, d.FingerprintID)
	return nil
}

// Update applies mutate under the optimistic-write loop: fetch, mutate, run
// hooks, save; on a revision conflict re-fetch and retry up to three times.
func (r *Repository) Update(ctx context.Context, fingerprintID string, profilesModified bool, mutate func(*Device) error) (*Device, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		d, err := r.store.GetDevice(ctx, fingerprintID)
		if err != nil {
			return nil, err
		}
		if err := mutate(d); err != nil {
			return nil, err
		}
		d.RunSaveHooks(SaveContext{Now: time.Now(), ProfilesModified: profilesModified})

		err = r.store.SaveDevice(ctx, d)
		if err == nil {
			r.InvalidateCache(ctx, fingerprintID)
			return d, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("save device %s: %w", fingerprintID, err)
		}
		lastErr = err
		slog.Debug("device: revision conflict, retrying", "fingerprint", fingerprintID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("save device %s: retries exhausted: %w", fingerprintID, lastErr)
}

// Store exposes the underlying document store for read-side collaborators.
func (r *Repository) Store() Store { return r.store }
