// Package blacklist checks native addresses against a provider-hosted deny
// list. Lookups are served from a cached copy refreshed at most hourly;
// concurrent refreshes collapse into one fetch.
package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pawbridge/bridge-backend/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when the provider is unreachable and no cached
// copy exists yet. Callers treat it as retryable.
var ErrUnavailable = errors.New("blacklist unavailable")

const (
	cacheTTL     = time.Hour
	fetchTimeout = 10 * time.Second

	lastGoodKey = store.KeyBlacklist + ":last-good"
)

// Entry describes one blacklisted address.
type Entry struct {
	Address string `json:"address"`
	Alias   string `json:"alias"`
	Type    string `json:"type"`
}

// Oracle is the cache-fronted HTTP blacklist client.
type Oracle struct {
	url    string
	client *http.Client
	cache  *store.Cache
	group  singleflight.Group
	logger *zap.SugaredLogger
}

func NewOracle(url string, cache *store.Cache, logger *zap.SugaredLogger) *Oracle {
	return &Oracle{
		url:    url,
		client: &http.Client{Timeout: fetchTimeout},
		cache:  cache,
		logger: logger,
	}
}

// IsBlacklisted returns the matching entry, or nil when the address is clean.
//
// A provider outage is only forgiven when a previously fetched copy exists:
// the stale list answers and the failure is logged. With no copy at all the
// error surfaces so the caller can retry rather than silently approve.
func (o *Oracle) IsBlacklisted(ctx context.Context, native string) (*Entry, error) {
	entries, err := o.entries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Address == native {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (o *Oracle) entries(ctx context.Context) ([]Entry, error) {
	var cached []Entry
	if err := o.cache.Get(ctx, store.KeyBlacklist, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, store.ErrCacheMiss) {
		return nil, err
	}

	result, err, _ := o.group.Do("blacklist-refresh", func() (interface{}, error) {
		return o.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Entry), nil
}

func (o *Oracle) refresh(ctx context.Context) ([]Entry, error) {
	entries, err := o.fetch(ctx)
	if err != nil {
		var stale []Entry
		if cacheErr := o.cache.Get(ctx, lastGoodKey, &stale); cacheErr == nil {
			o.logger.Warnw("Blacklist fetch failed; serving last good copy", "error", err)
			return stale, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := o.cache.Set(ctx, store.KeyBlacklist, entries, cacheTTL); err != nil {
		o.logger.Warnw("Blacklist cache write failed", "error", err)
	}
	if err := o.cache.Set(ctx, lastGoodKey, entries, 0); err != nil {
		o.logger.Warnw("Blacklist last-good write failed", "error", err)
	}
	return entries, nil
}

func (o *Oracle) fetch(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build blacklist request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blacklist request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("blacklist request returned %d", resp.StatusCode)
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode blacklist response: %w", err)
	}

	o.logger.Infow("Blacklist refreshed", "entries", len(entries))
	return entries, nil
}
