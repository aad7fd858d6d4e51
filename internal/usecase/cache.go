package usecase

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// LockedCache mirrors the persisted locked-package set in memory.
// Each emission from storage replaces the whole set; reads never block.
type LockedCache struct {
	store  domain.LockedAppStore
	set    atomic.Pointer[map[string]struct{}]
	logger *zap.Logger
}

// NewLockedCache creates an empty cache over store.
func NewLockedCache(store domain.LockedAppStore, logger *zap.Logger) *LockedCache {
	c := &LockedCache{store: store, logger: logger}
	empty := map[string]struct{}{}
	c.set.Store(&empty)
	return c
}

// Contains reports whether pkg is locked.
func (c *LockedCache) Contains(pkg string) bool {
	_, ok := (*c.set.Load())[pkg]
	return ok
}

// Len returns the number of locked packages.
func (c *LockedCache) Len() int {
	return len(*c.set.Load())
}

// Replace swaps in a new locked set.
func (c *LockedCache) Replace(apps []domain.LockedApp) {
	next := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		if app.IsLocked {
			next[app.PackageName] = struct{}{}
		}
	}
	c.set.Store(&next)
}

// Sync applies every emission until the subscription ends or ctx is done.
// It returns nil when the store closes the subscription and ctx is still live;
// callers resubscribe.
func (c *LockedCache) Sync(ctx context.Context) error {
	updates, err := c.store.ObserveLockedApps(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case apps, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			c.Replace(apps)
			c.logger.Debug("locked apps updated", zap.Int("count", len(apps)))
		}
	}
}
