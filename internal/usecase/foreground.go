// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// TieBreak selects between foreground events sharing a timestamp.
type TieBreak string

const (
	TieBreakLast  TieBreak = "last"  // last scanned wins
	TieBreakFirst TieBreak = "first" // first scanned wins
)

// ForegroundOptions tunes foreground detection.
type ForegroundOptions struct {
	EventWindow    time.Duration
	FallbackWindow time.Duration
	TieBreak       TieBreak
}

// DefaultForegroundOptions returns a 10s event window and a 60s fallback window.
func DefaultForegroundOptions() ForegroundOptions {
	return ForegroundOptions{
		EventWindow:    10 * time.Second,
		FallbackWindow: 60 * time.Second,
		TieBreak:       TieBreakLast,
	}
}

// ForegroundDetector resolves the foreground package from recent usage
// events, falling back to aggregate usage stats.
type ForegroundDetector struct {
	events domain.UsageEventSource
	stats  domain.UsageStatsSource
	opts   ForegroundOptions
	now    func() time.Time
	logger *zap.Logger
}

// NewForegroundDetector creates a detector. stats may be nil to disable the fallback.
func NewForegroundDetector(
	events domain.UsageEventSource,
	stats domain.UsageStatsSource,
	opts ForegroundOptions,
	logger *zap.Logger,
) *ForegroundDetector {
	return &ForegroundDetector{
		events: events,
		stats:  stats,
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

// CurrentForegroundApp returns the package most recently brought to the
// foreground, or "" if it cannot be determined. Failures are logged, not returned.
func (d *ForegroundDetector) CurrentForegroundApp(ctx context.Context) string {
	now := d.now()

	if !d.events.Available(ctx) {
		d.logger.Debug("usage events unavailable")
		return ""
	}

	events, err := d.events.QueryEvents(ctx, now.Add(-d.opts.EventWindow), now)
	if err != nil {
		d.logQueryError("usage events", err)
		if errors.Is(err, domain.ErrPermissionDenied) {
			return ""
		}
	} else if pkg := latestForeground(events, d.opts.TieBreak); pkg != "" {
		return pkg
	}

	if d.stats == nil {
		return ""
	}
	stats, err := d.stats.QueryUsageStats(ctx, now.Add(-d.opts.FallbackWindow), now)
	if err != nil {
		d.logQueryError("usage stats", err)
		return ""
	}
	return mostRecentlyUsed(stats)
}

func (d *ForegroundDetector) logQueryError(what string, err error) {
	if errors.Is(err, domain.ErrPermissionDenied) {
		d.logger.Warn("usage access denied", zap.String("source", what))
		return
	}
	d.logger.Warn("usage query failed", zap.String("source", what), zap.Error(err))
}

func latestForeground(events []domain.UsageEvent, tie TieBreak) string {
	var pkg string
	var latest time.Time
	for _, e := range events {
		if !e.Type.IsForeground() {
			continue
		}
		switch {
		case pkg == "", e.Timestamp.After(latest):
		case e.Timestamp.Equal(latest) && tie != TieBreakFirst:
		default:
			continue
		}
		pkg = e.PackageName
		latest = e.Timestamp
	}
	return pkg
}

func mostRecentlyUsed(stats []domain.UsageStat) string {
	var pkg string
	var latest time.Time
	for _, s := range stats {
		if pkg == "" || s.LastTimeUsed.After(latest) {
			pkg = s.PackageName
			latest = s.LastTimeUsed
		}
	}
	return pkg
}

var _ domain.ForegroundReader = (*ForegroundDetector)(nil)
