package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"killboard/internal/logging"
)

// StatsRefresher refreshes the killboard's TimescaleDB Continuous Aggregates
// after battles are finalized.
type StatsRefresher struct {
	pool *pgxpool.Pool
}

// NewStatsRefresher creates a new CA refresher instance.
func NewStatsRefresher(pool *pgxpool.Pool) *StatsRefresher {
	return &StatsRefresher{pool: pool}
}

// continuousAggregates lists the CAs derived from finalized battles.
var continuousAggregates = []string{
	"ca_corporation_daily_stats",
	"ca_alliance_daily_stats",
	"ca_system_daily_activity",
	"ca_region_daily_activity",
}

// RefreshForDate refreshes all Continuous Aggregates around a battle date.
// The window is [date - 1 day, date + 1 day] so the containing bucket is
// fully covered.
func (r *StatsRefresher) RefreshForDate(ctx context.Context, date time.Time) error {
	logger := logging.Logger()

	windowStart := date.Truncate(24 * time.Hour).Add(-24 * time.Hour)
	windowEnd := date.Truncate(24 * time.Hour).Add(48 * time.Hour)

	refreshed := 0
	for _, ca := range continuousAggregates {
		if err := r.refresh(ctx, ca, &windowStart, &windowEnd); err != nil {
			logger.Warnf("failed to refresh CA %s: %v", ca, err)
			continue
		}
		refreshed++
	}

	if refreshed == 0 {
		return fmt.Errorf("all CA refreshes failed")
	}
	logger.Debugf("refreshed %d/%d CAs for %s", refreshed, len(continuousAggregates), date.Format("2006-01-02"))
	return nil
}

// RefreshAll refreshes every CA with NULL bounds (full refresh). Used for
// initial loads and historical backfill.
func (r *StatsRefresher) RefreshAll(ctx context.Context) error {
	logger := logging.Logger()

	refreshed := 0
	for _, ca := range continuousAggregates {
		if err := r.refresh(ctx, ca, nil, nil); err != nil {
			logger.Warnf("failed to refresh CA %s: %v", ca, err)
			continue
		}
		refreshed++
	}

	if refreshed == 0 {
		return fmt.Errorf("all CA refreshes failed")
	}
	logger.Infof("full CA refresh completed: %d/%d succeeded", refreshed, len(continuousAggregates))
	return nil
}

func (r *StatsRefresher) refresh(ctx context.Context, caName string, start, end *time.Time) error {
	query := fmt.Sprintf("CALL refresh_continuous_aggregate('%s', NULL, NULL)", caName)
	if start != nil && end != nil {
		query = fmt.Sprintf(
			"CALL refresh_continuous_aggregate('%s', '%s'::timestamptz, '%s'::timestamptz)",
			caName, start.Format(time.RFC3339), end.Format(time.RFC3339),
		)
	}
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("refresh %s: %w", caName, err)
	}
	return nil
}
