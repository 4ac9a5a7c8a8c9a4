package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sqlagent/sqlagent/internal/catalog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	statsWindow         = 30 * 24 * time.Hour
)

type Stats struct {
	MonthlyQueries         int64
	TotalQueries           int64
	SuccessRate            float64
	AverageDurationSeconds float64
	Daily                  []DayStats
}

type DayStats struct {
	Day                    time.Time
	Total                  int64
	Succeeded              int64
	Failed                 int64
	SuccessRate            float64
	AverageDurationSeconds float64
}

// History returns the caller's attempts newest first.
func (s *Service) History(ctx context.Context, callerID int64, limit int) ([]catalog.Attempt, error) {
	if s.history == nil {
		return nil, fmt.Errorf("history reader is not configured")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	attempts, err := s.history.ListAttempts(ctx, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts for caller %d: %w", callerID, err)
	}
	return attempts, nil
}

// Stats summarizes usage over a trailing 30-day window. SuccessRate is a
// percentage over all recorded attempts.
func (s *Service) Stats(ctx context.Context, callerID int64) (Stats, error) {
	if s.history == nil {
		return Stats{}, fmt.Errorf("history reader is not configured")
	}
	totals, err := s.history.AttemptTotals(ctx, callerID)
	if err != nil {
		return Stats{}, fmt.Errorf("attempt totals for caller %d: %w", callerID, err)
	}
	days, err := s.history.DailyUsage(ctx, callerID, s.now().UTC().Add(-statsWindow))
	if err != nil {
		return Stats{}, fmt.Errorf("daily usage for caller %d: %w", callerID, err)
	}

	stats := Stats{
		TotalQueries: totals.Total,
		SuccessRate:  percent(totals.Succeeded, totals.Total),
		Daily:        make([]DayStats, 0, len(days)),
	}
	var windowDuration time.Duration
	for _, day := range days {
		stats.MonthlyQueries += day.Total
		windowDuration += day.TotalDuration
		stats.Daily = append(stats.Daily, DayStats{
			Day:                    day.Day,
			Total:                  day.Total,
			Succeeded:              day.Succeeded,
			Failed:                 day.Failed,
			SuccessRate:            percent(day.Succeeded, day.Total),
			AverageDurationSeconds: averageSeconds(day.TotalDuration, day.Total),
		})
	}
	stats.AverageDurationSeconds = averageSeconds(windowDuration, stats.MonthlyQueries)
	return stats, nil
}

func percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func averageSeconds(total time.Duration, count int64) float64 {
	if count <= 0 {
		return 0
	}
	return total.Seconds() / float64(count)
}
