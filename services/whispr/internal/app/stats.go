package app

import (
	"fmt"
	"sort"
	"time"

	"whispr/pkg/domain"
	"whispr/pkg/index"
)

const (
	trendMonths = 12
	trendMonth  = 30 * 24 * time.Hour
)

// Stats derives the review counters from index buckets and total rewards
// from the Approved reports themselves.
func (a *App) Stats(caller domain.Principal) (domain.AuthorityStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return domain.AuthorityStats{}, err
	}
	counts := a.index.Counts()
	approved, err := a.loadReportsLocked(a.index.ByStatus(domain.StatusApproved))
	if err != nil {
		return domain.AuthorityStats{}, err
	}
	return domain.AuthorityStats{
		ReportsPending:          counts.Pending,
		ReportsUnderReview:      counts.UnderReview,
		ReportsVerified:         counts.Approved,
		ReportsRejected:         counts.Rejected,
		TotalRewardsDistributed: sumRewards(approved),
	}, nil
}

func (a *App) Analytics(caller domain.Principal) (domain.DetailedAnalytics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return domain.DetailedAnalytics{}, err
	}
	all, err := a.allReportsLocked()
	if err != nil {
		return domain.DetailedAnalytics{}, err
	}
	now := a.clock()

	// Every indexed category gets a row; the scan fills in the counts.
	byCategory := map[string]*domain.CategoryBreakdown{}
	for _, c := range a.index.Categories() {
		byCategory[c] = &domain.CategoryBreakdown{Category: c}
	}
	trend := make([]domain.MonthlyCount, trendMonths)
	for i := range trend {
		trend[i].MonthsAgo = i
	}
	var staked uint64
	for _, r := range all {
		key := index.NormalizeCategory(r.Category)
		b, ok := byCategory[key]
		if !ok {
			b = &domain.CategoryBreakdown{Category: key}
			byCategory[key] = b
		}
		b.Total++
		switch r.Status {
		case domain.StatusPending:
			b.Pending++
		case domain.StatusApproved:
			b.Approved++
		case domain.StatusRejected:
			b.Rejected++
		}
		if age := now.Sub(r.SubmittedAt); age >= 0 {
			if m := int(age / trendMonth); m < trendMonths {
				trend[m].Count++
			}
		}
		staked += r.StakeAmount
	}

	breakdown := make([]domain.CategoryBreakdown, 0, len(byCategory))
	for _, b := range byCategory {
		breakdown = append(breakdown, *b)
	}
	sort.Slice(breakdown, func(i, j int) bool { return breakdown[i].Category < breakdown[j].Category })

	out := domain.DetailedAnalytics{
		TotalReports:            uint64(len(all)),
		CategoryBreakdown:       breakdown,
		MonthlyTrend:            trend,
		TotalStaked:             staked,
		TotalRewardsDistributed: sumRewards(all),
	}
	if len(all) > 0 {
		out.AverageStake = float64(staked) / float64(len(all))
	}
	return out, nil
}

// Health is public.
func (a *App) Health() (domain.SystemHealth, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := a.index.Counts()
	auths, err := a.store.ListAuthorities()
	if err != nil {
		return domain.SystemHealth{}, fmt.Errorf("list authorities: %w", err)
	}
	return domain.SystemHealth{
		Status:         "healthy",
		TotalReports:   counts.Pending + counts.UnderReview + counts.Approved + counts.Rejected,
		PendingReports: counts.Pending,
		Authorities:    uint64(len(auths)),
		SystemTime:     a.clock(),
	}, nil
}

func sumRewards(reports []domain.Report) uint64 {
	var total uint64
	for _, r := range reports {
		if r.Status == domain.StatusApproved {
			total += r.RewardAmount
		}
	}
	return total
}
