package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"whispr/pkg/domain"
	"whispr/pkg/index"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetReport returns a report to its submitter or to any authority.
func (a *App) GetReport(caller domain.Principal, id uint64) (domain.Report, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Report{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.loadReportLocked(id)
	if err != nil {
		return domain.Report{}, err
	}
	if err := a.canReadReportLocked(caller, r); err != nil {
		return domain.Report{}, err
	}
	return r, nil
}

// ListReports returns every report in id order.
func (a *App) ListReports(caller domain.Principal) ([]domain.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return nil, err
	}
	return a.allReportsLocked()
}

func (a *App) ReportsByStatus(caller domain.Principal, status domain.ReportStatus) ([]domain.Report, error) {
	if !status.Valid() {
		return nil, invalid("unknown status %q", status)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return nil, err
	}
	return a.loadReportsLocked(a.index.ByStatus(status))
}

func (a *App) ReportsByCategory(caller domain.Principal, category string) ([]domain.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return nil, err
	}
	return a.loadReportsLocked(a.index.ByCategory(category))
}

// ReportsByDateRange filters on submission time, inclusive at both ends.
func (a *App) ReportsByDateRange(caller domain.Principal, from, to time.Time) ([]domain.Report, error) {
	if to.Before(from) {
		return nil, invalid("range end precedes start")
	}
	return a.Search(caller, SearchFilter{From: &from, To: &to})
}

// UserReports lists the caller's own reports from a full table scan.
func (a *App) UserReports(caller domain.Principal) ([]domain.Report, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	all, err := a.allReportsLocked()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Report, 0)
	for _, r := range all {
		if r.Submitter == caller {
			out = append(out, r)
		}
	}
	return out, nil
}

type Page struct {
	Reports []domain.Report `json:"reports"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Size    int             `json:"size"`
}

// ReportsPage returns one page of reports, newest submission first. Pages
// start at 0.
func (a *App) ReportsPage(caller domain.Principal, page, size int) (Page, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return Page{}, err
	}
	all, err := a.allReportsLocked()
	if err != nil {
		return Page{}, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].SubmittedAt.After(all[j].SubmittedAt)
	})
	res := Page{Reports: []domain.Report{}, Total: len(all), Page: page, Size: size}
	start := page * size
	if start >= len(all) {
		return res, nil
	}
	end := min(start+size, len(all))
	res.Reports = all[start:end]
	return res, nil
}

// SearchFilter fields are optional; zero values match everything.
type SearchFilter struct {
	Keyword  string
	Category string
	Status   domain.ReportStatus
	From     *time.Time
	To       *time.Time
	MinStake *uint64
	MaxStake *uint64
}

// Search narrows candidates with the smaller of the status and category
// buckets, falling back to a full scan, then applies every filter.
func (a *App) Search(caller domain.Principal, f SearchFilter) ([]domain.Report, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("unknown status %q", f.Status)
	}
	f.Keyword = strings.ToLower(strings.TrimSpace(f.Keyword))
	f.Category = index.NormalizeCategory(f.Category)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return nil, err
	}

	var candidates []domain.Report
	var err error
	switch {
	case f.Status != "" && f.Category != "":
		if a.index.StatusSize(f.Status) <= a.index.CategorySize(f.Category) {
			candidates, err = a.loadReportsLocked(a.index.ByStatus(f.Status))
		} else {
			candidates, err = a.loadReportsLocked(a.index.ByCategory(f.Category))
		}
	case f.Status != "":
		candidates, err = a.loadReportsLocked(a.index.ByStatus(f.Status))
	case f.Category != "":
		candidates, err = a.loadReportsLocked(a.index.ByCategory(f.Category))
	default:
		candidates, err = a.allReportsLocked()
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Report, 0, len(candidates))
	for _, r := range candidates {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f SearchFilter) matches(r domain.Report) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Category != "" && index.NormalizeCategory(r.Category) != f.Category {
		return false
	}
	if f.Keyword != "" &&
		!strings.Contains(strings.ToLower(r.Title), f.Keyword) &&
		!strings.Contains(strings.ToLower(r.Description), f.Keyword) {
		return false
	}
	if f.From != nil && r.SubmittedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.SubmittedAt.After(*f.To) {
		return false
	}
	if f.MinStake != nil && r.StakeAmount < *f.MinStake {
		return false
	}
	if f.MaxStake != nil && r.StakeAmount > *f.MaxStake {
		return false
	}
	return true
}

func (a *App) allReportsLocked() ([]domain.Report, error) {
	all, err := a.store.ListReports()
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return all, nil
}
