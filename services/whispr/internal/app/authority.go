package app

import (
	"fmt"
	"slices"

	"whispr/pkg/domain"
)

func (a *App) IsAuthority(p domain.Principal) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isAuthorityLocked(p)
}

// EnsureAuthority registers p unless it already is an authority. It is
// run at startup for the bootstrap identity and never overwrites history.
func (a *App) EnsureAuthority(p domain.Principal) (bool, error) {
	if p.IsAnonymous() {
		return false, invalid("bootstrap authority must not be anonymous")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ok, err := a.isAuthorityLocked(p)
	if err != nil || ok {
		return false, err
	}
	if err := a.store.PutAuthority(domain.Authority{ID: p, ReportsReviewed: []uint64{}}); err != nil {
		return false, fmt.Errorf("save authority: %w", err)
	}
	a.logger.Info("authority registered", "authority", string(p), "bootstrap", true)
	return true, nil
}

func (a *App) AddAuthority(caller, target domain.Principal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return err
	}
	if target.IsAnonymous() {
		return invalid("authority principal is required")
	}
	exists, err := a.isAuthorityLocked(target)
	if err != nil {
		return err
	}
	if exists {
		return invalid("%s is already an authority", target)
	}
	if err := a.store.PutAuthority(domain.Authority{ID: target, ReportsReviewed: []uint64{}}); err != nil {
		return fmt.Errorf("save authority: %w", err)
	}
	a.logger.Info("authority registered", "authority", string(target), "by", string(caller))
	return nil
}

func (a *App) RemoveAuthority(caller, target domain.Principal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return err
	}
	if target == caller {
		return invalid("authorities cannot remove themselves")
	}
	exists, err := a.isAuthorityLocked(target)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("%s is not an authority", target)
	}
	if err := a.store.DeleteAuthority(target); err != nil {
		return fmt.Errorf("delete authority: %w", err)
	}
	a.logger.Info("authority removed", "authority", string(target), "by", string(caller))
	return nil
}

// ListAuthorities returns every authority with its approval rate
// re-derived from current report statuses.
func (a *App) ListAuthorities(caller domain.Principal) ([]domain.Authority, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return nil, err
	}
	list, err := a.store.ListAuthorities()
	if err != nil {
		return nil, fmt.Errorf("list authorities: %w", err)
	}
	for i := range list {
		rate, err := a.approvalRateLocked(list[i].ReportsReviewed)
		if err != nil {
			return nil, err
		}
		list[i].ApprovalRate = rate
	}
	return list, nil
}

func (a *App) recordReviewLocked(auth domain.Authority, reportID uint64) error {
	if !slices.Contains(auth.ReportsReviewed, reportID) {
		auth.ReportsReviewed = append(auth.ReportsReviewed, reportID)
	}
	rate, err := a.approvalRateLocked(auth.ReportsReviewed)
	if err != nil {
		return err
	}
	auth.ApprovalRate = rate
	if err := a.store.PutAuthority(auth); err != nil {
		return fmt.Errorf("save authority: %w", err)
	}
	return nil
}

// approvalRateLocked is the percentage of reviewed reports currently
// Approved, or 0 with no reviews.
func (a *App) approvalRateLocked(reviewed []uint64) (float64, error) {
	if len(reviewed) == 0 {
		return 0, nil
	}
	reports, err := a.loadReportsLocked(reviewed)
	if err != nil {
		return 0, err
	}
	approved := 0
	for _, r := range reports {
		if r.Status == domain.StatusApproved {
			approved++
		}
	}
	return float64(approved) / float64(len(reviewed)) * 100, nil
}
