package app

import (
	"context"
	"fmt"
	"strings"

	"whispr/pkg/archive"
	"whispr/pkg/domain"
	"whispr/pkg/events"
	"whispr/pkg/store"
)

// Reward computes the settlement for an approved report:
// stake * (10 + quality + stakeBonus).
func Reward(stake uint64, evidenceCount uint32) (reward, quality, stakeBonus uint64) {
	if evidenceCount >= 3 {
		quality = 2
	}
	switch {
	case stake >= 50:
		stakeBonus = 3
	case stake >= 20:
		stakeBonus = 1
	}
	return stake * (10 + quality + stakeBonus), quality, stakeBonus
}

// Submit escrows the stake and files a Pending report.
func (a *App) Submit(ctx context.Context, caller domain.Principal, in SubmitInput) (uint64, error) {
	report, err := a.submit(caller, in)
	if err != nil {
		return 0, err
	}
	a.afterCommit(ctx,
		&archive.Task{Kind: archive.TaskReport, ReportID: report.ID},
		&events.Event{
			Type:          events.ReportSubmitted,
			ReportID:      report.ID,
			Status:        string(report.Status),
			PrincipalHash: archive.HashPrincipal(caller),
			Amount:        report.StakeAmount,
		},
	)
	return report.ID, nil
}

func (a *App) submit(caller domain.Principal, in SubmitInput) (domain.Report, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Report{}, err
	}
	in, err := in.normalize()
	if err != nil {
		return domain.Report{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	user, _, err := a.userOrSeedLocked(caller)
	if err != nil {
		return domain.Report{}, err
	}
	if user.TokenBalance < in.StakeAmount {
		return domain.Report{}, insufficient(user.TokenBalance, in.StakeAmount)
	}
	if n := a.index.CountSubmitterWithStatus(caller, domain.StatusPending); n >= maxPendingPerUser {
		return domain.Report{}, invalid("at most %d pending reports per user", maxPendingPerUser)
	}

	var report domain.Report
	err = a.atomicLocked(func() error {
		id, err := a.store.NextID(store.CounterReports)
		if err != nil {
			return fmt.Errorf("allocate report id: %w", err)
		}
		report = domain.Report{
			ID:            id,
			Title:         in.Title,
			Description:   in.Description,
			Category:      in.Category,
			SubmittedAt:   a.clock(),
			IncidentDate:  in.IncidentDate,
			Location:      in.Location,
			Submitter:     caller,
			EvidenceFiles: []uint64{},
			EvidenceCount: in.EvidenceCount,
			StakeAmount:   in.StakeAmount,
			Status:        domain.StatusPending,
		}
		if err := a.putReportLocked(nil, report); err != nil {
			return err
		}

		user.TokenBalance -= in.StakeAmount
		user.StakesActive += in.StakeAmount
		user.ReportsSubmitted = append(user.ReportsSubmitted, id)
		if err := a.store.PutUser(user); err != nil {
			return fmt.Errorf("save user: %w", err)
		}

		msg := fmt.Sprintf("Report submitted with %d tokens staked. It is pending review.", in.StakeAmount)
		_, err = a.appendMessageLocked(id, domain.MessageSender{Kind: domain.SenderSystem}, msg)
		return err
	})
	if err != nil {
		return domain.Report{}, err
	}
	a.logger.Info("report submitted", "report_id", report.ID, "category", report.Category, "stake", report.StakeAmount)
	return report, nil
}

// Verify approves a Pending report and pays out stake plus reward.
func (a *App) Verify(ctx context.Context, caller domain.Principal, id uint64, notes string) error {
	a.mu.Lock()
	report, err := a.verifyLocked(caller, id, notes)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.afterCommit(ctx, nil, &events.Event{
		Type:     events.ReportApproved,
		ReportID: report.ID,
		Status:   string(report.Status),
		Amount:   report.RewardAmount,
	})
	return nil
}

func (a *App) verifyLocked(caller domain.Principal, id uint64, notes string) (domain.Report, error) {
	auth, err := a.requireAuthorityLocked(caller)
	if err != nil {
		return domain.Report{}, err
	}
	old, err := a.loadReportLocked(id)
	if err != nil {
		return domain.Report{}, err
	}
	if old.Status != domain.StatusPending {
		return domain.Report{}, stateConflict(id, old.Status, domain.StatusPending)
	}
	submitter, err := a.existingUserLocked(old.Submitter)
	if err != nil {
		return domain.Report{}, err
	}

	reward, quality, stakeBonus := Reward(old.StakeAmount, old.EvidenceCount)
	now := a.clock()
	updated := old
	updated.Status = domain.StatusApproved
	updated.Reviewer = &caller
	updated.ReviewDate = &now
	updated.ReviewNotes = optionalNotes(notes)
	updated.RewardAmount = reward

	msg := fmt.Sprintf(
		"Report verified. %d tokens credited: %d stake returned and %d reward (base 10x, quality bonus %dx, stake bonus %dx).",
		old.StakeAmount+reward, old.StakeAmount, reward, quality, stakeBonus,
	)
	if updated.ReviewNotes != nil {
		msg += " Authority notes: " + *updated.ReviewNotes
	}
	err = a.atomicLocked(func() error {
		if err := a.putReportLocked(&old, updated); err != nil {
			return err
		}
		submitter.TokenBalance += old.StakeAmount + reward
		submitter.StakesActive -= old.StakeAmount
		submitter.RewardsEarned += reward
		if err := a.store.PutUser(submitter); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		if _, err := a.appendMessageLocked(id, domain.MessageSender{Kind: domain.SenderSystem}, msg); err != nil {
			return err
		}
		return a.recordReviewLocked(auth, id)
	})
	if err != nil {
		return domain.Report{}, err
	}
	a.logger.Info("report approved", "report_id", id, "reviewer", string(caller), "reward", reward)
	return updated, nil
}

// Reject forfeits the stake of a Pending report. Notes are mandatory.
func (a *App) Reject(ctx context.Context, caller domain.Principal, id uint64, notes string) error {
	a.mu.Lock()
	report, err := a.rejectLocked(caller, id, notes)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.afterCommit(ctx, nil, &events.Event{
		Type:     events.ReportRejected,
		ReportID: report.ID,
		Status:   string(report.Status),
		Amount:   report.StakeAmount,
	})
	return nil
}

func (a *App) rejectLocked(caller domain.Principal, id uint64, notes string) (domain.Report, error) {
	auth, err := a.requireAuthorityLocked(caller)
	if err != nil {
		return domain.Report{}, err
	}
	reason := strings.TrimSpace(notes)
	if reason == "" {
		return domain.Report{}, invalid("rejection notes are required")
	}
	old, err := a.loadReportLocked(id)
	if err != nil {
		return domain.Report{}, err
	}
	if old.Status != domain.StatusPending {
		return domain.Report{}, stateConflict(id, old.Status, domain.StatusPending)
	}
	submitter, err := a.existingUserLocked(old.Submitter)
	if err != nil {
		return domain.Report{}, err
	}

	now := a.clock()
	updated := old
	updated.Status = domain.StatusRejected
	updated.Reviewer = &caller
	updated.ReviewDate = &now
	updated.ReviewNotes = &reason

	msg := fmt.Sprintf("Report rejected. Your stake of %d tokens is forfeited. Reason: %s", old.StakeAmount, reason)
	err = a.atomicLocked(func() error {
		if err := a.putReportLocked(&old, updated); err != nil {
			return err
		}
		submitter.StakesActive -= old.StakeAmount
		submitter.StakesLost += old.StakeAmount
		if err := a.store.PutUser(submitter); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		if _, err := a.appendMessageLocked(id, domain.MessageSender{Kind: domain.SenderSystem}, msg); err != nil {
			return err
		}
		return a.recordReviewLocked(auth, id)
	})
	if err != nil {
		return domain.Report{}, err
	}
	a.logger.Info("report rejected", "report_id", id, "reviewer", string(caller), "forfeited", old.StakeAmount)
	return updated, nil
}

// PutUnderReview holds a Pending report. The stake stays escrowed.
//
// Verify and Reject both require Pending, so a report moved here cannot be
// settled afterwards.
func (a *App) PutUnderReview(ctx context.Context, caller domain.Principal, id uint64, notes string) error {
	a.mu.Lock()
	report, err := a.holdLocked(caller, id, notes)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.afterCommit(ctx, nil, &events.Event{
		Type:     events.ReportUnderReview,
		ReportID: report.ID,
		Status:   string(report.Status),
	})
	return nil
}

func (a *App) holdLocked(caller domain.Principal, id uint64, notes string) (domain.Report, error) {
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return domain.Report{}, err
	}
	old, err := a.loadReportLocked(id)
	if err != nil {
		return domain.Report{}, err
	}
	if old.Status != domain.StatusPending {
		return domain.Report{}, stateConflict(id, old.Status, domain.StatusPending)
	}
	now := a.clock()
	updated := old
	updated.Status = domain.StatusUnderReview
	updated.Reviewer = &caller
	updated.ReviewDate = &now
	updated.ReviewNotes = optionalNotes(notes)
	msg := "Report is now under review by an authority."
	if updated.ReviewNotes != nil {
		msg += " Authority notes: " + *updated.ReviewNotes
	}
	err = a.atomicLocked(func() error {
		if err := a.putReportLocked(&old, updated); err != nil {
			return err
		}
		_, err := a.appendMessageLocked(id, domain.MessageSender{Kind: domain.SenderSystem}, msg)
		return err
	})
	if err != nil {
		return domain.Report{}, err
	}
	return updated, nil
}

// BulkVerify verifies each id independently and returns those that
// succeeded. Per-id failures are omitted, not returned.
func (a *App) BulkVerify(ctx context.Context, caller domain.Principal, ids []uint64, notes string) ([]uint64, error) {
	a.mu.Lock()
	_, err := a.requireAuthorityLocked(caller)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(ids) > maxBulkVerify {
		return nil, invalid("at most %d reports per bulk verification", maxBulkVerify)
	}
	verified := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if err := a.Verify(ctx, caller, id, notes); err != nil {
			a.logger.Debug("bulk verify skipped report", "report_id", id, "err", err)
			continue
		}
		verified = append(verified, id)
	}
	return verified, nil
}
