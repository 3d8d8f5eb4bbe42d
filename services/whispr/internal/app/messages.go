package app

import (
	"fmt"

	"whispr/pkg/domain"
	"whispr/pkg/store"
)

func (a *App) appendMessageLocked(reportID uint64, sender domain.MessageSender, content string) (domain.Message, error) {
	id, err := a.store.NextID(store.CounterMessages)
	if err != nil {
		return domain.Message{}, fmt.Errorf("allocate message id: %w", err)
	}
	msg := domain.Message{
		ID:        id,
		ReportID:  reportID,
		Sender:    sender,
		Content:   content,
		Timestamp: a.clock(),
	}
	if err := a.store.PutMessage(msg); err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}
	return msg, nil
}

// SendAuthorityMessage posts to a report's thread as the calling authority.
func (a *App) SendAuthorityMessage(caller domain.Principal, reportID uint64, content string) (domain.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return domain.Message{}, err
	}
	content, err := validateMessage(content)
	if err != nil {
		return domain.Message{}, err
	}
	if _, err := a.loadReportLocked(reportID); err != nil {
		return domain.Message{}, err
	}
	return a.appendMessageLocked(reportID, domain.MessageSender{Kind: domain.SenderAuthority, Principal: caller}, content)
}

// SendReporterMessage posts to a report's thread as its submitter.
func (a *App) SendReporterMessage(caller domain.Principal, reportID uint64, content string) (domain.Message, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Message{}, err
	}
	content, err := validateMessage(content)
	if err != nil {
		return domain.Message{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.loadReportLocked(reportID)
	if err != nil {
		return domain.Message{}, err
	}
	if r.Submitter != caller {
		return domain.Message{}, unauthorized("only the submitter may reply on report %d", reportID)
	}
	return a.appendMessageLocked(reportID, domain.MessageSender{Kind: domain.SenderReporter, Principal: caller}, content)
}

// Messages returns a report's thread, oldest first.
func (a *App) Messages(caller domain.Principal, reportID uint64) ([]domain.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.loadReportLocked(reportID)
	if err != nil {
		return nil, err
	}
	if err := a.canReadReportLocked(caller, r); err != nil {
		return nil, err
	}
	msgs, err := a.store.ListMessages(reportID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
