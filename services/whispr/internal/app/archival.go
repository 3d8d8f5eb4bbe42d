package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"whispr/pkg/archive"
	"whispr/pkg/domain"
)

// ConfigureArchival replaces the pinning service credentials.
func (a *App) ConfigureArchival(caller domain.Principal, apiKey, apiSecret, jwt string) error {
	apiKey, apiSecret, jwt = strings.TrimSpace(apiKey), strings.TrimSpace(apiSecret), strings.TrimSpace(jwt)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.requireAuthorityLocked(caller); err != nil {
		return err
	}
	if apiKey == "" || apiSecret == "" || jwt == "" {
		return invalid("api key, api secret and jwt are all required")
	}
	if err := a.store.PutArchivalConfig(domain.ArchivalConfig{APIKey: apiKey, APISecret: apiSecret, JWT: jwt}); err != nil {
		return fmt.Errorf("save archival config: %w", err)
	}
	a.logger.Info("archival credentials updated", "by", string(caller))
	return nil
}

// EnsureArchivalDefaults seeds the credentials slot if it is empty. Blank
// values fall back to the placeholder.
func (a *App) EnsureArchivalDefaults(apiKey, apiSecret, jwt string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok, err := a.store.GetArchivalConfig()
	if err != nil {
		return false, fmt.Errorf("load archival config: %w", err)
	}
	if ok {
		return false, nil
	}
	cfg := domain.ArchivalConfig{
		APIKey:    placeholderIfBlank(apiKey),
		APISecret: placeholderIfBlank(apiSecret),
		JWT:       placeholderIfBlank(jwt),
	}
	if err := a.store.PutArchivalConfig(cfg); err != nil {
		return false, fmt.Errorf("save archival config: %w", err)
	}
	return true, nil
}

func placeholderIfBlank(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return archive.PlaceholderCredential
	}
	return v
}

// ArchivalCredentials feeds archive.PinataClient.
func (a *App) ArchivalCredentials() (archive.Credentials, error) {
	cfg, ok, err := a.store.GetArchivalConfig()
	if err != nil {
		return archive.Credentials{}, fmt.Errorf("load archival config: %w", err)
	}
	if !ok {
		return archive.Credentials{}, archive.ErrNotConfigured
	}
	return archive.Credentials{APIKey: cfg.APIKey, APISecret: cfg.APISecret, JWT: cfg.JWT}, nil
}

func (a *App) RetrieveArchivedReport(ctx context.Context, caller domain.Principal, cid string) ([]byte, error) {
	a.mu.Lock()
	_, err := a.requireAuthorityLocked(caller)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return a.retrieve(ctx, cid)
}

func (a *App) RetrieveArchivedEvidence(ctx context.Context, caller domain.Principal, cid string) ([]byte, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return a.retrieve(ctx, cid)
}

func (a *App) retrieve(ctx context.Context, cid string) ([]byte, error) {
	if strings.TrimSpace(cid) == "" {
		return nil, invalid("content identifier is required")
	}
	if a.pinner == nil {
		return nil, integration(errors.New("archival is disabled"))
	}
	data, err := a.pinner.Retrieve(ctx, cid)
	if err != nil {
		return nil, integration(err)
	}
	return data, nil
}

// RunArchivalTask pins the latest snapshot named by task and patches the
// resulting identifier back. Records that have disappeared are skipped.
func (a *App) RunArchivalTask(ctx context.Context, task archive.Task) error {
	if a.pinner == nil {
		return nil
	}
	switch task.Kind {
	case archive.TaskReport:
		return a.archiveReport(ctx, task.ReportID)
	case archive.TaskEvidence:
		if err := a.archiveEvidence(ctx, task.EvidenceID); err != nil {
			return err
		}
		return a.archiveReport(ctx, task.ReportID)
	default:
		return fmt.Errorf("unknown archive task kind %q", task.Kind)
	}
}

func (a *App) archiveReport(ctx context.Context, reportID uint64) error {
	a.mu.Lock()
	r, ok, err := a.store.GetReport(reportID)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("load report %d: %w", reportID, err)
	}
	if !ok {
		return nil
	}
	cid, err := a.pinner.Pin(ctx, archive.ReportPinName(r.ID), archive.NewReportSnapshot(r))
	if err != nil {
		return fmt.Errorf("archive report %d: %w", reportID, err)
	}
	return a.applyReportArchive(reportID, cid)
}

func (a *App) archiveEvidence(ctx context.Context, evidenceID uint64) error {
	a.mu.Lock()
	e, ok, err := a.store.GetEvidence(evidenceID)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("load evidence %d: %w", evidenceID, err)
	}
	if !ok {
		return nil
	}
	cid, err := a.pinner.Pin(ctx, archive.EvidencePinName(e.ReportID, e.FileName), archive.NewEvidenceSnapshot(e))
	if err != nil {
		return fmt.Errorf("archive evidence %d: %w", evidenceID, err)
	}
	return a.applyEvidenceArchive(evidenceID, cid)
}

// applyReportArchive sets only the archive fields on the current record.
func (a *App) applyReportArchive(reportID uint64, cid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok, err := a.store.GetReport(reportID)
	if err != nil {
		return fmt.Errorf("load report %d: %w", reportID, err)
	}
	if !ok {
		return nil
	}
	now := a.clock()
	r.ArchiveHash = &cid
	r.ArchivePinDate = &now
	if err := a.store.PutReport(r); err != nil {
		return fmt.Errorf("save report %d: %w", reportID, err)
	}
	a.logger.Info("report archived", "report_id", reportID, "cid", cid)
	return nil
}

func (a *App) applyEvidenceArchive(evidenceID uint64, cid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok, err := a.store.GetEvidence(evidenceID)
	if err != nil {
		return fmt.Errorf("load evidence %d: %w", evidenceID, err)
	}
	if !ok {
		return nil
	}
	e.ArchiveHash = &cid
	if err := a.store.PutEvidence(e); err != nil {
		return fmt.Errorf("save evidence %d: %w", evidenceID, err)
	}
	a.logger.Info("evidence archived", "evidence_id", evidenceID, "cid", cid)
	return nil
}
