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

// UploadEvidence attaches a file to the caller's own report and schedules
// archival of both the file and the updated report.
func (a *App) UploadEvidence(ctx context.Context, caller domain.Principal, reportID uint64, fileName, fileType string, data []byte) (uint64, error) {
	if err := requireCaller(caller); err != nil {
		return 0, err
	}
	fileName = strings.TrimSpace(fileName)
	fileType = strings.TrimSpace(fileType)
	if fileName == "" {
		return 0, invalid("file name is required")
	}
	if len(data) == 0 {
		return 0, invalid("evidence file is empty")
	}
	if len(data) > maxEvidenceBytes {
		return 0, invalid("evidence file exceeds %d bytes", maxEvidenceBytes)
	}

	a.mu.Lock()
	evidenceID, err := a.attachEvidenceLocked(caller, reportID, fileName, fileType, data)
	a.mu.Unlock()
	if err != nil {
		return 0, err
	}
	a.afterCommit(ctx,
		&archive.Task{Kind: archive.TaskEvidence, ReportID: reportID, EvidenceID: evidenceID},
		&events.Event{Type: events.EvidenceUploaded, ReportID: reportID, PrincipalHash: archive.HashPrincipal(caller)},
	)
	return evidenceID, nil
}

func (a *App) attachEvidenceLocked(caller domain.Principal, reportID uint64, fileName, fileType string, data []byte) (uint64, error) {
	old, err := a.loadReportLocked(reportID)
	if err != nil {
		return 0, err
	}
	if old.Submitter != caller {
		return 0, unauthorized("only the submitter may upload evidence to report %d", reportID)
	}
	var id uint64
	err = a.atomicLocked(func() error {
		var err error
		id, err = a.store.NextID(store.CounterEvidence)
		if err != nil {
			return fmt.Errorf("allocate evidence id: %w", err)
		}
		file := domain.EvidenceFile{
			ID:         id,
			ReportID:   reportID,
			FileName:   fileName,
			FileType:   fileType,
			Data:       data,
			UploadedAt: a.clock(),
		}
		if err := a.store.PutEvidence(file); err != nil {
			return fmt.Errorf("save evidence: %w", err)
		}
		updated := old
		updated.EvidenceFiles = append(append([]uint64{}, old.EvidenceFiles...), id)
		updated.EvidenceCount = uint32(len(updated.EvidenceFiles))
		return a.putReportLocked(&old, updated)
	})
	if err != nil {
		return 0, err
	}
	a.logger.Info("evidence uploaded", "report_id", reportID, "evidence_id", id, "bytes", len(data))
	return id, nil
}

func (a *App) GetEvidence(caller domain.Principal, id uint64) (domain.EvidenceFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := requireCaller(caller); err != nil {
		return domain.EvidenceFile{}, err
	}
	file, ok, err := a.store.GetEvidence(id)
	if err != nil {
		return domain.EvidenceFile{}, fmt.Errorf("load evidence: %w", err)
	}
	if !ok {
		return domain.EvidenceFile{}, notFound("evidence %d not found", id)
	}
	r, err := a.loadReportLocked(file.ReportID)
	if err != nil {
		return domain.EvidenceFile{}, err
	}
	if err := a.canReadReportLocked(caller, r); err != nil {
		return domain.EvidenceFile{}, err
	}
	return file, nil
}

// ReportEvidence lists a report's evidence in upload order.
func (a *App) ReportEvidence(caller domain.Principal, reportID uint64) ([]domain.EvidenceFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.loadReportLocked(reportID)
	if err != nil {
		return nil, err
	}
	if err := a.canReadReportLocked(caller, r); err != nil {
		return nil, err
	}
	files := make([]domain.EvidenceFile, 0, len(r.EvidenceFiles))
	for _, id := range r.EvidenceFiles {
		file, ok, err := a.store.GetEvidence(id)
		if err != nil {
			return nil, fmt.Errorf("load evidence: %w", err)
		}
		if ok {
			files = append(files, file)
		}
	}
	return files, nil
}
