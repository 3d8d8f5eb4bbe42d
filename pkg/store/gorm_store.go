package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"whispr/pkg/domain"
)

const migrateLockID int64 = 57718302

const archivalConfigRowID = 1

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&ReportModel{},
			&UserModel{},
			&AuthorityModel{},
			&MessageModel{},
			&EvidenceModel{},
			&ArchivalConfigModel{},
			&CounterModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes migrations across replicas starting together.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Atomic runs fn inside a database transaction.
func (s *GormStore) Atomic(fn func(Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// GetReport returns a report by ID.
func (s *GormStore) GetReport(id uint64) (domain.Report, bool, error) {
	var model ReportModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Report{}, false, nil
		}
		return domain.Report{}, false, err
	}
	r, err := reportFromModel(model)
	if err != nil {
		return domain.Report{}, false, err
	}
	return r, true, nil
}

// PutReport inserts or fully replaces a report.
func (s *GormStore) PutReport(r domain.Report) error {
	model, err := reportToModel(r)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

func (s *GormStore) ListReports() ([]domain.Report, error) {
	var models []ReportModel
	if err := s.db.Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Report, 0, len(models))
	for _, m := range models {
		r, err := reportFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, nil
}

func (s *GormStore) GetUser(id domain.Principal) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	u, err := userFromModel(model)
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}

func (s *GormStore) PutUser(u domain.User) error {
	return s.PutUsers(u)
}

// PutUsers upserts every user in a single statement.
func (s *GormStore) PutUsers(users ...domain.User) error {
	if len(users) == 0 {
		return nil
	}
	models := make([]UserModel, 0, len(users))
	for _, u := range users {
		m, err := userToModel(u)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&models).Error
}

func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		u, err := userFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, nil
}

func (s *GormStore) GetAuthority(id domain.Principal) (domain.Authority, bool, error) {
	var model AuthorityModel
	if err := s.db.First(&model, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Authority{}, false, nil
		}
		return domain.Authority{}, false, err
	}
	a, err := authorityFromModel(model)
	if err != nil {
		return domain.Authority{}, false, err
	}
	return a, true, nil
}

func (s *GormStore) PutAuthority(a domain.Authority) error {
	model, err := authorityToModel(a)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

func (s *GormStore) DeleteAuthority(id domain.Principal) error {
	return s.db.Delete(&AuthorityModel{}, "id = ?", string(id)).Error
}

func (s *GormStore) ListAuthorities() ([]domain.Authority, error) {
	var models []AuthorityModel
	if err := s.db.Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Authority, 0, len(models))
	for _, m := range models {
		a, err := authorityFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (s *GormStore) PutMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

// ListMessages returns a report's thread in ascending ID order.
func (s *GormStore) ListMessages(reportID uint64) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("report_id = ?", reportID).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

func (s *GormStore) GetEvidence(id uint64) (domain.EvidenceFile, bool, error) {
	var model EvidenceModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.EvidenceFile{}, false, nil
		}
		return domain.EvidenceFile{}, false, err
	}
	return evidenceFromModel(model), true, nil
}

func (s *GormStore) PutEvidence(e domain.EvidenceFile) error {
	model := evidenceToModel(e)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

func (s *GormStore) GetArchivalConfig() (domain.ArchivalConfig, bool, error) {
	var model ArchivalConfigModel
	if err := s.db.First(&model, "id = ?", archivalConfigRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ArchivalConfig{}, false, nil
		}
		return domain.ArchivalConfig{}, false, err
	}
	return domain.ArchivalConfig{APIKey: model.APIKey, APISecret: model.APISecret, JWT: model.JWT}, true, nil
}

func (s *GormStore) PutArchivalConfig(cfg domain.ArchivalConfig) error {
	model := ArchivalConfigModel{ID: archivalConfigRowID, APIKey: cfg.APIKey, APISecret: cfg.APISecret, JWT: cfg.JWT}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "api_secret", "jwt"}),
	}).Create(&model).Error
}

// NextID bumps the counter row in one statement, creating it at 1.
func (s *GormStore) NextID(counter Counter) (uint64, error) {
	var next uint64
	err := s.db.Raw(
		`INSERT INTO counter_models (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = counter_models.value + 1
		RETURNING value`,
		string(counter),
	).Scan(&next).Error
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", counter, err)
	}
	if next == 0 {
		return 0, fmt.Errorf("next %s id: counter returned no value", counter)
	}
	return next, nil
}

func reportToModel(r domain.Report) (ReportModel, error) {
	files, err := encodeIDs(r.EvidenceFiles)
	if err != nil {
		return ReportModel{}, err
	}
	m := ReportModel{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		Category:       r.Category,
		SubmittedAt:    r.SubmittedAt,
		IncidentDate:   r.IncidentDate,
		Submitter:      string(r.Submitter),
		EvidenceFiles:  files,
		EvidenceCount:  r.EvidenceCount,
		StakeAmount:    r.StakeAmount,
		RewardAmount:   r.RewardAmount,
		Status:         string(r.Status),
		ReviewDate:     r.ReviewDate,
		ReviewNotes:    r.ReviewNotes,
		ArchiveHash:    r.ArchiveHash,
		ArchivePinDate: r.ArchivePinDate,
	}
	if r.Location != nil {
		lat, lng := r.Location.Latitude, r.Location.Longitude
		m.Latitude = &lat
		m.Longitude = &lng
		m.Address = r.Location.Address
	}
	if r.Reviewer != nil {
		reviewer := string(*r.Reviewer)
		m.Reviewer = &reviewer
	}
	return m, nil
}

func reportFromModel(m ReportModel) (domain.Report, error) {
	files, err := decodeIDs(m.EvidenceFiles)
	if err != nil {
		return domain.Report{}, fmt.Errorf("report %d evidence: %w", m.ID, err)
	}
	r := domain.Report{
		ID:             m.ID,
		Title:          m.Title,
		Description:    m.Description,
		Category:       m.Category,
		SubmittedAt:    m.SubmittedAt,
		IncidentDate:   m.IncidentDate,
		Submitter:      domain.Principal(m.Submitter),
		EvidenceFiles:  files,
		EvidenceCount:  m.EvidenceCount,
		StakeAmount:    m.StakeAmount,
		RewardAmount:   m.RewardAmount,
		Status:         domain.ReportStatus(m.Status),
		ReviewDate:     m.ReviewDate,
		ReviewNotes:    m.ReviewNotes,
		ArchiveHash:    m.ArchiveHash,
		ArchivePinDate: m.ArchivePinDate,
	}
	if m.Latitude != nil && m.Longitude != nil {
		r.Location = &domain.Location{Latitude: *m.Latitude, Longitude: *m.Longitude, Address: m.Address}
	}
	if m.Reviewer != nil {
		reviewer := domain.Principal(*m.Reviewer)
		r.Reviewer = &reviewer
	}
	return r, nil
}

func userToModel(u domain.User) (UserModel, error) {
	reports, err := encodeIDs(u.ReportsSubmitted)
	if err != nil {
		return UserModel{}, err
	}
	return UserModel{
		ID:               string(u.ID),
		TokenBalance:     u.TokenBalance,
		ReportsSubmitted: reports,
		RewardsEarned:    u.RewardsEarned,
		StakesActive:     u.StakesActive,
		StakesLost:       u.StakesLost,
	}, nil
}

func userFromModel(m UserModel) (domain.User, error) {
	reports, err := decodeIDs(m.ReportsSubmitted)
	if err != nil {
		return domain.User{}, fmt.Errorf("user %s reports: %w", m.ID, err)
	}
	return domain.User{
		ID:               domain.Principal(m.ID),
		TokenBalance:     m.TokenBalance,
		ReportsSubmitted: reports,
		RewardsEarned:    m.RewardsEarned,
		StakesActive:     m.StakesActive,
		StakesLost:       m.StakesLost,
	}, nil
}

func authorityToModel(a domain.Authority) (AuthorityModel, error) {
	reviewed, err := encodeIDs(a.ReportsReviewed)
	if err != nil {
		return AuthorityModel{}, err
	}
	return AuthorityModel{ID: string(a.ID), ReportsReviewed: reviewed, ApprovalRate: a.ApprovalRate}, nil
}

func authorityFromModel(m AuthorityModel) (domain.Authority, error) {
	reviewed, err := decodeIDs(m.ReportsReviewed)
	if err != nil {
		return domain.Authority{}, fmt.Errorf("authority %s reviews: %w", m.ID, err)
	}
	return domain.Authority{ID: domain.Principal(m.ID), ReportsReviewed: reviewed, ApprovalRate: m.ApprovalRate}, nil
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:              msg.ID,
		ReportID:        msg.ReportID,
		SenderKind:      string(msg.Sender.Kind),
		SenderPrincipal: string(msg.Sender.Principal),
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
		Attachment:      msg.Attachment,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:       m.ID,
		ReportID: m.ReportID,
		Sender: domain.MessageSender{
			Kind:      domain.SenderKind(m.SenderKind),
			Principal: domain.Principal(m.SenderPrincipal),
		},
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Attachment: m.Attachment,
	}
}

func evidenceToModel(e domain.EvidenceFile) EvidenceModel {
	return EvidenceModel{
		ID:          e.ID,
		ReportID:    e.ReportID,
		FileName:    e.FileName,
		FileType:    e.FileType,
		Data:        e.Data,
		UploadedAt:  e.UploadedAt,
		ArchiveHash: e.ArchiveHash,
	}
}

func evidenceFromModel(m EvidenceModel) domain.EvidenceFile {
	return domain.EvidenceFile{
		ID:          m.ID,
		ReportID:    m.ReportID,
		FileName:    m.FileName,
		FileType:    m.FileType,
		Data:        m.Data,
		UploadedAt:  m.UploadedAt,
		ArchiveHash: m.ArchiveHash,
	}
}

func encodeIDs(ids []uint64) (datatypes.JSON, error) {
	if ids == nil {
		ids = []uint64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode ids: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeIDs(raw datatypes.JSON) ([]uint64, error) {
	if len(raw) == 0 {
		return []uint64{}, nil
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}
