package store

import (
	"whispr/pkg/domain"
)

// Counter names an id sequence.
type Counter string

const (
	CounterReports  Counter = "reports"
	CounterMessages Counter = "messages"
	CounterEvidence Counter = "evidence"
)

// Store defines persistence operations for reports, users, authorities,
// messages, evidence and the archival credentials slot. It performs no
// validation; callers own cross-table consistency and group related
// writes with Atomic.
type Store interface {
	// Atomic runs fn against a Store whose writes commit together when fn
	// returns nil and are discarded otherwise.
	Atomic(fn func(Store) error) error

	// reports
	GetReport(id uint64) (domain.Report, bool, error)
	PutReport(domain.Report) error
	// ListReports returns every report ordered by ascending id.
	ListReports() ([]domain.Report, error)

	// users
	GetUser(id domain.Principal) (domain.User, bool, error)
	PutUser(domain.User) error
	// PutUsers upserts all users or none of them.
	PutUsers(users ...domain.User) error
	ListUsers() ([]domain.User, error)

	// authorities
	GetAuthority(id domain.Principal) (domain.Authority, bool, error)
	PutAuthority(domain.Authority) error
	DeleteAuthority(id domain.Principal) error
	ListAuthorities() ([]domain.Authority, error)

	// messages
	PutMessage(domain.Message) error
	ListMessages(reportID uint64) ([]domain.Message, error)

	// evidence
	GetEvidence(id uint64) (domain.EvidenceFile, bool, error)
	PutEvidence(domain.EvidenceFile) error

	// archival credentials (singleton)
	GetArchivalConfig() (domain.ArchivalConfig, bool, error)
	PutArchivalConfig(domain.ArchivalConfig) error

	// NextID returns the next value of counter. Values start at 1 and a committed
	// value is never reused; a rolled-back Atomic call releases its values.
	NextID(counter Counter) (uint64, error)
}
