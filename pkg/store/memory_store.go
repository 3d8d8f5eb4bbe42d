package store

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"whispr/pkg/domain"
)

// MemoryStore keeps every table in-process. Records are copied on the way
// in and out so callers never share slices with the store.
type MemoryStore struct {
	// txMu serializes Atomic calls.
	txMu        sync.Mutex
	mu          sync.RWMutex
	reports     map[uint64]domain.Report
	users       map[domain.Principal]domain.User
	authorities map[domain.Principal]domain.Authority
	messages    map[uint64][]domain.Message // key: report ID
	evidence    map[uint64]domain.EvidenceFile
	archival    *domain.ArchivalConfig
	counters    map[Counter]uint64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:     make(map[uint64]domain.Report),
		users:       make(map[domain.Principal]domain.User),
		authorities: make(map[domain.Principal]domain.Authority),
		messages:    make(map[uint64][]domain.Message),
		evidence:    make(map[uint64]domain.EvidenceFile),
		counters:    make(map[Counter]uint64),
	}
}

// Atomic snapshots every table, runs fn and restores the snapshot if fn
// fails. Writes made outside Atomic while fn runs are not isolated from
// a rollback.
func (m *MemoryStore) Atomic(fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	reports     map[uint64]domain.Report
	users       map[domain.Principal]domain.User
	authorities map[domain.Principal]domain.Authority
	messages    map[uint64][]domain.Message
	evidence    map[uint64]domain.EvidenceFile
	archival    *domain.ArchivalConfig
	counters    map[Counter]uint64
}

// snapshot copies the maps. Stored values are replaced on write, never
// edited in place, except message threads which are cloned here.
func (m *MemoryStore) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := memorySnapshot{
		reports:     maps.Clone(m.reports),
		users:       maps.Clone(m.users),
		authorities: maps.Clone(m.authorities),
		messages:    make(map[uint64][]domain.Message, len(m.messages)),
		evidence:    maps.Clone(m.evidence),
		counters:    maps.Clone(m.counters),
	}
	for id, thread := range m.messages {
		snap.messages[id] = slices.Clone(thread)
	}
	if m.archival != nil {
		cfg := *m.archival
		snap.archival = &cfg
	}
	return snap
}

func (m *MemoryStore) restore(snap memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = snap.reports
	m.users = snap.users
	m.authorities = snap.authorities
	m.messages = snap.messages
	m.evidence = snap.evidence
	m.archival = snap.archival
	m.counters = snap.counters
}

func (m *MemoryStore) GetReport(id uint64) (domain.Report, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return domain.Report{}, false, nil
	}
	return cloneReport(r), true, nil
}

func (m *MemoryStore) PutReport(r domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = cloneReport(r)
	return nil
}

func (m *MemoryStore) ListReports() ([]domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Report, 0, len(m.reports))
	for _, r := range m.reports {
		res = append(res, cloneReport(r))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemoryStore) GetUser(id domain.Principal) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	u.ReportsSubmitted = slices.Clone(u.ReportsSubmitted)
	return u, true, nil
}

func (m *MemoryStore) PutUser(u domain.User) error {
	return m.PutUsers(u)
}

func (m *MemoryStore) PutUsers(users ...domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		u.ReportsSubmitted = slices.Clone(u.ReportsSubmitted)
		m.users[u.ID] = u
	}
	return nil
}

func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		u.ReportsSubmitted = slices.Clone(u.ReportsSubmitted)
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemoryStore) GetAuthority(id domain.Principal) (domain.Authority, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authorities[id]
	if !ok {
		return domain.Authority{}, false, nil
	}
	a.ReportsReviewed = slices.Clone(a.ReportsReviewed)
	return a, true, nil
}

func (m *MemoryStore) PutAuthority(a domain.Authority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ReportsReviewed = slices.Clone(a.ReportsReviewed)
	m.authorities[a.ID] = a
	return nil
}

func (m *MemoryStore) DeleteAuthority(id domain.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authorities, id)
	return nil
}

func (m *MemoryStore) ListAuthorities() ([]domain.Authority, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Authority, 0, len(m.authorities))
	for _, a := range m.authorities {
		a.ReportsReviewed = slices.Clone(a.ReportsReviewed)
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// PutMessage appends msg to its report's thread, replacing an entry with
// the same ID if one exists.
func (m *MemoryStore) PutMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Attachment = slices.Clone(msg.Attachment)
	thread := m.messages[msg.ReportID]
	for i := range thread {
		if thread[i].ID == msg.ID {
			thread[i] = msg
			return nil
		}
	}
	m.messages[msg.ReportID] = append(thread, msg)
	return nil
}

func (m *MemoryStore) ListMessages(reportID uint64) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread := m.messages[reportID]
	res := make([]domain.Message, len(thread))
	copy(res, thread)
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemoryStore) GetEvidence(id uint64) (domain.EvidenceFile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evidence[id]
	if !ok {
		return domain.EvidenceFile{}, false, nil
	}
	e.Data = slices.Clone(e.Data)
	return e, true, nil
}

func (m *MemoryStore) PutEvidence(e domain.EvidenceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Data = slices.Clone(e.Data)
	m.evidence[e.ID] = e
	return nil
}

func (m *MemoryStore) GetArchivalConfig() (domain.ArchivalConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.archival == nil {
		return domain.ArchivalConfig{}, false, nil
	}
	return *m.archival, true, nil
}

func (m *MemoryStore) PutArchivalConfig(cfg domain.ArchivalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archival = &cfg
	return nil
}

func (m *MemoryStore) NextID(counter Counter) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counter]++
	return m.counters[counter], nil
}

func cloneReport(r domain.Report) domain.Report {
	r.EvidenceFiles = slices.Clone(r.EvidenceFiles)
	if r.Location != nil {
		loc := *r.Location
		r.Location = &loc
	}
	return r
}
