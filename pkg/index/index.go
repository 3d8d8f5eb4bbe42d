// Package index maintains derived lookups over the report table: by status,
// by lower-cased category and by submitter. Buckets hold ascending report
// IDs and are dropped once empty.
package index

import (
	"slices"
	"strings"
	"sync"

	"whispr/pkg/domain"
)

// Counts are the per-status bucket sizes.
type Counts struct {
	Pending     uint64
	UnderReview uint64
	Approved    uint64
	Rejected    uint64
}

// Index is safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	byStatus    map[domain.ReportStatus][]uint64
	byCategory  map[string][]uint64
	bySubmitter map[domain.Principal][]uint64
}

func New() *Index {
	return &Index{
		byStatus:    make(map[domain.ReportStatus][]uint64),
		byCategory:  make(map[string][]uint64),
		bySubmitter: make(map[domain.Principal][]uint64),
	}
}

// NormalizeCategory returns the bucket key for a category.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// OnCreate records a newly inserted report in all three dimensions.
func (ix *Index) OnCreate(r domain.Report) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.insertLocked(r)
}

// OnUpdate moves r between status and category buckets when those fields
// changed. The submitter bucket is fixed at creation.
func (ix *Index) OnUpdate(old, updated domain.Report) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old.Status != updated.Status {
		removeID(ix.byStatus, old.Status, updated.ID)
		insertID(ix.byStatus, updated.Status, updated.ID)
	}
	oldCat, newCat := NormalizeCategory(old.Category), NormalizeCategory(updated.Category)
	if oldCat != newCat {
		removeID(ix.byCategory, oldCat, updated.ID)
		insertID(ix.byCategory, newCat, updated.ID)
	}
}

func (ix *Index) ByStatus(status domain.ReportStatus) []uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.byStatus[status])
}

func (ix *Index) ByCategory(category string) []uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.byCategory[NormalizeCategory(category)])
}

func (ix *Index) BySubmitter(p domain.Principal) []uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.bySubmitter[p])
}

// StatusSize and CategorySize report bucket sizes without copying.
func (ix *Index) StatusSize(status domain.ReportStatus) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byStatus[status])
}

func (ix *Index) CategorySize(category string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byCategory[NormalizeCategory(category)])
}

// CountSubmitterWithStatus intersects a submitter bucket with a status
// bucket.
func (ix *Index) CountSubmitterWithStatus(p domain.Principal, status domain.ReportStatus) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	a, b := ix.bySubmitter[p], ix.byStatus[status]
	n, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			n++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// Categories returns the categories that currently hold reports, sorted.
func (ix *Index) Categories() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.byCategory))
	for c := range ix.byCategory {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (ix *Index) Counts() Counts {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Counts{
		Pending:     uint64(len(ix.byStatus[domain.StatusPending])),
		UnderReview: uint64(len(ix.byStatus[domain.StatusUnderReview])),
		Approved:    uint64(len(ix.byStatus[domain.StatusApproved])),
		Rejected:    uint64(len(ix.byStatus[domain.StatusRejected])),
	}
}

// Rebuild discards every bucket and repopulates from the full table.
func (ix *Index) Rebuild(reports []domain.Report) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	clear(ix.byStatus)
	clear(ix.byCategory)
	clear(ix.bySubmitter)
	for _, r := range reports {
		ix.insertLocked(r)
	}
}

func (ix *Index) insertLocked(r domain.Report) {
	insertID(ix.byStatus, r.Status, r.ID)
	insertID(ix.byCategory, NormalizeCategory(r.Category), r.ID)
	insertID(ix.bySubmitter, r.Submitter, r.ID)
}

func insertID[K comparable](m map[K][]uint64, key K, id uint64) {
	bucket := m[key]
	pos, found := slices.BinarySearch(bucket, id)
	if found {
		return
	}
	m[key] = slices.Insert(bucket, pos, id)
}

func removeID[K comparable](m map[K][]uint64, key K, id uint64) {
	bucket := m[key]
	pos, found := slices.BinarySearch(bucket, id)
	if !found {
		return
	}
	bucket = slices.Delete(bucket, pos, pos+1)
	if len(bucket) == 0 {
		delete(m, key)
		return
	}
	m[key] = bucket
}
