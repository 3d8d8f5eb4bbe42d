package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whispr/pkg/domain"
	"whispr/services/whispr/internal/app"
)

type reviewRequest struct {
	Notes string `json:"notes"`
}

type bulkVerifyRequest struct {
	IDs   []uint64 `json:"ids"`
	Notes string   `json:"notes"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	if !s.allowSubmit(w, r, caller) {
		return
	}
	var in app.SubmitInput
	if !decodeJSON(w, r, &in) {
		return
	}
	id, err := s.app.Submit(r.Context(), caller, in)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// allowSubmit applies the per-caller submission quota. Anonymous callers
// pass through so the engine rejects them with the usual error.
func (s *Server) allowSubmit(w http.ResponseWriter, r *http.Request, caller domain.Principal) bool {
	if s.limiter == nil || caller.IsAnonymous() {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), "submit:"+string(caller))
	if err != nil {
		s.logger(r).Error("rate limiter unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "rate limiter unavailable")
		return false
	}
	if !d.Allowed {
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many submissions, retry later")
		return false
	}
	return true
}

// handleListReports serves the listing variants in order of precedence:
// paging, status, category, date range, then everything.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	q := r.URL.Query()
	if q.Has("page") || q.Has("size") {
		page, _ := strconv.Atoi(q.Get("page"))
		size, _ := strconv.Atoi(q.Get("size"))
		res, err := s.app.ReportsPage(caller, page, size)
		if err != nil {
			s.writeAppError(w, r, caller, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	var (
		reports []domain.Report
		err     error
	)
	switch {
	case q.Get("status") != "":
		reports, err = s.app.ReportsByStatus(caller, domain.ReportStatus(q.Get("status")))
	case q.Get("category") != "":
		reports, err = s.app.ReportsByCategory(caller, q.Get("category"))
	case q.Get("from") != "" || q.Get("to") != "":
		from, ok := queryTime(w, r, "from")
		if !ok {
			return
		}
		to, ok := queryTime(w, r, "to")
		if !ok {
			return
		}
		if from == nil {
			from = &time.Time{}
		}
		if to == nil {
			now := time.Now().UTC()
			to = &now
		}
		reports, err = s.app.ReportsByDateRange(caller, *from, *to)
	default:
		reports, err = s.app.ListReports(caller)
	}
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeItems(w, reports)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	q := r.URL.Query()
	f := app.SearchFilter{
		Keyword:  q.Get("keyword"),
		Category: q.Get("category"),
		Status:   domain.ReportStatus(strings.TrimSpace(q.Get("status"))),
	}
	var ok bool
	if f.From, ok = queryTime(w, r, "from"); !ok {
		return
	}
	if f.To, ok = queryTime(w, r, "to"); !ok {
		return
	}
	if f.MinStake, ok = queryUint(w, r, "minStake"); !ok {
		return
	}
	if f.MaxStake, ok = queryUint(w, r, "maxStake"); !ok {
		return
	}
	reports, err := s.app.Search(caller, f)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeItems(w, reports)
}

func (s *Server) handleMyReports(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	reports, err := s.app.UserReports(caller)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeItems(w, reports)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	report, err := s.app.GetReport(caller, id)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	s.review(w, r, caller, s.app.Verify, domain.StatusApproved)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	s.review(w, r, caller, s.app.Reject, domain.StatusRejected)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	s.review(w, r, caller, s.app.PutUnderReview, domain.StatusUnderReview)
}

type reviewFunc func(ctx context.Context, caller domain.Principal, id uint64, notes string) error

func (s *Server) review(w http.ResponseWriter, r *http.Request, caller domain.Principal, fn reviewFunc, result domain.ReportStatus) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := fn(r.Context(), caller, id, req.Notes); err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": result})
}

func (s *Server) handleBulkVerify(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	var req bulkVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	verified, err := s.app.BulkVerify(r.Context(), caller, req.IDs, req.Notes)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": verified, "count": len(verified)})
}
