package server

import (
	"io"
	"net/http"
	"strings"

	"whispr/pkg/domain"
)

type messageRequest struct {
	Content string `json:"content"`
	// As selects the sender role: "authority" or "reporter" (default).
	As string `json:"as"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type authorityRequest struct {
	Principal string `json:"principal"`
}

type archivalCredentialsRequest struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	JWT       string `json:"jwt"`
}

// handleUploadEvidence accepts a multipart form with the file under "file".
func (s *Server) handleUploadEvidence(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+maxUploadOverhead)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "failed to read file")
		return
	}
	evidenceID, err := s.app.UploadEvidence(r.Context(), caller, id, header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": evidenceID, "reportId": id})
}

func (s *Server) handleReportEvidence(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	files, err := s.app.ReportEvidence(caller, id)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeItems(w, files)
}

// handleGetEvidence returns the record as JSON, or the raw file with ?raw=1.
func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	file, err := s.app.GetEvidence(caller, id)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	if r.URL.Query().Get("raw") == "" {
		writeJSON(w, http.StatusOK, file)
		return
	}
	contentType := file.FileType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(file.FileName, `"`, "")+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Data)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	msgs, err := s.app.Messages(caller, id)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeItems(w, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		msg domain.Message
		err error
	)
	switch strings.ToLower(strings.TrimSpace(req.As)) {
	case "authority":
		msg, err = s.app.SendAuthorityMessage(caller, id, req.Content)
	case "", "reporter":
		msg, err = s.app.SendReporterMessage(caller, id, req.Content)
	default:
		writeError(w, http.StatusBadRequest, codeInvalidRequest, `as must be "authority" or "reporter"`)
		return
	}
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	user, err := s.app.UserInfo(caller)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	balance, err := s.app.Balance(caller)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": balance})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.Transfer(caller, domain.Principal(strings.TrimSpace(req.To)), req.Amount); err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (s *Server) handleListAuthorities(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	list, err := s.app.ListAuthorities(caller)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeItems(w, list)
}

func (s *Server) handleAddAuthority(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	var req authorityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	target := domain.Principal(strings.TrimSpace(req.Principal))
	if err := s.app.AddAuthority(caller, target); err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"principal": string(target)})
}

func (s *Server) handleRemoveAuthority(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	target := domain.Principal(strings.TrimSpace(r.PathValue("principal")))
	if err := s.app.RemoveAuthority(caller, target); err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleIsAuthority(w http.ResponseWriter, r *http.Request) {
	p := domain.Principal(strings.TrimSpace(r.PathValue("principal")))
	ok, err := s.app.IsAuthority(p)
	if err != nil {
		s.writeAppError(w, r, domain.Anonymous, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": p, "isAuthority": ok})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	stats, err := s.app.Stats(caller)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	analytics, err := s.app.Analytics(caller)
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleConfigureArchival(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	var req archivalCredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.ConfigureArchival(caller, req.APIKey, req.APISecret, req.JWT); err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleArchivedReport(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	data, err := s.app.RetrieveArchivedReport(r.Context(), caller, r.PathValue("cid"))
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeRaw(w, data)
}

func (s *Server) handleArchivedEvidence(w http.ResponseWriter, r *http.Request, caller domain.Principal) {
	data, err := s.app.RetrieveArchivedEvidence(r.Context(), caller, r.PathValue("cid"))
	if err != nil {
		s.writeAppError(w, r, caller, err)
		return
	}
	writeRaw(w, data)
}

// writeRaw relays an archived snapshot, which is already JSON.
func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
