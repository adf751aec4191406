package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/export"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/orchestrator"
	"github.com/sells-group/dm-finder/internal/store"
)

type submitRequest struct {
	Filename      string              `json:"filename"`
	ColumnMapping model.ColumnMapping `json:"column_mapping"`
	Rows          []map[string]string `json:"rows"`
	Options       model.JobOptions    `json:"options"`
}

type submitResponse struct {
	ID        string          `json:"id"`
	SupportID string          `json:"support_id"`
	Status    model.JobStatus `json:"status"`
	Total     int             `json:"total_companies"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userID(r)

	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	balance, err := s.ledger.Balance(ctx, user)
	if err != nil {
		zap.L().Error("api: balance lookup failed", zap.String("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if balance <= 0 {
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	}

	job, err := s.orch.Submit(ctx, orchestrator.Submission{
		UserID:   user,
		Filename: req.Filename,
		Mapping:  req.ColumnMapping,
		Records:  req.Rows,
		Options:  req.Options,
	})
	if errors.Is(err, orchestrator.ErrInvalidJob) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		zap.L().Error("api: submit failed", zap.String("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		zap.L().Error("api: dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
		s.failUndispatched(r, job.ID)
		writeError(w, http.StatusServiceUnavailable, "job could not be started")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:        job.ID,
		SupportID: job.SupportID,
		Status:    job.Status,
		Total:     job.TotalCompanies,
	})
}

// failUndispatched closes a job nobody will pick up.
func (s *Server) failUndispatched(r *http.Request, jobID string) {
	reason := model.StopReasonError
	_, err := s.store.UpdateJobStatus(r.Context(), jobID, store.StatusUpdate{
		From:       []model.JobStatus{model.JobStatusQueued},
		To:         model.JobStatusFailed,
		StopReason: &reason,
		ErrorCode:  model.ErrorCodeInternal,
		At:         s.now(),
	})
	if err != nil {
		zap.L().Error("api: mark undispatched job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

type listJobsResponse struct {
	Jobs   []model.Job `json:"jobs"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{UserID: userID(r)}

	if v := q.Get("status"); v != "" {
		st, ok := model.ParseJobStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = st
	}
	var err error
	if filter.Limit, filter.Offset, err = paging(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for i := range jobs {
		jobs[i].Rows = nil
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Limit: filter.Limit, Offset: filter.Offset})
}

// ownedJob loads the path job and writes 404 unless it belongs to the caller.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	job, err := s.orch.Job(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.UserID != userID(r)) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		zap.L().Error("api: get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	job.Rows = nil
	writeJSON(w, http.StatusOK, job)
}

type listResultsResponse struct {
	Results []model.DecisionMaker `json:"results"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	filter, err := resultFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, total, err := s.store.ListResults(r.Context(), job.ID, filter)
	if err != nil {
		zap.L().Error("api: list results failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if results == nil {
		results = []model.DecisionMaker{}
	}
	writeJSON(w, http.StatusOK, listResultsResponse{Results: results, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	filter, err := resultFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := export.AllResults(r.Context(), s.store, job.ID, filter)
	if err != nil {
		zap.L().Error("api: export results failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace, _ := strconv.ParseBool(r.URL.Query().Get("trace"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="dm-finder-%s.csv"`, job.SupportID))
	if err := export.WriteResultsCSV(w, job, results, export.ResultOptions{Trace: trace}); err != nil {
		zap.L().Warn("api: write export", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	err := s.orch.Cancel(r.Context(), job.ID)
	switch {
	case errors.Is(err, orchestrator.ErrJobTerminal):
		writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		zap.L().Error("api: cancel failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "cancel_requested"})
}

func resultFilter(r *http.Request) (store.ResultFilter, error) {
	q := r.URL.Query()
	var f store.ResultFilter
	if v := q.Get("confidence"); v != "" {
		c := model.ParseConfidence(v)
		if c == model.ConfidenceLow && !strings.EqualFold(strings.TrimSpace(v), "low") {
			return f, eris.Errorf("unknown confidence %q", v)
		}
		f.Confidence = c
	}
	if v := q.Get("platform"); v != "" {
		p, ok := model.ParsePlatform(v)
		if !ok {
			return f, eris.Errorf("unknown platform %q", v)
		}
		f.Platform = p
	}
	var err error
	f.Limit, f.Offset, err = paging(r)
	return f, err
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, eris.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, eris.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}
