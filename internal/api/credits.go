package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/export"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/store"
)

const ledgerPreview = 20

type creditsResponse struct {
	UserID  string              `json:"user_id"`
	Balance int                 `json:"balance"`
	Ledger  []model.LedgerEntry `json:"ledger"`
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userID(r)

	balance, err := s.ledger.Balance(ctx, user)
	if err != nil {
		zap.L().Error("api: balance lookup failed", zap.String("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	entries, err := s.store.ListLedger(ctx, user, ledgerPreview)
	if err != nil {
		zap.L().Error("api: ledger lookup failed", zap.String("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, creditsResponse{UserID: user, Balance: balance, Ledger: entries})
}

// grantRequest is an admin credit grant. Kind is topup, monthly or
// adjustment; monthly needs Plan and PeriodEnd, the others need Amount.
type grantRequest struct {
	UserID    string     `json:"user_id"`
	Kind      string     `json:"kind"`
	Amount    int        `json:"amount"`
	Plan      string     `json:"plan"`
	PeriodEnd *time.Time `json:"period_end"`
	Reason    string     `json:"reason"`
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}

	var (
		entry *model.LedgerEntry
		err   error
	)
	switch req.Kind {
	case "topup":
		entry, err = s.ledger.GrantTopup(ctx, req.UserID, req.Amount, req.Reason)
	case "adjustment":
		entry, err = s.ledger.Credit(ctx, req.UserID, req.Amount, req.Reason, nil)
	case "monthly":
		if req.PeriodEnd == nil || !req.PeriodEnd.After(s.now()) {
			writeError(w, http.StatusBadRequest, "period_end must be in the future")
			return
		}
		entry, err = s.ledger.GrantMonthly(ctx, req.UserID, req.Plan, *req.PeriodEnd)
	default:
		writeError(w, http.StatusBadRequest, "kind must be topup, monthly or adjustment")
		return
	}
	if err != nil {
		// Validation failures from the ledger are the caller's fault.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	balance, err := s.ledger.Balance(ctx, req.UserID)
	if err != nil {
		zap.L().Error("api: balance lookup failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry, "balance": balance})
}

func (s *Server) handleExportJobsCSV(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{UserID: r.URL.Query().Get("user_id"), Limit: 500}
	var jobs []model.Job
	for {
		page, err := s.store.ListJobs(r.Context(), filter)
		if err != nil {
			zap.L().Error("api: list jobs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		jobs = append(jobs, page...)
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="dm-finder-jobs.csv"`)
	if err := export.WriteJobsCSV(w, jobs); err != nil {
		zap.L().Warn("api: write jobs export", zap.Error(err))
	}
}
