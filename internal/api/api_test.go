package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dm-finder/internal/credits"
	"github.com/sells-group/dm-finder/internal/discovery"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/orchestrator"
	"github.com/sells-group/dm-finder/internal/store"
)

type stubEngine struct{}

func (stubEngine) Discover(_ context.Context, row model.CompanyRow, _ model.JobOptions, limit int) (*discovery.Outcome, error) {
	out := &discovery.Outcome{Identity: model.Identity{Name: row.Name}}
	conf := model.ConfidenceHigh
	if row.Index%2 == 1 {
		conf = model.ConfidenceLow
	}
	if limit > 0 {
		out.Candidates = []model.Candidate{{
			Name:       "Owner of " + row.Name,
			Title:      "Owner",
			Platform:   model.PlatformLinkedIn,
			ProfileURL: "https://linkedin.com/in/" + strings.ToLower(strings.ReplaceAll(row.Name, " ", "-")),
			Confidence: conf,
		}}
	}
	return out, nil
}

// syncDispatcher runs jobs inline so responses observe the finished job.
type syncDispatcher struct {
	orch *orchestrator.Orchestrator
	err  error

	mu  sync.Mutex
	ids []string
}

func (d *syncDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	d.ids = append(d.ids, jobID)
	d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.orch == nil {
		return nil
	}
	return d.orch.Run(ctx, jobID)
}

type testEnv struct {
	srv        *Server
	store      store.Store
	ledger     *credits.Ledger
	dispatcher *syncDispatcher
}

func newTestEnv(t *testing.T, run bool) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	ledger := credits.NewLedger(st)
	orch := orchestrator.New(st, ledger, stubEngine{}, orchestrator.Config{Concurrency: 1})
	d := &syncDispatcher{}
	if run {
		d.orch = orch
	}
	srv := New(orch, st, ledger, d, Config{AdminToken: "secret"})
	return &testEnv{srv: srv, store: st, ledger: ledger, dispatcher: d}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) grant(t *testing.T, user string, n int) {
	t.Helper()
	_, err := e.ledger.GrantTopup(context.Background(), user, n, "test")
	require.NoError(t, err)
}

func submitBody(names ...string) map[string]any {
	rows := make([]map[string]string, len(names))
	for i, n := range names {
		rows[i] = map[string]string{"Company": n, "City": "Austin"}
	}
	return map[string]any{
		"filename":       "leads.csv",
		"column_mapping": map[string]string{"company_name": "Company", "location": "City"},
		"rows":           rows,
		"options":        map[string]any{"platforms": []string{"linkedin"}},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestJobs_RequireUserHeader(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitJob_Accepted(t *testing.T) {
	env := newTestEnv(t, false)
	env.grant(t, "u1", 10)

	rec := env.do(t, http.MethodPost, "/jobs", "u1", submitBody("Acme Roofing", "Beta Builders"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[submitResponse](t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.Len(t, resp.SupportID, 8)
	assert.Equal(t, model.JobStatusQueued, resp.Status)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, []string{resp.ID}, env.dispatcher.ids)
}

func TestSubmitJob_Validation(t *testing.T) {
	env := newTestEnv(t, false)
	env.grant(t, "u1", 10)

	rec := env.do(t, http.MethodPost, "/jobs", "u1", map[string]any{"rows": []map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := submitBody("Acme")
	body["options"] = map[string]any{"platforms": []string{"myspace"}}
	rec = env.do(t, http.MethodPost, "/jobs", "u1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "myspace")

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{"))
	req.Header.Set(headerUserID, "u1")
	raw := httptest.NewRecorder()
	env.srv.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestSubmitJob_NoCredits(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/jobs", "broke", submitBody("Acme"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Empty(t, env.dispatcher.ids)
}

func TestSubmitJob_DispatchFailureFailsJob(t *testing.T) {
	env := newTestEnv(t, false)
	env.grant(t, "u1", 10)
	env.dispatcher.err = errors.New("temporal unavailable")

	rec := env.do(t, http.MethodPost, "/jobs", "u1", submitBody("Acme"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.Len(t, env.dispatcher.ids, 1)
	job, err := env.store.GetJob(context.Background(), env.dispatcher.ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, model.ErrorCodeInternal, job.ErrorCode)
}

func TestGetJob_OwnerOnly(t *testing.T) {
	env := newTestEnv(t, true)
	env.grant(t, "u1", 10)
	id := decode[submitResponse](t, env.do(t, http.MethodPost, "/jobs", "u1", submitBody("Acme"))).ID

	rec := env.do(t, http.MethodGet, "/jobs/"+id, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[model.Job](t, rec)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.ProcessedCompanies)
	assert.Equal(t, 1, job.CreditsSpent)
	assert.Empty(t, job.Rows)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/"+id, "u2", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/missing", "u1", nil).Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, false)
	env.grant(t, "u1", 10)
	env.grant(t, "u2", 10)
	env.do(t, http.MethodPost, "/jobs", "u1", submitBody("A"))
	env.do(t, http.MethodPost, "/jobs", "u1", submitBody("B"))
	env.do(t, http.MethodPost, "/jobs", "u2", submitBody("C"))

	rec := env.do(t, http.MethodGet, "/jobs?status=queued&limit=10", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[listJobsResponse](t, rec)
	assert.Len(t, resp.Jobs, 2)
	for _, j := range resp.Jobs {
		assert.Equal(t, "u1", j.UserID)
	}

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/jobs?status=bogus", "u1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/jobs?limit=-1", "u1", nil).Code)
}

func TestListResults_Filters(t *testing.T) {
	env := newTestEnv(t, true)
	env.grant(t, "u1", 10)
	id := decode[submitResponse](t, env.do(t, http.MethodPost, "/jobs", "u1", submitBody("Acme", "Beta", "Gamma"))).ID

	rec := env.do(t, http.MethodGet, "/jobs/"+id+"/results", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[listResultsResponse](t, rec)
	assert.Equal(t, 3, all.Total)
	assert.Len(t, all.Results, 3)

	rec = env.do(t, http.MethodGet, "/jobs/"+id+"/results?confidence=high", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	high := decode[listResultsResponse](t, rec)
	assert.Equal(t, 2, high.Total)

	rec = env.do(t, http.MethodGet, "/jobs/"+id+"/results?confidence=low", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[listResultsResponse](t, rec).Total)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/jobs/"+id+"/results?confidence=maybe", "u1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/jobs/"+id+"/results?platform=myspace", "u1", nil).Code)
}

func TestExportCSV(t *testing.T) {
	env := newTestEnv(t, true)
	env.grant(t, "u1", 10)
	id := decode[submitResponse](t, env.do(t, http.MethodPost, "/jobs", "u1", submitBody("Acme", "Beta"))).ID

	rec := env.do(t, http.MethodGet, "/jobs/"+id+"/export.csv", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	recs, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "Job ID", recs[0][0])
	assert.Equal(t, id, recs[1][0])
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, false)
	env.grant(t, "u1", 10)
	id := decode[submitResponse](t, env.do(t, http.MethodPost, "/jobs", "u1", submitBody("Acme"))).ID

	rec := env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "u1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := env.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)

	rec = env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "u2", nil).Code)
}

func TestGetCredits(t *testing.T) {
	env := newTestEnv(t, false)
	env.grant(t, "u1", 25)

	rec := env.do(t, http.MethodGet, "/credits", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[creditsResponse](t, rec)
	assert.Equal(t, 25, resp.Balance)
	require.Len(t, resp.Ledger, 1)
	assert.Equal(t, model.LedgerTopup, resp.Ledger[0].EventType)
}

func TestGrantCredits(t *testing.T) {
	env := newTestEnv(t, false)

	post := func(token string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, "/credits/grants", &buf)
		if token != "" {
			req.Header.Set(headerAdminToken, token)
		}
		rec := httptest.NewRecorder()
		env.srv.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusForbidden, post("", map[string]any{"user_id": "u1", "kind": "topup", "amount": 5}).Code)
	assert.Equal(t, http.StatusForbidden, post("wrong", map[string]any{"user_id": "u1", "kind": "topup", "amount": 5}).Code)

	rec := post("secret", map[string]any{"user_id": "u1", "kind": "topup", "amount": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 5, decode[map[string]any](t, rec)["balance"])

	end := time.Now().Add(30 * 24 * time.Hour)
	rec = post("secret", map[string]any{"user_id": "u1", "kind": "monthly", "plan": "trial", "period_end": end})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 25, decode[map[string]any](t, rec)["balance"])

	assert.Equal(t, http.StatusBadRequest, post("secret", map[string]any{"user_id": "u1", "kind": "monthly", "plan": "gold", "period_end": end}).Code)
	assert.Equal(t, http.StatusBadRequest, post("secret", map[string]any{"user_id": "u1", "kind": "topup", "amount": 0}).Code)
	assert.Equal(t, http.StatusBadRequest, post("secret", map[string]any{"user_id": "u1", "kind": "gift", "amount": 3}).Code)
	assert.Equal(t, http.StatusBadRequest, post("secret", map[string]any{"kind": "topup", "amount": 3}).Code)
}

func TestExportJobsCSV_Admin(t *testing.T) {
	env := newTestEnv(t, true)
	env.grant(t, "u1", 10)
	env.do(t, http.MethodPost, "/jobs", "u1", submitBody("Acme"))

	req := httptest.NewRequest(http.MethodGet, "/admin/jobs.csv", nil)
	req.Header.Set(headerAdminToken, "secret")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	recs, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "u1", recs[1][2])
	assert.Equal(t, "completed", recs[1][4])
}

func TestUploadPreview(t *testing.T) {
	env := newTestEnv(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "leads.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Company Name,Website,City\nAcme,acme.com,Austin\nBeta,beta.io,Dallas\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/preview", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[previewResponse](t, rec)
	assert.Equal(t, 2, resp.TotalRows)
	assert.Equal(t, []string{"Company Name", "Website", "City"}, resp.Columns)
	assert.Equal(t, "Company Name", resp.SuggestedMappings.CompanyName)
	assert.Equal(t, "Website", resp.SuggestedMappings.Website)
	assert.Equal(t, "City", resp.SuggestedMappings.Location)
}

func TestUploadPreview_RejectsOtherTypes(t *testing.T) {
	env := newTestEnv(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "leads.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/preview", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
