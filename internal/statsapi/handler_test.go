package statsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uscmining/relay-worker/internal/job"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func seededStore(t *testing.T) *job.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := job.NewMemoryStore()

	mk := func(tx byte, miner common.Address, work, epoch uint64) job.Job {
		j, _, err := store.Create(ctx, job.Solve{
			SourceTxHash: common.BytesToHash([]byte{tx}),
			BlockNumber:  uint64(tx),
			Miner:        miner,
			Epoch:        epoch,
			Nonce:        "1",
			WorkUnits:    work,
		})
		require.NoError(t, err)
		return j
	}
	credit := func(j job.Job) {
		dest := common.BytesToHash([]byte{0xd0, byte(j.ID)})
		for _, st := range []job.Status{job.StatusAttesting, job.StatusProofReady} {
			_, err := store.UpdateStatus(ctx, j.ID, st, job.Update{ProofBundle: []byte(`{"merkleRoot":"0x01"}`)})
			require.NoError(t, err)
		}
		_, err := store.UpdateStatus(ctx, j.ID, job.StatusSubmitted, job.Update{DestinationTxHash: &dest})
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, j.ID, job.StatusCredited, job.Update{})
		require.NoError(t, err)
	}

	credit(mk(1, minerA, 5, 1))
	credit(mk(2, minerA, 3, 2))
	mk(3, minerB, 10, 1)
	failed := mk(4, minerB, 7, 1)
	_, err := store.UpdateStatus(ctx, failed.ID, job.StatusAttesting, job.Update{})
	require.NoError(t, err)
	msg := "proof: retries exhausted"
	_, err = store.UpdateStatus(ctx, failed.ID, job.StatusFailed, job.Update{ErrorMessage: &msg})
	require.NoError(t, err)
	return store
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	h := NewHandler(job.NewMemoryStore(), WithNow(func() time.Time { return fixedNow }))
	for _, path := range []string{"/", "/health"} {
		rec, body := do(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, fixedNow.Format(time.RFC3339Nano), body["timestamp"])
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	}
}

func TestHandler_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	h := NewHandler(job.NewMemoryStore())
	rec, _ := do(t, h, http.MethodGet, "/health", map[string]string{RequestIDHeader: "abc-123"})
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestHandler_Stats(t *testing.T) {
	t.Parallel()

	h := NewHandler(seededStore(t))
	rec, body := do(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.EqualValues(t, 4, body["totalJobs"])
	byStatus := body["jobsByStatus"].(map[string]any)
	assert.EqualValues(t, 2, byStatus["CREDITED"])
	assert.EqualValues(t, 1, byStatus["SEEN"])
	assert.EqualValues(t, 1, byStatus["FAILED"])
	assert.EqualValues(t, 0, byStatus["SUBMITTED"])

	board := body["leaderboard"].([]any)
	require.Len(t, board, 1)
	top := board[0].(map[string]any)
	assert.Equal(t, minerA.Hex(), top["miner"])
	assert.EqualValues(t, 8, top["totalWorkUnits"])
	assert.EqualValues(t, 2, top["totalSolves"])
	assert.EqualValues(t, 2, top["lastEpoch"])
	assert.EqualValues(t, 1, top["rank"])

	recent := body["recentJobs"].([]any)
	require.Len(t, recent, 4)
	assert.Equal(t, common.BytesToHash([]byte{4}).Hex(), recent[0].(map[string]any)["txHash"])
}

func TestHandler_Leaderboard(t *testing.T) {
	t.Parallel()

	rec, body := do(t, NewHandler(seededStore(t)), http.MethodGet, "/api/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board := body["leaderboard"].([]any)
	require.Len(t, board, 1)
	assert.Equal(t, minerA.Hex(), board[0].(map[string]any)["miner"])
}

func TestHandler_JobsByStatus(t *testing.T) {
	t.Parallel()

	h := NewHandler(seededStore(t))

	rec, body := do(t, h, http.MethodGet, "/api/jobs?status=CREDITED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
	jobs := body["jobs"].([]any)
	first := jobs[0].(map[string]any)
	assert.Equal(t, "CREDITED", first["status"])
	assert.NotNil(t, first["destinationTxHash"])
	assert.Equal(t, "0x01", first["proofBundle"].(map[string]any)["merkleRoot"])

	rec, body = do(t, h, http.MethodGet, "/api/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "proof: retries exhausted", body["jobs"].([]any)[0].(map[string]any)["errorMessage"])

	rec, body = do(t, h, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, body["count"])
	seen := body["jobs"].([]any)[1].(map[string]any)
	assert.Equal(t, "SEEN", seen["status"])
	assert.Nil(t, seen["proofBundle"])
	assert.Nil(t, seen["destinationTxHash"])

	rec, body = do(t, h, http.MethodGet, "/api/jobs?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid status", body["error"])
}

func TestHandler_MethodNotAllowedAndNotFound(t *testing.T) {
	t.Parallel()

	h := NewHandler(job.NewMemoryStore())

	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec, body := do(t, h, m, "/api/stats", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, m)
		assert.Equal(t, "Method not allowed", body["error"])
	}
	rec, body := do(t, h, http.MethodPost, "/nope", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", body["error"])

	rec, body = do(t, h, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", body["error"])
}

func TestHandler_CORS(t *testing.T) {
	t.Parallel()

	h := NewHandler(job.NewMemoryStore())

	rec, _ := do(t, h, http.MethodOptions, "/api/stats", map[string]string{
		"Origin":                        "http://scoreboard.local",
		"Access-Control-Request-Method": http.MethodGet,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, _ = do(t, h, http.MethodGet, "/health", map[string]string{"Origin": "http://scoreboard.local"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_BareOptionsIsNoContent(t *testing.T) {
	t.Parallel()

	h := NewHandler(job.NewMemoryStore())

	for _, path := range []string{"/api/stats", "/nope"} {
		rec, _ := do(t, h, http.MethodOptions, path, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), path)
		assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"), path)
	}
}

type brokenReader struct{ panics bool }

func (b brokenReader) ListByStatus(context.Context, job.Status, int) ([]job.Job, error) {
	if b.panics {
		panic("boom")
	}
	return nil, errors.New("database is locked")
}

func (b brokenReader) ListAll(ctx context.Context, _ int) ([]job.Job, error) {
	return b.ListByStatus(ctx, job.StatusUnknown, 0)
}

func TestHandler_InternalErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		reader brokenReader
	}{
		{name: "store error", reader: brokenReader{}},
		{name: "panic", reader: brokenReader{panics: true}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler(tc.reader)
			for _, path := range []string{"/api/stats", "/api/leaderboard", "/api/jobs", "/api/jobs?status=SEEN"} {
				rec, body := do(t, h, http.MethodGet, path, nil)
				assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
				assert.Equal(t, "Internal server error", body["error"], path)
			}
		})
	}
}

func TestHandler_MetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("relay_up 1\n"))
	})

	rec, _ := do(t, NewHandler(job.NewMemoryStore(), WithMetrics(metrics)), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_up 1")

	rec, _ = do(t, NewHandler(job.NewMemoryStore()), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
