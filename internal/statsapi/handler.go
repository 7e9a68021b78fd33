// Package statsapi serves the read-only JSON view over relay jobs.
package statsapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/uscmining/relay-worker/internal/job"
)

const (
	statsTopMiners  = 10
	statsRecentJobs = 10
)

// Reader is the subset of job.Store the API needs.
type Reader interface {
	ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error)
	ListAll(ctx context.Context, limit int) ([]job.Job, error)
}

type Option func(*api)

func WithLogger(log *slog.Logger) Option {
	return func(a *api) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(a *api) { a.metrics = h }
}

func WithNow(now func() time.Time) Option {
	return func(a *api) {
		if now != nil {
			a.now = now
		}
	}
}

type api struct {
	store   Reader
	log     *slog.Logger
	metrics http.Handler
	now     func() time.Time
}

// NewHandler returns the API router wrapped in request id, access log, panic
// recovery and CORS middleware.
func NewHandler(store Reader, opts ...Option) http.Handler {
	a := &api{
		store: store,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:   time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("component", "statsapi")

	r := mux.NewRouter()
	r.HandleFunc("/", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/leaderboard", a.handleLeaderboard).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", a.handleJobs).Methods(http.MethodGet)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.OptionStatusCode(http.StatusNoContent),
	)

	var h http.Handler = r
	h = onlyGET(h)
	h = cors(h)
	h = answerOptions(h)
	h = recoverer(a.log)(h)
	h = accessLog(a.log)(h)
	h = requestID(h)
	return h
}

func (a *api) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.log.Error("request failed",
		"request_id", RequestIDFrom(r.Context()),
		"op", op,
		"err", err,
	)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(time.RFC3339Nano),
	})
}

type statsResponse struct {
	TotalJobs    int                `json:"totalJobs"`
	JobsByStatus map[string]int     `json:"jobsByStatus"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard"`
	RecentJobs   []jobView          `json:"recentJobs"`
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	all, err := a.store.ListAll(r.Context(), 0)
	if err != nil {
		a.internalError(w, r, "list jobs", err)
		return
	}

	byStatus := make(map[string]int, len(job.AllStatuses()))
	for _, st := range job.AllStatuses() {
		byStatus[st.String()] = 0
	}
	for _, j := range all {
		byStatus[j.Status.String()]++
	}

	board := BuildLeaderboard(all)
	if len(board) > statsTopMiners {
		board = board[:statsTopMiners]
	}
	recent := all
	if len(recent) > statsRecentJobs {
		recent = recent[:statsRecentJobs]
	}

	writeJSON(w, http.StatusOK, statsResponse{
		TotalJobs:    len(all),
		JobsByStatus: byStatus,
		Leaderboard:  board,
		RecentJobs:   views(recent),
	})
}

func (a *api) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	all, err := a.store.ListByStatus(r.Context(), job.StatusCredited, 0)
	if err != nil {
		a.internalError(w, r, "list credited jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": BuildLeaderboard(all)})
}

func (a *api) handleJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []job.Job
		err  error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, perr := job.ParseStatus(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		jobs, err = a.store.ListByStatus(r.Context(), st, 0)
	} else {
		jobs, err = a.store.ListAll(r.Context(), 0)
	}
	if err != nil {
		a.internalError(w, r, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(jobs),
		"jobs":  views(jobs),
	})
}

type jobView struct {
	ID                int64           `json:"id"`
	TxHash            string          `json:"txHash"`
	BlockNumber       uint64          `json:"blockNumber"`
	TxIndex           uint64          `json:"txIndex"`
	LogIndex          uint64          `json:"logIndex"`
	Epoch             uint64          `json:"epoch"`
	Miner             string          `json:"miner"`
	Nonce             string          `json:"nonce"`
	WorkUnits         uint64          `json:"workUnits"`
	Digest            string          `json:"digest"`
	Status            string          `json:"status"`
	ProofBundle       json.RawMessage `json:"proofBundle"`
	DestinationTxHash *string         `json:"destinationTxHash"`
	ErrorMessage      *string         `json:"errorMessage"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func views(jobs []job.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		v := jobView{
			ID:          j.ID,
			TxHash:      j.SourceTxHash.Hex(),
			BlockNumber: j.BlockNumber,
			TxIndex:     j.TxIndex,
			LogIndex:    j.LogIndex,
			Epoch:       j.Epoch,
			Miner:       j.Miner.Hex(),
			Nonce:       j.Nonce,
			WorkUnits:   j.WorkUnits,
			Digest:      j.Digest.Hex(),
			Status:      j.Status.String(),
			CreatedAt:   j.CreatedAt,
			UpdatedAt:   j.UpdatedAt,
		}
		if len(j.ProofBundle) > 0 && json.Valid(j.ProofBundle) {
			v.ProofBundle = json.RawMessage(j.ProofBundle)
		}
		if (j.DestinationTxHash != common.Hash{}) {
			h := j.DestinationTxHash.Hex()
			v.DestinationTxHash = &h
		}
		if j.ErrorMessage != "" {
			msg := j.ErrorMessage
			v.ErrorMessage = &msg
		}
		out = append(out, v)
	}
	return out
}
