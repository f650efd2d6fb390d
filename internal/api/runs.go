package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	defaultRunCap   = 100
)

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Run states.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunRecord is one crawl run as reported over HTTP.
type RunRecord struct {
	RunID    string
	Mode     string
	Status   RunStatus
	Started  time.Time
	Finished time.Time
	Summary  crawler.Summary
	Error    string
}

// RunBoard keeps the active run and a bounded history of finished runs,
// newest first. It is safe for concurrent use.
type RunBoard struct {
	mu       sync.RWMutex
	clock    crawler.Clock
	capacity int
	current  *RunRecord
	history  []RunRecord
}

// NewRunBoard builds a board retaining up to capacity finished runs.
func NewRunBoard(capacity int, clock crawler.Clock) *RunBoard {
	if capacity <= 0 {
		capacity = defaultRunCap
	}
	return &RunBoard{clock: clock, capacity: capacity}
}

// Begin marks a run of mode as active.
func (b *RunBoard) Begin(mode string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = &RunRecord{Mode: mode, Status: RunRunning, Started: b.clock.Now().UTC()}
}

// Finish closes the active run with its summary and terminal error.
func (b *RunBoard) Finish(summary crawler.Summary, runErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := RunRecord{Status: RunRunning, Started: b.clock.Now().UTC()}
	if b.current != nil {
		rec = *b.current
	}
	rec.RunID = summary.RunID
	rec.Summary = summary
	rec.Finished = b.clock.Now().UTC()
	rec.Status = RunSuccess
	if runErr != nil {
		rec.Status = RunError
		rec.Error = runErr.Error()
	}
	b.current = nil
	b.history = append([]RunRecord{rec}, b.history...)
	if len(b.history) > b.capacity {
		b.history = b.history[:b.capacity]
	}
}

// Current returns the active run, if any.
func (b *RunBoard) Current() (RunRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return RunRecord{}, false
	}
	return *b.current, true
}

// Get finds a finished run by id.
func (b *RunBoard) Get(runID string) (RunRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, rec := range b.history {
		if rec.RunID == runID {
			return rec, true
		}
	}
	return RunRecord{}, false
}

// List returns finished runs, optionally filtered by status.
func (b *RunBoard) List(status *RunStatus, limit, offset int) []RunRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]RunRecord, 0, min(limit, len(b.history)))
	skipped := 0
	for _, rec := range b.history {
		if status != nil && rec.Status != *status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, rec)
	}
	return out
}

// listRuns handles GET /api/runs?status=&limit=&offset=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(s.runs.List(status, limit, offset))})
}

// currentRun handles GET /api/runs/current: 404 when idle.
func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	rec, ok := s.runs.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(rec)})
}

// getRun handles GET /api/runs/{run_id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(rec)})
}

func parseRunID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return "", errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid run_id")
	}
	return id.String(), nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return RunRunning, nil
	case "success":
		return RunSuccess, nil
	case "error", "failed", "failure":
		return RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

type runDTO struct {
	RunID            string     `json:"run_id,omitempty"`
	Mode             string     `json:"mode"`
	Status           RunStatus  `json:"status"`
	Started          time.Time  `json:"started_at"`
	Finished         *time.Time `json:"finished_at,omitempty"`
	Error            string     `json:"error,omitempty"`
	Pages            int        `json:"pages"`
	PagesFailed      int        `json:"pages_failed"`
	Products         int        `json:"products"`
	DetailsFailed    int        `json:"details_failed"`
	DetailsMalformed int        `json:"details_malformed"`
	BatchesFailed    int        `json:"batches_failed"`
	Rows             int        `json:"rows"`
	Exported         bool       `json:"exported"`
	ExportURI        string     `json:"export_uri,omitempty"`
	Canceled         bool       `json:"canceled"`
	DurationMillis   int64      `json:"duration_ms"`
}

func toRunDTOs(in []RunRecord) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toRunDTO(rec))
	}
	return out
}

func toRunDTO(rec RunRecord) runDTO {
	dto := runDTO{
		RunID:            rec.RunID,
		Mode:             rec.Mode,
		Status:           rec.Status,
		Started:          rec.Started,
		Error:            rec.Error,
		Pages:            rec.Summary.Pages,
		PagesFailed:      rec.Summary.PagesFailed,
		Products:         rec.Summary.Products,
		DetailsFailed:    rec.Summary.DetailsFailed,
		DetailsMalformed: rec.Summary.DetailsMalformed,
		BatchesFailed:    rec.Summary.BatchesFailed,
		Rows:             rec.Summary.Rows,
		Exported:         rec.Summary.Exported,
		ExportURI:        rec.Summary.ExportURI,
		Canceled:         rec.Summary.Canceled,
		DurationMillis:   rec.Summary.Duration.Milliseconds(),
	}
	if !rec.Finished.IsZero() {
		finished := rec.Finished
		dto.Finished = &finished
	}
	return dto
}
