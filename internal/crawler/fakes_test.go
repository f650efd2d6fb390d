package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// step is one scripted attempt outcome.
type step struct {
	status int
	body   string
	err    error
}

// scriptedFetcher replays per-URL steps; the last step repeats once exhausted.
type scriptedFetcher struct {
	mu     sync.Mutex
	script map[string][]step
	calls  map[string]int
	onCall func(url string)
}

func newScriptedFetcher(script map[string][]step) *scriptedFetcher {
	return &scriptedFetcher{script: script, calls: make(map[string]int)}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	steps, ok := f.script[req.URL]
	n := f.calls[req.URL]
	f.calls[req.URL] = n + 1
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(req.URL)
	}
	if !ok || len(steps) == 0 {
		return FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	s := steps[min(n, len(steps)-1)]
	if s.err != nil {
		return FetchResponse{}, s.err
	}
	return FetchResponse{URL: req.URL, StatusCode: s.status, Body: []byte(s.body), Duration: time.Millisecond}, nil
}

func (f *scriptedFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// recordingSleeper returns immediately and records requested delays.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fixedPacer time.Duration

func (p fixedPacer) Delay() time.Duration { return time.Duration(p) }

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("01890a5d-ac96-774b-bcce-b302099a8%03d", g.n), nil
}

// stubSink keeps upserted batches in memory with incoming-wins merging.
type stubSink struct {
	mu        sync.Mutex
	batches   [][]ProductRecord
	rows      map[string]ProductRecord
	failPages map[string]bool
	exported  []string
	exportErr error
	ctxErrs   []error
	missing   []string
}

func newStubSink() *stubSink {
	return &stubSink{rows: make(map[string]ProductRecord), failPages: make(map[string]bool)}
}

var errStubDB = errors.New("stub db down")

func (s *stubSink) UpsertBatch(ctx context.Context, records []ProductRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	for _, rec := range records {
		if s.failPages[rec.ProductID] {
			return fmt.Errorf("%w: %w", ErrDB, errStubDB)
		}
	}
	s.batches = append(s.batches, records)
	for _, rec := range CollapseBatch(records, IncomingWins) {
		s.rows[rec.ProductID] = MergeFields(s.rows[rec.ProductID], rec, IncomingWins)
	}
	return nil
}

func (s *stubSink) ExportAll(_ context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exportErr != nil {
		return "", s.exportErr
	}
	s.exported = append(s.exported, path)
	return "file://" + path, nil
}

func (s *stubSink) ListIncomplete(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && limit < len(s.missing) {
		return append([]string(nil), s.missing[:limit]...), nil
	}
	return append([]string(nil), s.missing...), nil
}

func (s *stubSink) Row(id string) (ProductRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	return rec, ok
}

func (s *stubSink) RowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
