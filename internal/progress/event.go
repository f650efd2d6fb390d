// Package progress defines the event structures emitted by the crawl pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
	StageAttempt  Stage = "FETCH_ATTEMPT"
	StageRetry    Stage = "FETCH_RETRY"
	StageFailure  Stage = "FETCH_FAILURE"
	StageSuccess  Stage = "FETCH_SUCCESS"
	StagePage     Stage = "PAGE_DONE"
	StageBatch    Stage = "BATCH_DONE"
	StageExport   Stage = "EXPORT_DONE"
)

// Component names the emitter of an Event.
type Component string

// Pipeline components.
const (
	ComponentListing Component = "listing"
	ComponentDetail  Component = "detail"
	ComponentEngine  Component = "engine"
	ComponentSink    Component = "sink"
)

// Outcome classifies page, batch, export and failure events.
type Outcome string

// Supported outcomes.
const (
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeEmpty    Outcome = "empty"
	OutcomeCanceled Outcome = "canceled"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawl progress.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS        time.Time
	Stage     Stage
	Component Component
	// URL is the fetched URL for fetch stages.
	URL       string
	ProductID string
	// Page is the zero-based listing page index, -1 when not applicable.
	Page       int
	Attempt    int
	StatusCode int
	// Count carries the number of products, rows or bytes the event covers.
	Count   int
	Outcome Outcome
	// Dur captures latency for fetches, backoff waits and run completion.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageExport:
	case StageAttempt, StageRetry, StageFailure, StageSuccess:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
		if e.Component == "" {
			return fmt.Errorf("%s requires component", e.Stage)
		}
	case StagePage:
		if e.Page < 0 {
			return errors.New("page event requires page index")
		}
	case StageBatch:
		if e.Outcome == "" {
			return errors.New("batch event requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID decodes a textual UUID into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
