// Package importer drives one CSV import from file checks to upload.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/csvimport"
	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/internal/mirror"
	"github.com/drfirst/go-hms/internal/upload"
)

// State is the progress of a run
type State int

const (
	Idle State = iota
	Parsing
	Validated
	Uploading
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Parsing:
		return "parsing"
	case Validated:
		return "validated"
	case Uploading:
		return "uploading"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrStarted is returned when Execute is called on a run that already left Idle
var ErrStarted = errors.New("import run already started")

// Config controls a run
type Config struct {
	Upload upload.Config
	// DryRun validates the file without uploading
	DryRun bool
	// Now stamps placeholder identifiers. Defaults to time.Now.
	Now func() time.Time
	// OnTransition observes every state change
	OnTransition func(from, to State)
}

// ChunkFailure is a failed upload chunk in a report
type ChunkFailure struct {
	Chunk   int    `json:"chunk"`
	Offset  int    `json:"offset"`
	Size    int    `json:"size"`
	Message string `json:"message"`
}

// Report is the result of a run
type Report[T any] struct {
	Kind     hospital.Kind        `json:"kind"`
	File     string               `json:"file"`
	State    string               `json:"state"`
	Summary  csvimport.Summary    `json:"summary"`
	Errors   []csvimport.RowError `json:"errors"`
	Saved    int                  `json:"saved"`
	Chunks   int                  `json:"chunks"`
	Failures []ChunkFailure       `json:"chunk_failures,omitempty"`
	Error    string               `json:"error,omitempty"`
	// Accepted holds the records that passed validation
	Accepted []T `json:"-"`
	// Uploaded holds the accepted records the server stored
	Uploaded []T `json:"-"`
}

// Run imports one file of one kind.
//
// Idle -> Parsing -> Validated -> Uploading -> Done, with Validated -> Done
// when no record is valid and Uploading -> Failed when a chunk fails under
// StopOnError. File errors move Parsing -> Failed before any row is read.
type Run[T hospital.Document] struct {
	schema *csvimport.Schema[T]
	poster upload.Poster
	mirror *mirror.Store
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	state   State
	summary csvimport.Summary
	saved   int
	err     error
}

// NewRun creates a run. store may be nil, in which case rows are validated
// against an empty snapshot and nothing is merged.
func NewRun[T hospital.Document](schema *csvimport.Schema[T], poster upload.Poster, store *mirror.Store, cfg Config, logger *zap.Logger) *Run[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Run[T]{
		schema: schema,
		poster: poster,
		mirror: store,
		cfg:    cfg,
		logger: logger.With(zap.String("kind", string(schema.Kind))),
		tracer: otel.Tracer("importer"),
	}
}

// State returns the current state
func (r *Run[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Summary returns the validation summary once the run reached Validated
func (r *Run[T]) Summary() csvimport.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Saved returns the number of stored records once the run is Done
func (r *Run[T]) Saved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

// Err returns the failure of a Failed run
func (r *Run[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run[T]) transition(to State, mutate func()) {
	r.mu.Lock()
	from := r.state
	r.state = to
	if mutate != nil {
		mutate()
	}
	r.mu.Unlock()

	r.logger.Debug("import state", zap.Stringer("from", from), zap.Stringer("to", to))
	if r.cfg.OnTransition != nil {
		r.cfg.OnTransition(from, to)
	}
}

func (r *Run[T]) fail(err error) {
	r.transition(Failed, func() { r.err = err })
}

// Execute processes the content of the file called name. File errors are
// returned with a nil report. An upload failure under StopOnError is
// returned together with the partial report.
func (r *Run[T]) Execute(ctx context.Context, name string, data []byte) (*Report[T], error) {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return nil, ErrStarted
	}
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "import",
		trace.WithAttributes(
			attribute.String("kind", string(r.schema.Kind)),
			attribute.String("file", name),
		))
	defer span.End()

	r.transition(Parsing, nil)
	text, err := csvimport.CheckText(name, data)
	if err != nil {
		r.fail(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var snap *csvimport.Snapshot
	if r.mirror != nil {
		snap = r.mirror.Snapshot()
	}
	outcome := csvimport.Process(text, r.schema, snap, csvimport.Options{Now: r.cfg.Now})

	report := &Report[T]{
		Kind:     r.schema.Kind,
		File:     name,
		Summary:  outcome.Summary,
		Errors:   outcome.Errors,
		Accepted: outcome.Valid,
		Uploaded: []T{},
	}
	r.transition(Validated, func() { r.summary = outcome.Summary })
	span.SetAttributes(
		attribute.Int("rows.total", outcome.Summary.Total),
		attribute.Int("rows.valid", outcome.Summary.Valid),
		attribute.Int("rows.invalid", outcome.Summary.Invalid))
	r.logger.Info("file validated",
		zap.String("file", name),
		zap.Int("total", outcome.Summary.Total),
		zap.Int("valid", outcome.Summary.Valid),
		zap.Int("invalid", outcome.Summary.Invalid))

	if len(outcome.Valid) == 0 || r.cfg.DryRun {
		r.transition(Done, func() { r.saved = 0 })
		report.State = Done.String()
		return report, nil
	}

	r.transition(Uploading, nil)
	res, err := upload.Upload(ctx, r.poster, string(r.schema.Kind), outcome.Valid, r.cfg.Upload, r.logger)
	report.Saved, report.Chunks = res.Saved, res.Chunks
	for _, f := range res.Failures {
		report.Failures = append(report.Failures, ChunkFailure{
			Chunk:   f.Index + 1,
			Offset:  f.Offset,
			Size:    f.Size,
			Message: f.Message(),
		})
	}
	report.Uploaded = uploaded(outcome.Valid, res, r.cfg.Upload.ChunkSize)
	if r.mirror != nil {
		mirror.Merge(r.mirror, report.Uploaded)
	}

	if err != nil {
		r.fail(err)
		report.State = Failed.String()
		report.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	r.transition(Done, func() { r.saved = res.Saved })
	report.State = Done.String()
	r.logger.Info("import finished",
		zap.Int("saved", res.Saved),
		zap.Int("chunks", res.Chunks),
		zap.Int("failed_chunks", len(res.Failures)))
	return report, nil
}

// uploaded returns the records of the chunks that were sent and accepted
func uploaded[T any](records []T, res *upload.Result, chunkSize int) []T {
	if chunkSize <= 0 {
		chunkSize = upload.DefaultChunkSize
	}
	failed := make(map[int]bool, len(res.Failures))
	for _, f := range res.Failures {
		failed[f.Index] = true
	}

	out := make([]T, 0, len(records))
	for i := 0; i < res.Chunks; i++ {
		if failed[i] {
			continue
		}
		start := i * chunkSize
		end := min(start+chunkSize, len(records))
		out = append(out, records[start:end]...)
	}
	return out
}
