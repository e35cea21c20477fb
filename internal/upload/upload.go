// Package upload sends validated records to the bulk-insert endpoint in
// fixed-size chunks.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/client"
	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/pkg/idempotency"
)

// DefaultChunkSize is the number of records per request
const DefaultChunkSize = 500

// Policy decides what happens after a chunk fails
type Policy int

const (
	// StopOnError aborts the upload at the first failed chunk
	StopOnError Policy = iota
	// ContinueOnError reports the failure and sends the remaining chunks
	ContinueOnError
)

func (p Policy) String() string {
	if p == ContinueOnError {
		return "continue"
	}
	return "stop"
}

// ParsePolicy accepts "stop" or "continue"
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stop", "stop-on-error":
		return StopOnError, nil
	case "continue", "continue-on-error":
		return ContinueOnError, nil
	}
	return StopOnError, fmt.Errorf("unknown upload policy %q", s)
}

// Poster sends one chunk. *client.Client implements it.
type Poster interface {
	PostBulk(ctx context.Context, endpoint, idempotencyKey string, body []byte) (*client.BulkResponse, error)
}

// Config controls an upload
type Config struct {
	ChunkSize int
	Policy    Policy
	// RunID scopes idempotency keys. A random one is used when empty; use
	// RunID() to let a repeated import of the same file reuse its keys.
	RunID string
	// OnChunkError is called for every failed chunk
	OnChunkError func(ChunkError)
}

// RunID derives the idempotency scope of an import from what it sends: the
// collection, the issuing doctor (empty for other kinds) and the file.
// Importing the same file again yields the same chunk keys, so chunks the
// server already stored are replayed instead of rejected as duplicates.
func RunID(kind hospital.Kind, issuer string, data []byte) string {
	return idempotency.PayloadHash(bytes.Join([][]byte{[]byte(kind), []byte(issuer), data}, []byte{0}))
}

// DefaultConfig returns the default upload configuration
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, Policy: StopOnError}
}

// ChunkError describes a chunk the server did not accept
type ChunkError struct {
	Index int
	// Offset of the first record of the chunk
	Offset int
	Size   int
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (records %d-%d): %v", e.Index+1, e.Offset+1, e.Offset+e.Size, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Message returns the server's message for the failure, or the error text
func (e *ChunkError) Message() string {
	var statusErr *client.StatusError
	if errors.As(e.Err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}
	return e.Err.Error()
}

// Result aggregates an upload
type Result struct {
	Saved    int          `json:"saved"`
	Chunks   int          `json:"chunks"`
	Failures []ChunkError `json:"-"`
}

// Failed reports whether any chunk failed
func (r *Result) Failed() bool { return len(r.Failures) > 0 }

var tracer = otel.Tracer("uploader")

// Upload posts records to endpoint in contiguous chunks, one request at a
// time and in order. Saved counts only accepted chunks. Under StopOnError
// the first failure is returned as a *ChunkError together with the partial
// result; under ContinueOnError the error is nil and failures are listed in
// the result.
func Upload[T hospital.Document](ctx context.Context, poster Poster, endpoint string, records []T, cfg Config, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	result := &Result{}
	if len(records) == 0 {
		return result, nil
	}

	ctx, span := tracer.Start(ctx, "upload",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Int("records", len(records)),
			attribute.Int("chunk_size", cfg.ChunkSize),
			attribute.String("policy", cfg.Policy.String()),
		))
	defer span.End()

	offset := 0
	for i, chunk := range lo.Chunk(records, cfg.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Chunks++

		saved, err := postChunk(ctx, poster, endpoint, cfg.RunID, i, chunk)
		if err == nil {
			result.Saved += saved
			logger.Debug("chunk uploaded",
				zap.String("endpoint", endpoint),
				zap.Int("chunk", i+1),
				zap.Int("saved", saved))
			offset += len(chunk)
			continue
		}

		chunkErr := ChunkError{Index: i, Offset: offset, Size: len(chunk), Err: err}
		result.Failures = append(result.Failures, chunkErr)
		span.RecordError(&chunkErr)
		logger.Warn("chunk failed",
			zap.String("endpoint", endpoint),
			zap.Int("chunk", i+1),
			zap.Int("size", len(chunk)),
			zap.Error(err))
		if cfg.OnChunkError != nil {
			cfg.OnChunkError(chunkErr)
		}

		if cfg.Policy == StopOnError {
			span.SetStatus(codes.Error, chunkErr.Message())
			return result, &chunkErr
		}
		offset += len(chunk)
	}

	span.SetAttributes(attribute.Int("saved", result.Saved))
	return result, nil
}

func postChunk[T hospital.Document](ctx context.Context, poster Poster, endpoint, runID string, index int, chunk []T) (int, error) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return 0, fmt.Errorf("encode chunk: %w", err)
	}
	ids := lo.Map(chunk, func(d T, _ int) string { return d.DocumentID() })
	key := idempotency.ChunkKey(runID, endpoint, index, ids)

	resp, err := poster.PostBulk(ctx, endpoint, key, body)
	if err != nil {
		return 0, err
	}
	if resp == nil || resp.Count == nil {
		return len(chunk), nil
	}
	return *resp.Count, nil
}
