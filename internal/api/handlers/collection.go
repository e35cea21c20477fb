// Package handlers provides HTTP handlers for the hospital API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/api/middleware"
	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/internal/observability/metrics"
	"github.com/drfirst/go-hms/pkg/idempotency"
)

// IdempotencyHeader carries the client-chosen key of a bulk request
const IdempotencyHeader = "Idempotency-Key"

// DefaultMaxBulk is the largest accepted bulk request
const DefaultMaxBulk = 1000

const maxBodyBytes = 16 << 20

// Store is the persistence used by a collection handler
type Store[T hospital.Document] interface {
	List(ctx context.Context, f hospital.Filter) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, doc T) error
	InsertMany(ctx context.Context, docs []T) (int, error)
	Update(ctx context.Context, id string, doc T) error
	Delete(ctx context.Context, id string) error
}

// Inbox deduplicates bulk requests carrying an Idempotency-Key
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload []byte, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// CollectionHandler serves the CRUD and bulk endpoints of one collection
type CollectionHandler[T hospital.Document] struct {
	kind    hospital.Kind
	store   Store[T]
	inbox   Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	maxBulk int
}

// Option configures a CollectionHandler
type Option func(*options)

type options struct {
	inbox   Inbox
	metrics *metrics.Metrics
	maxBulk int
}

// WithInbox enables Idempotency-Key handling on bulk requests
func WithInbox(inbox Inbox) Option {
	return func(o *options) { o.inbox = inbox }
}

// WithMetrics records bulk outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxBulk limits the number of records of one bulk request
func WithMaxBulk(n int) Option {
	return func(o *options) { o.maxBulk = n }
}

// NewCollectionHandler creates a handler for kind
func NewCollectionHandler[T hospital.Document](kind hospital.Kind, store Store[T], logger *zap.Logger, opts ...Option) *CollectionHandler[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{maxBulk: DefaultMaxBulk}
	for _, opt := range opts {
		opt(&o)
	}
	return &CollectionHandler[T]{
		kind:    kind,
		store:   store,
		inbox:   o.inbox,
		metrics: o.metrics,
		logger:  logger.With(zap.String("collection", string(kind))),
		tracer:  otel.Tracer("collection-handler"),
		maxBulk: o.maxBulk,
	}
}

// Routes returns the handler routes
func (h *CollectionHandler[T]) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/bulk", h.Bulk)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

// List handles GET /. Doctors only see the documents they own.
func (h *CollectionHandler[T]) List(w http.ResponseWriter, r *http.Request) {
	f := hospital.Filter{
		OwnerID:   r.URL.Query().Get("owner"),
		PatientID: r.URL.Query().Get("patient_id"),
	}
	if p, ok := middleware.GetPrincipal(r.Context()); ok && p.Role == hospital.RoleDoctor && h.owned() {
		f.OwnerID = p.DoctorID
	}

	docs, err := h.store.List(r.Context(), f)
	if err != nil {
		h.internalError(w, r, "list failed", err)
		return
	}
	if docs == nil {
		docs = []T{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// Get handles GET /{id}
func (h *CollectionHandler[T]) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := h.store.Get(r.Context(), id)
	if errors.Is(err, hospital.ErrNotFound) {
		writeError(w, http.StatusNotFound, h.notFound(id), "")
		return
	}
	if err != nil {
		h.internalError(w, r, "get failed", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Create handles POST /
func (h *CollectionHandler[T]) Create(w http.ResponseWriter, r *http.Request) {
	var doc T
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if doc.DocumentID() == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing %s", h.kind.IDField()), "")
		return
	}

	err := h.store.Create(r.Context(), doc)
	var dup *hospital.DuplicateError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"message":    fmt.Sprintf("Duplicate %s: %s", h.kind.IDField(), doc.DocumentID()),
			"error":      dup.Error(),
			"duplicates": []string{doc.DocumentID()},
		})
		return
	}
	if err != nil {
		h.internalError(w, r, "create failed", err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordsInserted.WithLabelValues(string(h.kind)).Inc()
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":         fmt.Sprintf("%s created successfully", h.kind.Singular()),
		h.kind.Singular(): doc,
	})
}

// Update handles PUT /{id}. The identifier in the body, if any, must match the path.
func (h *CollectionHandler[T]) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var doc T
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if doc.DocumentID() != id {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("%s in body does not match path", h.kind.IDField()), "")
		return
	}

	err := h.store.Update(r.Context(), id, doc)
	if errors.Is(err, hospital.ErrNotFound) {
		writeError(w, http.StatusNotFound, h.notFound(id), "")
		return
	}
	if err != nil {
		h.internalError(w, r, "update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         fmt.Sprintf("%s updated successfully", h.kind.Singular()),
		h.kind.Singular(): doc,
	})
}

// Delete handles DELETE /{id}
func (h *CollectionHandler[T]) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.Delete(r.Context(), id)
	if errors.Is(err, hospital.ErrNotFound) {
		writeError(w, http.StatusNotFound, h.notFound(id), "")
		return
	}
	if err != nil {
		h.internalError(w, r, "delete failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%s deleted successfully", h.kind.Singular()),
	})
}

// Bulk handles POST /bulk.
//
// The body is a non-empty JSON array. The request is rejected as a whole
// when a record lacks its identifier, an identifier repeats within the
// request, or an identifier is already stored. With an Idempotency-Key
// header a repeated request replays the first response.
func (h *CollectionHandler[T]) Bulk(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "bulk_insert",
		trace.WithAttributes(attribute.String("collection", string(h.kind))))
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	var docs []T
	if err := json.Unmarshal(body, &docs); err != nil || len(docs) == 0 {
		h.observe(metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "Request body must be a non-empty array", "")
		return
	}
	if len(docs) > h.maxBulk {
		h.observe(metrics.OutcomeInvalid)
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("At most %d records per request", h.maxBulk), "")
		return
	}
	span.SetAttributes(attribute.Int("records", len(docs)))

	ids := lo.Map(docs, func(d T, _ int) string { return d.DocumentID() })
	if i := lo.IndexOf(ids, ""); i >= 0 {
		h.observe(metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Record %d is missing %s", i, h.kind.IDField()), "")
		return
	}
	if repeated := lo.FindDuplicates(ids); len(repeated) > 0 {
		h.observe(metrics.OutcomeDuplicate)
		h.writeDuplicates(w, &hospital.DuplicateError{Collection: h.kind, IDs: repeated})
		return
	}

	insert := func(ctx context.Context) (json.RawMessage, error) {
		n, err := h.store.InsertMany(ctx, docs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"message":      fmt.Sprintf("%d %s inserted successfully", n, h.kind),
			"count":        n,
			string(h.kind): docs,
		})
	}

	var result json.RawMessage
	replayed := false
	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.inbox != nil {
		var res *idempotency.ProcessResult
		res, err = h.inbox.Process(ctx, key, string(h.kind)+".bulk", body, insert)
		if res != nil {
			result, replayed = res.Result, res.Replayed
		}
	} else {
		result, err = insert(ctx)
	}

	var dup *hospital.DuplicateError
	switch {
	case errors.As(err, &dup):
		h.observe(metrics.OutcomeDuplicate)
		h.writeDuplicates(w, dup)
		return
	case errors.Is(err, idempotency.ErrInProgress), errors.Is(err, idempotency.ErrPreviouslyFailed):
		writeError(w, http.StatusConflict, "Request could not be applied", err.Error())
		return
	case errors.Is(err, idempotency.ErrKeyReused):
		writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused", err.Error())
		return
	case err != nil:
		h.observe(metrics.OutcomeError)
		span.RecordError(err)
		h.internalError(w, r, "bulk insert failed", err)
		return
	}

	if replayed {
		h.observe(metrics.OutcomeReplayed)
		w.Header().Set("Idempotent-Replayed", "true")
	} else {
		h.observe(metrics.OutcomeCreated)
		if h.metrics != nil {
			h.metrics.RecordsInserted.WithLabelValues(string(h.kind)).Add(float64(len(docs)))
			h.metrics.BulkChunkSize.Observe(float64(len(docs)))
		}
		h.logger.Info("bulk insert",
			zap.Int("count", len(docs)),
			zap.String("request_id", middleware.GetRequestID(ctx)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(result)
}

func (h *CollectionHandler[T]) writeDuplicates(w http.ResponseWriter, dup *hospital.DuplicateError) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"message":    fmt.Sprintf("Duplicate %s found", h.kind.IDField()),
		"error":      dup.Error(),
		"duplicates": dup.IDs,
	})
}

func (h *CollectionHandler[T]) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.BulkRequests.WithLabelValues(string(h.kind), outcome).Inc()
	}
}

// owned reports whether documents of the collection belong to a doctor
func (h *CollectionHandler[T]) owned() bool {
	return h.kind == hospital.KindVisit || h.kind == hospital.KindPrescription
}

func (h *CollectionHandler[T]) notFound(id string) string {
	return fmt.Sprintf("%s not found: %s", h.kind.Singular(), id)
}

func (h *CollectionHandler[T]) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, zap.Error(err), zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeError(w, http.StatusInternalServerError, "Internal server error", msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	body := map[string]string{"message": message}
	if detail != "" {
		body["error"] = detail
	}
	writeJSON(w, status, body)
}
