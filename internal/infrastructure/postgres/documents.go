package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/domain/hospital"
)

const uniqueViolation = "23505"

// Documents is the repository of one collection
type Documents[T hospital.Document] struct {
	pool   *pgxpool.Pool
	kind   hospital.Kind
	logger *zap.Logger
	tracer trace.Tracer
}

// NewDocuments creates a repository for kind
func NewDocuments[T hospital.Document](pool *pgxpool.Pool, kind hospital.Kind, logger *zap.Logger) *Documents[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Documents[T]{
		pool:   pool,
		kind:   kind,
		logger: logger.With(zap.String("collection", string(kind))),
		tracer: otel.Tracer("postgres"),
	}
}

// Kind returns the collection served by the repository
func (d *Documents[T]) Kind() hospital.Kind { return d.kind }

// List returns the documents matching f in insertion order
func (d *Documents[T]) List(ctx context.Context, f hospital.Filter) ([]T, error) {
	query := `
		SELECT data FROM documents
		WHERE collection = $1
		  AND ($2::text = '' OR owner_id = $2)
		  AND ($3::text = '' OR data->>'patient_id' = $3)
		ORDER BY created_at, id
	`
	rows, err := d.pool.Query(ctx, query, string(d.kind), f.OwnerID, f.PatientID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.kind, err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var doc T
		var data []byte
		if err := row.Scan(&data); err != nil {
			return doc, err
		}
		return doc, json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.kind, err)
	}
	return docs, nil
}

// IDs returns every stored identifier of the collection
func (d *Documents[T]) IDs(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM documents WHERE collection = $1`, string(d.kind))
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", d.kind, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Get returns one document or hospital.ErrNotFound
func (d *Documents[T]) Get(ctx context.Context, id string) (T, error) {
	var doc T
	var data []byte
	err := d.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`, string(d.kind), id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, fmt.Errorf("%s %s: %w", d.kind, id, hospital.ErrNotFound)
	}
	if err != nil {
		return doc, fmt.Errorf("get %s %s: %w", d.kind, id, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s %s: %w", d.kind, id, err)
	}
	return doc, nil
}

// Existing returns the subset of ids that are already stored
func (d *Documents[T]) Existing(ctx context.Context, ids []string) ([]string, error) {
	return existing(ctx, d.pool, d.kind, ids)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func existing(ctx context.Context, q querier, kind hospital.Kind, ids []string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT id FROM documents WHERE collection = $1 AND id = ANY($2) ORDER BY id`, string(kind), ids)
	if err != nil {
		return nil, fmt.Errorf("check existing %s: %w", kind, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Create stores a single document
func (d *Documents[T]) Create(ctx context.Context, doc T) error {
	_, err := d.InsertMany(ctx, []T{doc})
	return err
}

// InsertMany stores docs in one transaction together with a records.created
// outbox entry. Nothing is stored when any identifier already exists; the
// returned *hospital.DuplicateError lists the offending identifiers.
func (d *Documents[T]) InsertMany(ctx context.Context, docs []T) (int, error) {
	ctx, span := d.tracer.Start(ctx, "documents.insert_many",
		trace.WithAttributes(
			attribute.String("collection", string(d.kind)),
			attribute.Int("count", len(docs)),
		))
	defer span.End()

	if len(docs) == 0 {
		return 0, nil
	}
	ids := lo.Map(docs, func(doc T, _ int) string { return doc.DocumentID() })
	if lo.Contains(ids, "") {
		return 0, hospital.ErrMissingID
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dups, err := existing(ctx, tx, d.kind, ids)
	if err != nil {
		return 0, err
	}
	if len(dups) > 0 {
		return 0, &hospital.DuplicateError{Collection: d.kind, IDs: dups}
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"documents"},
		[]string{"collection", "id", "owner_id", "data"},
		pgx.CopyFromSlice(len(docs), func(i int) ([]any, error) {
			data, err := json.Marshal(docs[i])
			if err != nil {
				return nil, err
			}
			return []any{string(d.kind), docs[i].DocumentID(), docs[i].OwnerID(), data}, nil
		}),
	)
	if err != nil {
		span.RecordError(err)
		return 0, d.mapWriteError(err)
	}

	if err := writeRecordsEvent(ctx, tx, hospital.EventRecordsCreated, d.kind, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, d.mapWriteError(err)
	}

	d.logger.Debug("documents inserted", zap.Int64("count", n))
	return int(n), nil
}

// Update replaces the document stored under id
func (d *Documents[T]) Update(ctx context.Context, id string, doc T) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", d.kind, id, err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE documents SET data = $3, owner_id = $4, updated_at = NOW()
		WHERE collection = $1 AND id = $2
	`, string(d.kind), id, data, doc.OwnerID())
	if err != nil {
		return fmt.Errorf("update %s %s: %w", d.kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", d.kind, id, hospital.ErrNotFound)
	}

	if err := writeRecordsEvent(ctx, tx, hospital.EventRecordsUpdated, d.kind, []string{id}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes the document stored under id
func (d *Documents[T]) Delete(ctx context.Context, id string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, string(d.kind), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", d.kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", d.kind, id, hospital.ErrNotFound)
	}

	if err := writeRecordsEvent(ctx, tx, hospital.EventRecordsDeleted, d.kind, []string{id}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapWriteError turns a unique violation raised by a concurrent insert into
// a duplicate error.
func (d *Documents[T]) mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &hospital.DuplicateError{Collection: d.kind}
	}
	return fmt.Errorf("insert %s: %w", d.kind, err)
}

func writeRecordsEvent(ctx context.Context, tx pgx.Tx, eventType string, kind hospital.Kind, ids []string) error {
	payload, err := json.Marshal(hospital.RecordsEvent{
		Type:       eventType,
		Collection: kind,
		IDs:        ids,
		Count:      len(ids),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   ids[0],
		AggregateType: string(kind),
		EventType:     eventType,
		Payload:       payload,
		KafkaTopic:    hospital.TopicRecords,
		KafkaKey:      string(kind),
	})
}
