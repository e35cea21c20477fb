package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/client"
	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/pkg/circuitbreaker"
	"github.com/drfirst/go-hms/pkg/workerpool"
)

// Source fetches whole collections
type Source interface {
	Patients(ctx context.Context) ([]hospital.Patient, error)
	Doctors(ctx context.Context) ([]hospital.Doctor, error)
	Visits(ctx context.Context) ([]hospital.Visit, error)
	Prescriptions(ctx context.Context) ([]hospital.Prescription, error)
}

// APISource reads collections from the hospital API
type APISource struct {
	Client *client.Client
}

func (a APISource) Patients(ctx context.Context) ([]hospital.Patient, error) {
	return client.List[hospital.Patient](ctx, a.Client, hospital.KindPatient)
}

func (a APISource) Doctors(ctx context.Context) ([]hospital.Doctor, error) {
	return client.List[hospital.Doctor](ctx, a.Client, hospital.KindDoctor)
}

func (a APISource) Visits(ctx context.Context) ([]hospital.Visit, error) {
	return client.List[hospital.Visit](ctx, a.Client, hospital.KindVisit)
}

func (a APISource) Prescriptions(ctx context.Context) ([]hospital.Prescription, error) {
	return client.List[hospital.Prescription](ctx, a.Client, hospital.KindPrescription)
}

// LoadConfig returns the worker pool settings used by Load
func LoadConfig() workerpool.Config {
	cfg := workerpool.DefaultConfig()
	cfg.Workers = len(hospital.Kinds)
	cfg.Retryable = retryable
	return cfg
}

// Load fetches the four collections concurrently and replaces their
// contents. A collection that fails to load keeps its previous contents;
// the failures are joined into the returned error.
func (s *Store) Load(ctx context.Context, src Source, cfg workerpool.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	tasks := []*workerpool.Task{
		{ID: string(hospital.KindPatient), Run: fetch(src.Patients, s.ReplacePatients)},
		{ID: string(hospital.KindDoctor), Run: fetch(src.Doctors, s.ReplaceDoctors)},
		{ID: string(hospital.KindVisit), Run: fetch(src.Visits, s.ReplaceVisits)},
		{ID: string(hospital.KindPrescription), Run: fetch(src.Prescriptions, s.ReplacePrescriptions)},
	}

	results, err := workerpool.Run(ctx, cfg, logger, tasks)
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.TaskID, r.Err))
		}
	}
	logger.Info("collections loaded",
		zap.Any("counts", s.Counts()),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func fetch[T hospital.Document](get func(context.Context) ([]T, error), set func([]T)) func(context.Context) error {
	return func(ctx context.Context) error {
		docs, err := get(ctx)
		if err != nil {
			return err
		}
		set(docs)
		return nil
	}
}

// retryable skips retries for rejected requests and open circuits
func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= http.StatusInternalServerError
	}
	return true
}

// Merge adds accepted records of any collection to the store
func Merge[T hospital.Document](s *Store, docs []T) {
	switch d := any(docs).(type) {
	case []hospital.Patient:
		s.AddPatients(d...)
	case []hospital.Doctor:
		s.AddDoctors(d...)
	case []hospital.Visit:
		s.AddVisits(d...)
	case []hospital.Prescription:
		s.AddPrescriptions(d...)
	}
}
