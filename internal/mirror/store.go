// Package mirror keeps a client-side copy of the hospital collections. The
// import tool validates CSV rows against it and merges accepted records
// back into it.
package mirror

import (
	"maps"
	"slices"
	"sync"

	"github.com/drfirst/go-hms/internal/csvimport"
	"github.com/drfirst/go-hms/internal/domain/hospital"
)

type collection[T hospital.Document] map[string]T

func (c collection[T]) put(docs []T) {
	for _, d := range docs {
		c[d.DocumentID()] = d
	}
}

// sorted returns the documents matching keep, ordered by id
func (c collection[T]) sorted(keep func(T) bool) []T {
	out := make([]T, 0, len(c))
	for _, id := range slices.Sorted(maps.Keys(c)) {
		if d := c[id]; keep == nil || keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func replace[T hospital.Document](docs []T) collection[T] {
	c := make(collection[T], len(docs))
	c.put(docs)
	return c
}

// Store is safe for concurrent use
type Store struct {
	mu            sync.RWMutex
	patients      collection[hospital.Patient]
	doctors       collection[hospital.Doctor]
	visits        collection[hospital.Visit]
	prescriptions collection[hospital.Prescription]
}

// New returns an empty store
func New() *Store {
	return &Store{
		patients:      collection[hospital.Patient]{},
		doctors:       collection[hospital.Doctor]{},
		visits:        collection[hospital.Visit]{},
		prescriptions: collection[hospital.Prescription]{},
	}
}

// Patient looks up one patient by id
func (s *Store) Patient(id string) (hospital.Patient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	return p, ok
}

// Doctor looks up one doctor by id
func (s *Store) Doctor(id string) (hospital.Doctor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doctors[id]
	return d, ok
}

// Visit looks up one visit by id
func (s *Store) Visit(id string) (hospital.Visit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visits[id]
	return v, ok
}

// Prescription looks up one prescription by id
func (s *Store) Prescription(id string) (hospital.Prescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prescriptions[id]
	return p, ok
}

// Patients returns every patient ordered by id
func (s *Store) Patients() []hospital.Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.patients.sorted(nil)
}

// Doctors returns every doctor ordered by id
func (s *Store) Doctors() []hospital.Doctor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doctors.sorted(nil)
}

// VisitsByDoctor returns the visits held by doctorID, ordered by id
func (s *Store) VisitsByDoctor(doctorID string) []hospital.Visit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visits.sorted(func(v hospital.Visit) bool { return v.DoctorID == doctorID })
}

// VisitsByPatient returns the visits of patientID, ordered by id
func (s *Store) VisitsByPatient(patientID string) []hospital.Visit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visits.sorted(func(v hospital.Visit) bool { return v.PatientID == patientID })
}

// PrescriptionsByDoctor returns the prescriptions issued by doctorID, ordered by id
func (s *Store) PrescriptionsByDoctor(doctorID string) []hospital.Prescription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prescriptions.sorted(func(p hospital.Prescription) bool { return p.DoctorID == doctorID })
}

// PrescriptionsByVisit returns the prescriptions written during visitID, ordered by id
func (s *Store) PrescriptionsByVisit(visitID string) []hospital.Prescription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prescriptions.sorted(func(p hospital.Prescription) bool { return p.VisitID == visitID })
}

// Counts returns the number of documents per collection
func (s *Store) Counts() map[hospital.Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[hospital.Kind]int{
		hospital.KindPatient:      len(s.patients),
		hospital.KindDoctor:       len(s.doctors),
		hospital.KindVisit:        len(s.visits),
		hospital.KindPrescription: len(s.prescriptions),
	}
}

// Snapshot copies the known identifiers for row validation. Later changes
// to the store do not affect the returned snapshot.
func (s *Store) Snapshot() *csvimport.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &csvimport.Snapshot{
		Patients:      csvimport.NewIDSet(slices.Collect(maps.Keys(s.patients))...),
		Doctors:       csvimport.NewIDSet(slices.Collect(maps.Keys(s.doctors))...),
		Prescriptions: csvimport.NewIDSet(slices.Collect(maps.Keys(s.prescriptions))...),
		Visits:        make(map[string]csvimport.VisitRef, len(s.visits)),
	}
	for id, v := range s.visits {
		snap.Visits[id] = csvimport.VisitRef{PatientID: v.PatientID, DoctorID: v.DoctorID}
	}
	return snap
}

// ReplacePatients discards every known patient and keeps docs instead
func (s *Store) ReplacePatients(docs []hospital.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients = replace(docs)
}

// ReplaceDoctors discards every known doctor and keeps docs instead
func (s *Store) ReplaceDoctors(docs []hospital.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors = replace(docs)
}

// ReplaceVisits discards every known visit and keeps docs instead
func (s *Store) ReplaceVisits(docs []hospital.Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = replace(docs)
}

// ReplacePrescriptions discards every known prescription and keeps docs instead
func (s *Store) ReplacePrescriptions(docs []hospital.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prescriptions = replace(docs)
}

// AddPatients merges docs, overwriting documents with the same id
func (s *Store) AddPatients(docs ...hospital.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients.put(docs)
}

// AddDoctors merges docs, overwriting documents with the same id
func (s *Store) AddDoctors(docs ...hospital.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors.put(docs)
}

// AddVisits merges docs, overwriting documents with the same id
func (s *Store) AddVisits(docs ...hospital.Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits.put(docs)
}

// AddPrescriptions merges docs, overwriting documents with the same id
func (s *Store) AddPrescriptions(docs ...hospital.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prescriptions.put(docs)
}

// Remove deletes one document and reports whether it was present
func (s *Store) Remove(kind hospital.Kind, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var present bool
	switch kind {
	case hospital.KindPatient:
		_, present = s.patients[id]
		delete(s.patients, id)
	case hospital.KindDoctor:
		_, present = s.doctors[id]
		delete(s.doctors, id)
	case hospital.KindVisit:
		_, present = s.visits[id]
		delete(s.visits, id)
	case hospital.KindPrescription:
		_, present = s.prescriptions[id]
		delete(s.prescriptions, id)
	}
	return present
}
