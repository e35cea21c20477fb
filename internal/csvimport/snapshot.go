package csvimport

// IDSet is a read-only set of known identifiers
type IDSet map[string]struct{}

// NewIDSet builds a set from ids
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. A nil set is empty.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// VisitRef is the ownership of an existing visit
type VisitRef struct {
	PatientID string
	DoctorID  string
}

// Snapshot holds the identifiers known before an import starts. It is read,
// never modified, while rows are validated.
type Snapshot struct {
	Patients      IDSet
	Doctors       IDSet
	Prescriptions IDSet
	Visits        map[string]VisitRef
}

// Visit looks up an existing visit
func (s *Snapshot) Visit(id string) (VisitRef, bool) {
	ref, ok := s.Visits[id]
	return ref, ok
}
